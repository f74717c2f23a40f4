package cwmp

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
)

const (
	hostTablePrefix   = "Device.Hosts.Host."
	accessPointPrefix = "Device.WiFi.AccessPoint."
)

// parseConnectedClients extracts LAN hosts and WiFi-associated devices from a
// network scan's GetParameterValuesResponse. Entries without a MAC address
// are dropped; a WiFi association overrides the interface type of a host
// table entry with the same MAC.
func parseConnectedClients(params []ParameterValue) []database.ConnectedClient {
	type entry struct {
		client database.ConnectedClient
		order  int
	}
	byKey := map[string]*entry{}
	order := 0

	get := func(key string) *entry {
		e, ok := byKey[key]
		if !ok {
			e = &entry{order: order}
			order++
			byKey[key] = e
		}
		return e
	}

	for _, p := range params {
		switch {
		case strings.HasPrefix(p.Name, hostTablePrefix):
			idx, field, ok := splitInstance(strings.TrimPrefix(p.Name, hostTablePrefix))
			if !ok {
				continue
			}
			e := get("host:" + idx)
			switch field {
			case "PhysAddress", "MACAddress":
				e.client.MACAddress = normalizeMAC(p.Value)
			case "IPAddress":
				e.client.IPAddress = p.Value
			case "HostName":
				e.client.Hostname = p.Value
			case "Active":
				e.client.Active = parseBool(p.Value)
			case "Layer1Interface", "InterfaceType":
				if strings.Contains(p.Value, "WiFi") || strings.Contains(p.Value, "802.11") {
					e.client.InterfaceType = "wifi"
				}
			}

		case strings.HasPrefix(p.Name, accessPointPrefix):
			rest := strings.TrimPrefix(p.Name, accessPointPrefix)
			apIdx, rest, ok := splitInstance(rest)
			if !ok || !strings.HasPrefix(rest, "AssociatedDevice.") {
				continue
			}
			adIdx, field, ok := splitInstance(strings.TrimPrefix(rest, "AssociatedDevice."))
			if !ok {
				continue
			}
			e := get("wifi:" + apIdx + "." + adIdx)
			e.client.InterfaceType = "wifi"
			e.client.Active = true
			switch field {
			case "MACAddress":
				e.client.MACAddress = normalizeMAC(p.Value)
			case "SignalStrength":
				if v, err := strconv.Atoi(p.Value); err == nil {
					e.client.SignalStrength = v
				}
			}
		}
	}

	// Merge: WiFi entries win over host table entries for the same MAC
	merged := map[string]*entry{}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return byKey[keys[i]].order < byKey[keys[j]].order })

	for _, k := range keys {
		e := byKey[k]
		if e.client.MACAddress == "" {
			continue
		}
		if e.client.InterfaceType == "" {
			e.client.InterfaceType = "ethernet"
		}
		prev, ok := merged[e.client.MACAddress]
		if !ok {
			merged[e.client.MACAddress] = e
			continue
		}
		if e.client.InterfaceType == "wifi" {
			prev.client.InterfaceType = "wifi"
			if e.client.SignalStrength != 0 {
				prev.client.SignalStrength = e.client.SignalStrength
			}
			prev.client.Active = true
		}
		if prev.client.Hostname == "" {
			prev.client.Hostname = e.client.Hostname
		}
		if prev.client.IPAddress == "" {
			prev.client.IPAddress = e.client.IPAddress
		}
	}

	out := make([]database.ConnectedClient, 0, len(merged))
	macs := make([]string, 0, len(merged))
	for mac := range merged {
		macs = append(macs, mac)
	}
	sort.Slice(macs, func(i, j int) bool { return merged[macs[i]].order < merged[macs[j]].order })
	for _, mac := range macs {
		out = append(out, merged[mac].client)
	}
	return out
}

// splitInstance splits "3.HostName" into instance and trailing path
func splitInstance(s string) (idx, rest string, ok bool) {
	dot := strings.IndexByte(s, '.')
	if dot <= 0 {
		return "", "", false
	}
	idx, rest = s[:dot], s[dot+1:]
	if _, err := strconv.Atoi(idx); err != nil || rest == "" {
		return "", "", false
	}
	return idx, rest, true
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
