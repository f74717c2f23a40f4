package cwmp

import (
	"testing"
)

func TestParseConnectedClientsHostTable(t *testing.T) {
	params := []ParameterValue{
		{Name: "Device.Hosts.Host.1.PhysAddress", Value: "AA-BB-CC-00-11-22"},
		{Name: "Device.Hosts.Host.1.IPAddress", Value: "192.168.1.50"},
		{Name: "Device.Hosts.Host.1.HostName", Value: "laptop"},
		{Name: "Device.Hosts.Host.1.Active", Value: "1"},
		{Name: "Device.Hosts.Host.2.MACAddress", Value: "aa:bb:cc:33:44:55"},
		{Name: "Device.Hosts.Host.2.Active", Value: "false"},
	}

	clients := parseConnectedClients(params)
	if len(clients) != 2 {
		t.Fatalf("clients: got %d, want 2", len(clients))
	}

	first := clients[0]
	if first.MACAddress != "aa:bb:cc:00:11:22" {
		t.Errorf("MAC should be normalized: got %q", first.MACAddress)
	}
	if first.Hostname != "laptop" || first.IPAddress != "192.168.1.50" || !first.Active {
		t.Errorf("first client: got %+v", first)
	}
	if first.InterfaceType != "ethernet" {
		t.Errorf("default interface type: got %q", first.InterfaceType)
	}
	if clients[1].Active {
		t.Errorf("second client should be inactive: %+v", clients[1])
	}
}

func TestParseConnectedClientsWiFiMerge(t *testing.T) {
	params := []ParameterValue{
		{Name: "Device.Hosts.Host.1.PhysAddress", Value: "AA:BB:CC:00:11:22"},
		{Name: "Device.Hosts.Host.1.HostName", Value: "phone"},
		{Name: "Device.Hosts.Host.1.IPAddress", Value: "192.168.1.60"},
		{Name: "Device.WiFi.AccessPoint.1.AssociatedDevice.1.MACAddress", Value: "aa:bb:cc:00:11:22"},
		{Name: "Device.WiFi.AccessPoint.1.AssociatedDevice.1.SignalStrength", Value: "-52"},
	}

	clients := parseConnectedClients(params)
	if len(clients) != 1 {
		t.Fatalf("entries with the same MAC should merge: got %d", len(clients))
	}

	client := clients[0]
	if client.InterfaceType != "wifi" {
		t.Errorf("wifi association should win: got %q", client.InterfaceType)
	}
	if client.SignalStrength != -52 {
		t.Errorf("signal strength: got %d", client.SignalStrength)
	}
	if client.Hostname != "phone" || client.IPAddress != "192.168.1.60" {
		t.Errorf("host table details should survive the merge: %+v", client)
	}
	if !client.Active {
		t.Error("associated device implies active")
	}
}

func TestParseConnectedClientsDropsNoMAC(t *testing.T) {
	params := []ParameterValue{
		{Name: "Device.Hosts.Host.1.HostName", Value: "ghost"},
		{Name: "Device.Hosts.Host.1.IPAddress", Value: "192.168.1.70"},
		{Name: "Device.Hosts.Host.7.NotAnInstanceField", Value: "x"},
		{Name: "Device.Hosts.HostNumberOfEntries", Value: "2"},
	}

	if clients := parseConnectedClients(params); len(clients) != 0 {
		t.Errorf("entries without a MAC must be dropped: got %+v", clients)
	}
}

func TestSplitInstance(t *testing.T) {
	tests := []struct {
		in   string
		idx  string
		rest string
		ok   bool
	}{
		{"3.HostName", "3", "HostName", true},
		{"1.AssociatedDevice.2.MACAddress", "1", "AssociatedDevice.2.MACAddress", true},
		{"HostNumberOfEntries", "", "", false},
		{"x.HostName", "", "", false},
		{"3.", "", "", false},
	}
	for _, test := range tests {
		idx, rest, ok := splitInstance(test.in)
		if idx != test.idx || rest != test.rest || ok != test.ok {
			t.Errorf("splitInstance(%q) = (%q, %q, %v), want (%q, %q, %v)",
				test.in, idx, rest, ok, test.idx, test.rest, test.ok)
		}
	}
}
