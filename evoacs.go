// Package evoacs provides the main entry point and documentation for the EvoACS
// protocol core.
//
// EvoACS is an Auto Configuration Server (ACS) for broadband customer-premises
// equipment. It manages device fleets over two Broadband Forum protocols:
//
//   - CWMP (TR-069): SOAP/XML sessions initiated by the device (Inform), with a
//     per-session outbound command queue and a NAT-traversal pending-command
//     fallback for devices that cannot be reached by Connection Request.
//   - USP (TR-369): binary protobuf Record/Msg envelopes dispatched over HTTP
//     polling, MQTT or WebSocket transports.
//
// This package serves as the root package for Go tooling compatibility and
// contains project-wide metadata.
//
// For the server binary, see cmd/acs-server. For library code, see:
//   - internal/cwmp - SOAP codec, TR-069 session engine, connection requests
//   - internal/usp - USP message service and multi-transport dispatcher
//   - internal/usp/wire - protobuf Record/Msg wire codec
//   - internal/mtp - MQTT and WebSocket message transfer protocols
//   - internal/database - durable state (devices, sessions, tasks, commands)
//   - internal/api - operator-facing REST API
package evoacs

// Platform information
const (
	// PlatformName is the name of the platform
	PlatformName = "EvoACS"

	// PlatformDescription is a brief description of the platform
	PlatformDescription = "TR-069/TR-369 Auto Configuration Server - protocol core"
)
