// Package domain defines the core data types shared across the sdfadb
// relay, provider, and controller layers.
package domain

import "time"

// Session status constants track the lifecycle of a relay session.
const (
	SessionStatusAllocated = "allocated"
	SessionStatusBridging  = "bridging"
	SessionStatusClosed    = "closed"
)

// Device describes one debug-bridge device offered by a provider.
type Device struct {
	Serial       string `json:"serial"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// ProviderDevice is a [Device] annotated with the provider that offers it,
// as returned in the relay's device_list response.
type ProviderDevice struct {
	ProviderID string `json:"providerId"`
	Device
}

// Session correlates a controller's request, an allocated relay port, and a
// reserved device. Exactly one session exists per active tunnel.
type Session struct {
	ID           string
	Port         int
	ProviderID   string
	DeviceSerial string
	ControllerID string
	Status       string
	AllocatedAt  time.Time
}

// PortAllocation is the allocator's record for one reserved relay port.
type PortAllocation struct {
	Port              int
	SessionID         string
	DeviceSerial      string
	ProviderID        string
	AllocatedAt       time.Time
	ExpiresAt         time.Time
	ProviderConnected bool
	ClientConnected   bool
}

// LocalSession is a controller-side record persisted between CLI invocations,
// keyed by the local listening port the session was mounted on.
type LocalSession struct {
	LocalPort    int
	SessionID    string
	ProviderID   string
	DeviceSerial string
	RelayHost    string
	RelayPort    int
	CreatedAt    time.Time
}

// DeviceKey builds the composite exclusivity key for a provider's device.
func DeviceKey(providerID, deviceSerial string) string {
	return providerID + ":" + deviceSerial
}
