// Package signalproto defines the JSON wire protocol exchanged between the
// sdfadb relay and its provider/controller peers over a WebSocket connection.
//
// Every message is a flat JSON object with a "type" field. Request messages
// that expect a reply may carry a "requestId" which the relay echoes back in
// the matching *_response so callers can correlate concurrent requests.
package signalproto

import "github.com/sdfadb/sdfadb/internal/domain"

// Message type constants for every signaling message.
const (
	TypeRegisterProvider   = "register_provider"
	TypeRegistered         = "registered"
	TypeUpdateDevices      = "update_devices"
	TypeListDevices        = "list_devices"
	TypeDeviceList         = "device_list"
	TypeAllocatePort       = "allocate_port"
	TypeAllocateResponse   = "allocate_response"
	TypeConnectDevice      = "connect_device"
	TypeConnectRequest     = "connect_request"
	TypeConnectResponse    = "connect_response"
	TypeDisconnectDevice   = "disconnect_device"
	TypeDisconnectRequest  = "disconnect_request"
	TypeDisconnectResponse = "disconnect_response"
	TypeStatus             = "status"
	TypeStatusResponse     = "status_response"
)

// Message is the inbound envelope. It is a superset of every message shape so
// a single decode suffices for dispatch; handlers read only the fields their
// type defines.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// register_provider / update_devices / device_list
	ProviderID string                  `json:"providerId,omitempty"`
	Devices    []domain.ProviderDevice `json:"devices,omitempty"`

	// allocate_port / connect_device / disconnect_device / connect_request
	ControllerID  string `json:"controllerId,omitempty"`
	DeviceSerial  string `json:"deviceSerial,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	RequestedPort int    `json:"requestedPort,omitempty"`
	Port          int    `json:"port,omitempty"`
	RelayPort     int    `json:"relayPort,omitempty"`
	Host          string `json:"host,omitempty"`

	// *_response fields
	Success   bool   `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Status    string `json:"status,omitempty"`

	// status_response fields
	Providers      int        `json:"providers,omitempty"`
	Sessions       int        `json:"sessions,omitempty"`
	Tunnels        int        `json:"tunnels,omitempty"`
	MaxSessions    int        `json:"maxSessions,omitempty"`
	AvailablePorts int        `json:"availablePorts,omitempty"`
	AllocatedPorts int        `json:"allocatedPorts,omitempty"`
	Telemetry      *Telemetry `json:"telemetry,omitempty"`
}

// Result carries the common success/error fields of every *_response.
type Result struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// OK is the Result of a successful operation.
func OK() Result {
	return Result{Success: true}
}

// Failure converts a [domain.RelayError] into a wire Result.
func Failure(err *domain.RelayError) Result {
	return Result{
		Success:   false,
		Error:     err.Message,
		ErrorCode: err.Code,
		Retryable: err.Retryable,
	}
}

// RegisteredResponse acknowledges a register_provider message.
type RegisteredResponse struct {
	Type       string `json:"type"`
	ProviderID string `json:"providerId"`
	Status     string `json:"status"`
	RequestID  string `json:"requestId,omitempty"`
}

// DeviceListResponse answers list_devices with the flattened device set
// across all registered providers.
type DeviceListResponse struct {
	Type      string                  `json:"type"`
	Devices   []domain.ProviderDevice `json:"devices"`
	RequestID string                  `json:"requestId,omitempty"`
}

// AllocateResponse answers allocate_port.
type AllocateResponse struct {
	Type string `json:"type"`
	Result
	SessionID string `json:"sessionId,omitempty"`
	Port      int    `json:"port,omitempty"`
	Host      string `json:"host,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ConnectResponse answers connect_device.
type ConnectResponse struct {
	Type string `json:"type"`
	Result
	SessionID string `json:"sessionId,omitempty"`
	RelayPort int    `json:"relayPort,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// DisconnectResponse answers disconnect_device.
type DisconnectResponse struct {
	Type string `json:"type"`
	Result
	SessionID string `json:"sessionId,omitempty"`
	RelayPort int    `json:"relayPort,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ConnectRequest instructs a provider to dial the allocated relay port.
type ConnectRequest struct {
	Type         string `json:"type"`
	ControllerID string `json:"controllerId,omitempty"`
	DeviceSerial string `json:"deviceSerial"`
	RelayPort    int    `json:"relayPort"`
}

// DisconnectRequest instructs a provider to tear down its bridge for a port.
type DisconnectRequest struct {
	Type      string `json:"type"`
	RelayPort int    `json:"relayPort"`
}

// ProviderConnectResult is the provider's report after handling a
// connect_request. The relay ignores it; it exists for symmetric logging.
type ProviderConnectResult struct {
	Type         string `json:"type"`
	ControllerID string `json:"controllerId,omitempty"`
	DeviceSerial string `json:"deviceSerial"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// StatusResponse answers a status request with aggregate counts and the
// observability snapshot.
type StatusResponse struct {
	Type           string    `json:"type"`
	Providers      int       `json:"providers"`
	Sessions       int       `json:"sessions"`
	Tunnels        int       `json:"tunnels"`
	MaxSessions    int       `json:"maxSessions"`
	AvailablePorts int       `json:"availablePorts"`
	AllocatedPorts int       `json:"allocatedPorts"`
	Telemetry      Telemetry `json:"telemetry"`
	RequestID      string    `json:"requestId,omitempty"`
}

// Telemetry is the on-demand observability snapshot of the relay.
type Telemetry struct {
	ActiveSessions   int    `json:"active_sessions"`
	HalfOpenSessions int    `json:"half_open_sessions"`
	PortPoolUsage    int    `json:"port_pool_usage"`
	ConnectFailures  uint64 `json:"connect_failures"`
}
