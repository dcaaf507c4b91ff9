package domain

// Error codes returned in structured *_response failures. Exhaustion codes
// are retryable; conflict and not-found codes are not.
const (
	CodeProviderNotFound    = "PROVIDER_NOT_FOUND"
	CodePortExhausted       = "PORT_EXHAUSTED"
	CodeSessionLimitReached = "SESSION_LIMIT_REACHED"
	CodeDeviceBusy          = "DEVICE_BUSY"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
)

// RelayError is a protocol-level failure carried back to the requester in a
// *_response message. Callers should use [errors.Is] to match the sentinel
// values below.
type RelayError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *RelayError) Error() string {
	return e.Message
}

// Is matches relay errors by code, so an error reconstructed from the wire
// compares equal to its sentinel.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	return ok && t.Code == e.Code
}

// Sentinel errors for every structured failure the relay can produce.
var (
	// ErrProviderNotFound means the requested provider is not registered.
	ErrProviderNotFound = &RelayError{Code: CodeProviderNotFound, Message: "provider not found"}

	// ErrPortExhausted means the port pool has no free port left.
	ErrPortExhausted = &RelayError{Code: CodePortExhausted, Message: "no ports available", Retryable: true}

	// ErrSessionLimitReached means the relay is at its concurrent tunnel cap.
	ErrSessionLimitReached = &RelayError{Code: CodeSessionLimitReached, Message: "max sessions reached", Retryable: true}

	// ErrDeviceBusy means another session already holds the device.
	ErrDeviceBusy = &RelayError{Code: CodeDeviceBusy, Message: "device already in use"}

	// ErrSessionNotFound means no tunnel matches the given session or port.
	ErrSessionNotFound = &RelayError{Code: CodeSessionNotFound, Message: "session not found"}
)
