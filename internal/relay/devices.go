package relay

import (
	"sync"

	"github.com/sdfadb/sdfadb/internal/domain"
)

// DeviceRegistry enforces at most one active session per (provider, device)
// pair. A physical debug-bridge device cannot sustain concurrent sessions
// without corrupting its protocol stream, so a second connect attempt for a
// reserved device must fail instead of queueing.
type DeviceRegistry struct {
	mu       sync.Mutex
	sessions map[string]string // device key -> session id
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{sessions: make(map[string]string)}
}

// Reserve claims a device for a session. It succeeds when the device is
// unreserved or already reserved by the same session (idempotent re-entry),
// and fails without side effects otherwise.
func (r *DeviceRegistry) Reserve(providerID, deviceSerial, sessionID string) bool {
	key := domain.DeviceKey(providerID, deviceSerial)

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[key]; ok && current != sessionID {
		return false
	}
	r.sessions[key] = sessionID
	return true
}

// Release removes the reservation only when it still belongs to sessionID,
// so a stale release cannot clobber a newer session on the same device.
func (r *DeviceRegistry) Release(providerID, deviceSerial, sessionID string) {
	key := domain.DeviceKey(providerID, deviceSerial)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[key] == sessionID {
		delete(r.sessions, key)
	}
}

// Len returns the number of active reservations.
func (r *DeviceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
