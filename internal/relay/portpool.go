// Package relay implements the sdfadb relay server: the signaling
// dispatcher, the tunnel port allocator, the device exclusivity registry,
// and the per-port connection-pairing tunnels.
package relay

import (
	"sync"
	"time"

	"github.com/sdfadb/sdfadb/internal/domain"
)

// PortPool owns a fixed range of tunnel ports and hands out TTL-bounded
// reservations. Every port is either available or allocated, never both.
type PortPool struct {
	start int
	end   int

	mu        sync.Mutex
	allocated map[int]*domain.PortAllocation
}

// PoolStats is a point-in-time summary of pool usage.
type PoolStats struct {
	Total     int
	Available int
	Allocated int
}

// AllocationUpdate carries the optional fields merged by [PortPool.UpdateStatus].
type AllocationUpdate struct {
	ProviderConnected *bool
	ClientConnected   *bool
}

// NewPortPool creates a pool covering the inclusive range [start, end].
func NewPortPool(start, end int) *PortPool {
	return &PortPool{
		start:     start,
		end:       end,
		allocated: make(map[int]*domain.PortAllocation),
	}
}

// Allocate reserves the lowest available port for a session. It returns
// false when the pool is exhausted.
func (p *PortPool) Allocate(sessionID, deviceSerial, providerID string, ttl time.Duration) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.start; port <= p.end; port++ {
		if _, taken := p.allocated[port]; taken {
			continue
		}
		p.reserveLocked(port, sessionID, deviceSerial, providerID, ttl)
		return port, true
	}
	return 0, false
}

// AllocateSpecific reserves the named port. It returns false when the port is
// outside the pool range or already allocated.
func (p *PortPool) AllocateSpecific(port int, sessionID, deviceSerial, providerID string, ttl time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.start || port > p.end {
		return false
	}
	if _, taken := p.allocated[port]; taken {
		return false
	}
	p.reserveLocked(port, sessionID, deviceSerial, providerID, ttl)
	return true
}

func (p *PortPool) reserveLocked(port int, sessionID, deviceSerial, providerID string, ttl time.Duration) {
	now := time.Now()
	p.allocated[port] = &domain.PortAllocation{
		Port:         port,
		SessionID:    sessionID,
		DeviceSerial: deviceSerial,
		ProviderID:   providerID,
		AllocatedAt:  now,
		ExpiresAt:    now.Add(ttl),
	}
}

// Release returns a port to the available set. It is idempotent and reports
// whether anything was actually released.
func (p *PortPool) Release(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[port]; !ok {
		return false
	}
	delete(p.allocated, port)
	return true
}

// Info returns a copy of the allocation record for a port.
func (p *PortPool) Info(port int) (domain.PortAllocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.allocated[port]
	if !ok {
		return domain.PortAllocation{}, false
	}
	return *a, true
}

// UpdateStatus merges the given fields into an allocation record. It is
// introspection-only bookkeeping; pairing itself is the tunnel's business.
func (p *PortPool) UpdateStatus(port int, upd AllocationUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.allocated[port]
	if !ok {
		return
	}
	if upd.ProviderConnected != nil {
		a.ProviderConnected = *upd.ProviderConnected
	}
	if upd.ClientConnected != nil {
		a.ClientConnected = *upd.ClientConnected
	}
}

// FindBySession returns the port allocated to a session, if any.
func (p *PortPool) FindBySession(sessionID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port, a := range p.allocated {
		if a.SessionID == sessionID {
			return port, true
		}
	}
	return 0, false
}

// CleanupExpired releases every allocation whose TTL has passed and returns
// the number of ports reclaimed. Reservations that never reached a tunnel
// (e.g. the caller crashed before any peer connected) are caught here.
func (p *PortPool) CleanupExpired() int {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []int
	for port, a := range p.allocated {
		if a.ExpiresAt.Before(now) {
			expired = append(expired, port)
		}
	}
	for _, port := range expired {
		delete(p.allocated, port)
	}
	return len(expired)
}

// Stats returns pool usage counters.
func (p *PortPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.end - p.start + 1
	return PoolStats{
		Total:     total,
		Available: total - len(p.allocated),
		Allocated: len(p.allocated),
	}
}
