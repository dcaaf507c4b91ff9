package relay

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Tunnel lifecycle states. Transitions only move forward; released is
// terminal and every exit path funnels through release exactly once.
type tunnelState int

const (
	stateCreated tunnelState = iota
	stateWaitingPeers
	stateHalfOpen
	stateBridged
	stateReleased
)

func (s tunnelState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateWaitingPeers:
		return "waiting_peers"
	case stateHalfOpen:
		return "half_open"
	case stateBridged:
		return "bridged"
	case stateReleased:
		return "released"
	}
	return "unknown"
}

// Tunnel pairs exactly two TCP peers on one allocated port and pumps bytes
// between them. By convention the first inbound connection is the provider
// side: the relay notifies the provider before replying to the controller,
// so the provider normally dials first. The relay never inspects payload;
// the convention affects bookkeeping flags and log labels only.
type Tunnel struct {
	port         int
	sessionID    string
	providerID   string
	deviceSerial string

	halfOpenTimeout time.Duration
	idleTimeout     time.Duration
	log             *slog.Logger

	// onPeerConnected is invoked outside the tunnel lock after each of the
	// two peer slots fills; second reports which slot. onRelease is invoked
	// exactly once when the tunnel reaches its terminal state.
	onPeerConnected func(t *Tunnel, second bool)
	onRelease       func(t *Tunnel, reason string)

	mu            sync.Mutex
	state         tunnelState
	ln            net.Listener
	providerConn  net.Conn
	clientConn    net.Conn
	halfOpenTimer *time.Timer
	idleTimer     *time.Timer
}

// TunnelOptions bundles the construction parameters for a [Tunnel].
type TunnelOptions struct {
	Port            int
	SessionID       string
	ProviderID      string
	DeviceSerial    string
	HalfOpenTimeout time.Duration
	IdleTimeout     time.Duration
	Log             *slog.Logger
	OnPeerConnected func(t *Tunnel, second bool)
	OnRelease       func(t *Tunnel, reason string)
}

// NewTunnel creates a tunnel in the created state. Call [Tunnel.Start] to
// bind the listening socket.
func NewTunnel(opts TunnelOptions) *Tunnel {
	t := &Tunnel{
		port:            opts.Port,
		sessionID:       opts.SessionID,
		providerID:      opts.ProviderID,
		deviceSerial:    opts.DeviceSerial,
		halfOpenTimeout: opts.HalfOpenTimeout,
		idleTimeout:     opts.IdleTimeout,
		log:             opts.Log,
		onPeerConnected: opts.OnPeerConnected,
		onRelease:       opts.OnRelease,
		state:           stateCreated,
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.onPeerConnected == nil {
		t.onPeerConnected = func(*Tunnel, bool) {}
	}
	if t.onRelease == nil {
		t.onRelease = func(*Tunnel, string) {}
	}
	return t
}

// Port returns the tunnel's allocated port.
func (t *Tunnel) Port() int { return t.port }

// SessionID returns the session this tunnel belongs to.
func (t *Tunnel) SessionID() string { return t.sessionID }

// ProviderID returns the provider that owns the tunneled device.
func (t *Tunnel) ProviderID() string { return t.providerID }

// DeviceSerial returns the serial of the tunneled device.
func (t *Tunnel) DeviceSerial() string { return t.deviceSerial }

// PeerCount returns how many of the two peer slots are filled.
func (t *Tunnel) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	if t.providerConn != nil {
		n++
	}
	if t.clientConn != nil {
		n++
	}
	return n
}

// Start binds the listening socket on host:port and begins accepting peers.
func (t *Tunnel) Start(host string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(t.port)))
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state != stateCreated {
		// Released before the listener came up; don't leak the socket.
		t.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	t.ln = ln
	t.state = stateWaitingPeers
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *Tunnel) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed on release.
			return
		}
		t.handleConn(conn)
	}
}

func (t *Tunnel) handleConn(conn net.Conn) {
	t.mu.Lock()
	switch {
	case t.state == stateReleased:
		t.mu.Unlock()
		_ = conn.Close()

	case t.providerConn == nil:
		t.providerConn = conn
		t.state = stateHalfOpen
		// The half-open clock starts the moment the first peer shows up; the
		// tunnel must reach bridged before it fires.
		t.halfOpenTimer = time.AfterFunc(t.halfOpenTimeout, t.halfOpenExpired)
		t.mu.Unlock()

		t.log.Info("tunnel provider connected", "port", t.port, "remote", conn.RemoteAddr().String())
		t.onPeerConnected(t, false)

	case t.clientConn == nil:
		t.clientConn = conn
		t.state = stateBridged
		if t.halfOpenTimer != nil {
			t.halfOpenTimer.Stop()
			t.halfOpenTimer = nil
		}
		t.idleTimer = time.AfterFunc(t.idleTimeout, t.idleExpired)
		provider := t.providerConn
		t.mu.Unlock()

		t.log.Info("tunnel client connected, bridging", "port", t.port, "remote", conn.RemoteAddr().String())
		t.onPeerConnected(t, true)

		go t.pump(conn, provider, "provider-disconnected")
		go t.pump(provider, conn, "client-disconnected")

	default:
		t.mu.Unlock()
		t.log.Warn("tunnel rejected extra connection", "port", t.port, "remote", conn.RemoteAddr().String())
		_ = conn.Close()
	}
}

// pump copies src to dst until either side fails, refreshing the idle timer
// on every chunk. The exit reason names the side whose read ended.
func (t *Tunnel) pump(dst, src net.Conn, reason string) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			t.touchIdle()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	t.Release(reason)
}

func (t *Tunnel) touchIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateBridged && t.idleTimer != nil {
		t.idleTimer.Reset(t.idleTimeout)
	}
}

func (t *Tunnel) halfOpenExpired() {
	t.mu.Lock()
	fire := t.state == stateHalfOpen || t.state == stateWaitingPeers
	t.mu.Unlock()
	if fire {
		t.Release("half-open-timeout")
	}
}

func (t *Tunnel) idleExpired() {
	t.mu.Lock()
	fire := t.state == stateBridged
	t.mu.Unlock()
	if fire {
		t.Release("idle-timeout")
	}
}

// Release moves the tunnel to its terminal state: cancels both timers,
// closes both peer sockets and the listener, then reports the release
// upstream exactly once. Safe to call concurrently and repeatedly.
func (t *Tunnel) Release(reason string) {
	t.mu.Lock()
	if t.state == stateReleased {
		t.mu.Unlock()
		return
	}
	t.state = stateReleased
	if t.halfOpenTimer != nil {
		t.halfOpenTimer.Stop()
		t.halfOpenTimer = nil
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	provider, client, ln := t.providerConn, t.clientConn, t.ln
	t.providerConn, t.clientConn, t.ln = nil, nil, nil
	t.mu.Unlock()

	if provider != nil {
		_ = provider.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}

	t.onRelease(t, reason)
}
