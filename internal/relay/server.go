package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdfadb/sdfadb/internal/config"
	"github.com/sdfadb/sdfadb/internal/domain"
	"github.com/sdfadb/sdfadb/internal/signalproto"
)

// Server is the rendezvous relay. It terminates the WebSocket signaling
// channel, brokers tunnel ports between providers and controllers, and owns
// every live tunnel.
type Server struct {
	cfg  config.ServerConfig
	log  *slog.Logger
	host string

	pool    *PortPool
	devices *DeviceRegistry

	mu        sync.RWMutex
	providers map[string]*signalConn
	sessions  map[string]*domain.Session
	tunnels   map[string]*Tunnel

	connectFailures atomic.Uint64
}

// signalConn is one WebSocket peer on the signaling channel. providerID is
// set under the server mutex once the peer registers as a provider;
// controller connections never set it.
type signalConn struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	providerID string
	devices    []domain.ProviderDevice
}

func (c *signalConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a relay server from its configuration.
func New(cfg config.ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		log:       logger,
		host:      cfg.Host,
		pool:      NewPortPool(cfg.PortStart, cfg.PortEnd),
		devices:   NewDeviceRegistry(),
		providers: map[string]*signalConn{},
		sessions:  map[string]*domain.Session{},
		tunnels:   map[string]*Tunnel{},
	}
}

// Handler returns the HTTP handler serving the signaling endpoint. Exposed
// separately so tests can mount it on an ephemeral listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSignal)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves the signaling endpoint until ctx is cancelled, then releases
// every live tunnel and shuts the HTTP listener down.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting relay server", "addr", httpServer.Addr, "port_pool", strconv.Itoa(s.cfg.PortStart)+"-"+strconv.Itoa(s.cfg.PortEnd))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.releaseAll("server-shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		s.releaseAll("server-shutdown")
		return err
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	c := &signalConn{conn: conn}
	s.log.Debug("signal connection opened", "remote", conn.RemoteAddr().String())
	go s.readLoop(c)
}

func (s *Server) readLoop(c *signalConn) {
	defer func() {
		_ = c.conn.Close()
		s.dropConn(c)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg signalproto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed payloads are dropped; the connection stays up.
			s.log.Debug("malformed signal message", "err", err)
			continue
		}
		s.dispatch(c, &msg)
	}
}

// dropConn runs after a signaling connection dies. A provider's death
// cascades: its registration is removed and every session bound to it is
// released so the ports return to the pool.
func (s *Server) dropConn(c *signalConn) {
	s.mu.Lock()
	providerID := c.providerID
	if providerID == "" || s.providers[providerID] != c {
		s.mu.Unlock()
		return
	}
	delete(s.providers, providerID)

	var orphaned []*Tunnel
	for _, t := range s.tunnels {
		if t.ProviderID() == providerID {
			orphaned = append(orphaned, t)
		}
	}
	s.mu.Unlock()

	s.log.Info("provider disconnected", "provider_id", providerID, "sessions", len(orphaned))
	for _, t := range orphaned {
		t.Release("provider-ws-disconnect")
	}
}

// releaseAll tears down every live tunnel with the given reason.
func (s *Server) releaseAll(reason string) {
	s.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		tunnels = append(tunnels, t)
	}
	s.mu.RUnlock()

	for _, t := range tunnels {
		t.Release(reason)
	}
}

// tunnelReleased is the single teardown bookkeeping path: it unlinks the
// tunnel from the session maps, returns the port, frees the device and logs
// the reason. The tunnel has already closed its sockets by the time this runs.
func (s *Server) tunnelReleased(t *Tunnel, reason string) {
	s.mu.Lock()
	if s.tunnels[t.SessionID()] == t {
		delete(s.tunnels, t.SessionID())
	}
	if sess, ok := s.sessions[t.SessionID()]; ok {
		sess.Status = domain.SessionStatusClosed
		delete(s.sessions, t.SessionID())
	}
	s.mu.Unlock()

	s.pool.Release(t.Port())
	s.devices.Release(t.ProviderID(), t.DeviceSerial(), t.SessionID())

	s.log.Info("session released",
		"session_id", t.SessionID(),
		"port", t.Port(),
		"provider_id", t.ProviderID(),
		"device", t.DeviceSerial(),
		"reason", reason)
}

// tunnelPeer keeps the allocator's introspection flags in step with the
// tunnel's actual peer slots.
func (s *Server) tunnelPeer(t *Tunnel, second bool) {
	yes := true
	if second {
		s.pool.UpdateStatus(t.Port(), AllocationUpdate{ClientConnected: &yes})
		s.mu.Lock()
		if sess, ok := s.sessions[t.SessionID()]; ok {
			sess.Status = domain.SessionStatusBridging
		}
		s.mu.Unlock()
	} else {
		s.pool.UpdateStatus(t.Port(), AllocationUpdate{ProviderConnected: &yes})
	}
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired releases tunnels whose port allocation outlived its TTL, then
// reclaims allocations that never grew a tunnel at all.
func (s *Server) sweepExpired() {
	now := time.Now()

	s.mu.RLock()
	var expired []*Tunnel
	for _, t := range s.tunnels {
		if a, ok := s.pool.Info(t.Port()); ok && a.ExpiresAt.Before(now) {
			expired = append(expired, t)
		}
	}
	s.mu.RUnlock()

	for _, t := range expired {
		t.Release("ttl-expired")
	}
	if n := s.pool.CleanupExpired(); n > 0 {
		s.log.Info("expired port allocations reclaimed", "count", n)
	}
}

// telemetry builds the point-in-time observability snapshot.
func (s *Server) telemetry() signalproto.Telemetry {
	s.mu.RLock()
	halfOpen := 0
	for _, t := range s.tunnels {
		if t.PeerCount() < 2 {
			halfOpen++
		}
	}
	s.mu.RUnlock()

	return signalproto.Telemetry{
		ActiveSessions:   s.devices.Len(),
		HalfOpenSessions: halfOpen,
		PortPoolUsage:    s.pool.Stats().Allocated,
		ConnectFailures:  s.connectFailures.Load(),
	}
}
