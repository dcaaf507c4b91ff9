package relay

import (
	"time"

	"github.com/sdfadb/sdfadb/internal/domain"
	"github.com/sdfadb/sdfadb/internal/signalproto"
)

func (s *Server) dispatch(c *signalConn, msg *signalproto.Message) {
	switch msg.Type {
	case signalproto.TypeRegisterProvider:
		s.handleRegisterProvider(c, msg)
	case signalproto.TypeUpdateDevices:
		s.handleUpdateDevices(c, msg)
	case signalproto.TypeListDevices:
		s.handleListDevices(c, msg)
	case signalproto.TypeAllocatePort:
		s.handleAllocatePort(c, msg)
	case signalproto.TypeConnectDevice:
		s.handleConnectDevice(c, msg)
	case signalproto.TypeDisconnectDevice:
		s.handleDisconnectDevice(c, msg)
	case signalproto.TypeStatus:
		s.handleStatus(c, msg)
	default:
		s.log.Debug("unknown signal message", "type", msg.Type)
	}
}

// failure converts a relay error into wire form, counting it toward the
// connect_failures telemetry counter.
func (s *Server) failure(err *domain.RelayError) signalproto.Result {
	s.connectFailures.Add(1)
	return signalproto.Failure(err)
}

func (s *Server) handleRegisterProvider(c *signalConn, msg *signalproto.Message) {
	providerID := msg.ProviderID
	if providerID == "" {
		providerID = domain.NewID("provider")
	}

	devices := make([]domain.ProviderDevice, 0, len(msg.Devices))
	for _, d := range msg.Devices {
		d.ProviderID = providerID
		devices = append(devices, d)
	}

	s.mu.Lock()
	c.providerID = providerID
	c.devices = devices
	old := s.providers[providerID]
	s.providers[providerID] = c
	s.mu.Unlock()

	if old != nil && old != c {
		s.log.Warn("provider re-registered, superseding previous connection", "provider_id", providerID)
		_ = old.conn.Close()
	}
	s.log.Info("provider registered", "provider_id", providerID, "devices", len(devices))

	_ = c.writeJSON(signalproto.RegisteredResponse{
		Type:       signalproto.TypeRegistered,
		ProviderID: providerID,
		Status:     "ok",
		RequestID:  msg.RequestID,
	})
}

func (s *Server) handleUpdateDevices(c *signalConn, msg *signalproto.Message) {
	s.mu.Lock()
	if c.providerID == "" || s.providers[c.providerID] != c {
		s.mu.Unlock()
		s.log.Warn("update_devices from unregistered connection")
		return
	}
	devices := make([]domain.ProviderDevice, 0, len(msg.Devices))
	for _, d := range msg.Devices {
		d.ProviderID = c.providerID
		devices = append(devices, d)
	}
	c.devices = devices
	providerID := c.providerID
	s.mu.Unlock()

	s.log.Info("provider devices updated", "provider_id", providerID, "devices", len(devices))
}

func (s *Server) handleListDevices(c *signalConn, msg *signalproto.Message) {
	s.mu.RLock()
	devices := make([]domain.ProviderDevice, 0)
	for _, p := range s.providers {
		devices = append(devices, p.devices...)
	}
	s.mu.RUnlock()

	_ = c.writeJSON(signalproto.DeviceListResponse{
		Type:      signalproto.TypeDeviceList,
		Devices:   devices,
		RequestID: msg.RequestID,
	})
}

// handleAllocatePort pre-allocates a tunnel port for a device without telling
// the provider yet. The allocation carries the long pre-allocation TTL; the
// caller is expected to orchestrate both peers itself.
func (s *Server) handleAllocatePort(c *signalConn, msg *signalproto.Message) {
	reply := func(res signalproto.Result, sessionID string, port int) {
		_ = c.writeJSON(signalproto.AllocateResponse{
			Type:      signalproto.TypeAllocateResponse,
			Result:    res,
			SessionID: sessionID,
			Port:      port,
			Host:      s.host,
			RequestID: msg.RequestID,
		})
	}

	// Unlike connect_device, pre-allocation does not require a live provider
	// registration: the caller orchestrates both peers itself.
	s.mu.RLock()
	atLimit := len(s.tunnels) >= s.cfg.MaxSessions
	s.mu.RUnlock()

	if atLimit {
		reply(s.failure(domain.ErrSessionLimitReached), "", 0)
		return
	}

	// The caller may bring its own session id; generate one otherwise.
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = domain.NewID("session")
	}
	var (
		port int
		ok   bool
	)
	if msg.RequestedPort != 0 {
		port, ok = msg.RequestedPort, s.pool.AllocateSpecific(msg.RequestedPort, sessionID, msg.DeviceSerial, msg.ProviderID, s.cfg.AllocateTTL)
	} else {
		port, ok = s.pool.Allocate(sessionID, msg.DeviceSerial, msg.ProviderID, s.cfg.AllocateTTL)
	}
	if !ok {
		reply(s.failure(domain.ErrPortExhausted), "", 0)
		return
	}

	if !s.devices.Reserve(msg.ProviderID, msg.DeviceSerial, sessionID) {
		s.pool.Release(port)
		reply(s.failure(domain.ErrDeviceBusy), "", 0)
		return
	}

	t, err := s.startTunnel(sessionID, port, msg.ProviderID, msg.DeviceSerial, msg.ControllerID)
	if err != nil {
		s.devices.Release(msg.ProviderID, msg.DeviceSerial, sessionID)
		s.pool.Release(port)
		s.log.Error("tunnel listener failed", "port", port, "err", err)
		reply(s.failure(domain.ErrPortExhausted), "", 0)
		return
	}

	s.log.Info("port allocated",
		"session_id", sessionID, "port", port,
		"provider_id", msg.ProviderID, "device", msg.DeviceSerial)
	reply(signalproto.OK(), t.SessionID(), port)
}

// handleConnectDevice runs the full connect sequence: validate the provider,
// check the session cap, allocate a port, reserve the device, start the
// tunnel, then notify the provider before answering the controller. Each
// failure unwinds exactly the steps already taken.
func (s *Server) handleConnectDevice(c *signalConn, msg *signalproto.Message) {
	reply := func(res signalproto.Result, sessionID string, relayPort int) {
		_ = c.writeJSON(signalproto.ConnectResponse{
			Type:      signalproto.TypeConnectResponse,
			Result:    res,
			SessionID: sessionID,
			RelayPort: relayPort,
			RequestID: msg.RequestID,
		})
	}

	s.mu.RLock()
	provider, providerOK := s.providers[msg.ProviderID]
	atLimit := len(s.tunnels) >= s.cfg.MaxSessions
	s.mu.RUnlock()

	if !providerOK {
		reply(s.failure(domain.ErrProviderNotFound), "", 0)
		return
	}
	if atLimit {
		reply(s.failure(domain.ErrSessionLimitReached), "", 0)
		return
	}

	sessionID := domain.NewID("session")
	port, ok := s.pool.Allocate(sessionID, msg.DeviceSerial, msg.ProviderID, s.cfg.ConnectTTL)
	if !ok {
		reply(s.failure(domain.ErrPortExhausted), "", 0)
		return
	}

	if !s.devices.Reserve(msg.ProviderID, msg.DeviceSerial, sessionID) {
		s.pool.Release(port)
		reply(s.failure(domain.ErrDeviceBusy), "", 0)
		return
	}

	t, err := s.startTunnel(sessionID, port, msg.ProviderID, msg.DeviceSerial, msg.ControllerID)
	if err != nil {
		s.devices.Release(msg.ProviderID, msg.DeviceSerial, sessionID)
		s.pool.Release(port)
		s.log.Error("tunnel listener failed", "port", port, "err", err)
		reply(s.failure(domain.ErrPortExhausted), "", 0)
		return
	}

	// The provider must learn the port before the controller does, otherwise
	// the controller's peer could land first and take the provider slot.
	if err := provider.writeJSON(signalproto.ConnectRequest{
		Type:         signalproto.TypeConnectRequest,
		ControllerID: msg.ControllerID,
		DeviceSerial: msg.DeviceSerial,
		RelayPort:    port,
	}); err != nil {
		t.Release("provider-notify-failed")
		reply(s.failure(domain.ErrProviderNotFound), "", 0)
		return
	}

	s.log.Info("session connected",
		"session_id", sessionID, "port", port,
		"provider_id", msg.ProviderID, "device", msg.DeviceSerial)
	reply(signalproto.OK(), sessionID, port)
}

// startTunnel registers the session record and brings the tunnel listener up.
func (s *Server) startTunnel(sessionID string, port int, providerID, deviceSerial, controllerID string) (*Tunnel, error) {
	t := NewTunnel(TunnelOptions{
		Port:            port,
		SessionID:       sessionID,
		ProviderID:      providerID,
		DeviceSerial:    deviceSerial,
		HalfOpenTimeout: s.cfg.HalfOpenTimeout,
		IdleTimeout:     s.cfg.IdleTimeout,
		Log:             s.log,
		OnPeerConnected: s.tunnelPeer,
		OnRelease:       s.tunnelReleased,
	})

	s.mu.Lock()
	s.sessions[sessionID] = &domain.Session{
		ID:           sessionID,
		Port:         port,
		ProviderID:   providerID,
		DeviceSerial: deviceSerial,
		ControllerID: controllerID,
		Status:       domain.SessionStatusAllocated,
		AllocatedAt:  time.Now(),
	}
	s.tunnels[sessionID] = t
	s.mu.Unlock()

	if err := t.Start(s.listenHost()); err != nil {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		delete(s.tunnels, sessionID)
		s.mu.Unlock()
		return nil, err
	}
	return t, nil
}

// listenHost is the bind address for tunnel listeners. Tunnels always bind
// the same interface as the signaling endpoint.
func (s *Server) listenHost() string {
	return s.cfg.Host
}

func (s *Server) handleDisconnectDevice(c *signalConn, msg *signalproto.Message) {
	reply := func(res signalproto.Result, sessionID string, relayPort int) {
		_ = c.writeJSON(signalproto.DisconnectResponse{
			Type:      signalproto.TypeDisconnectResponse,
			Result:    res,
			SessionID: sessionID,
			RelayPort: relayPort,
			RequestID: msg.RequestID,
		})
	}

	s.mu.RLock()
	var t *Tunnel
	if msg.SessionID != "" {
		t = s.tunnels[msg.SessionID]
	} else if port := pickPort(msg); port != 0 {
		for _, cand := range s.tunnels {
			if cand.Port() == port {
				t = cand
				break
			}
		}
	}
	var provider *signalConn
	if t != nil {
		provider = s.providers[t.ProviderID()]
	}
	s.mu.RUnlock()

	if t == nil {
		reply(s.failure(domain.ErrSessionNotFound), msg.SessionID, 0)
		return
	}

	sessionID, port := t.SessionID(), t.Port()
	t.Release("controller-disconnect")

	if provider != nil {
		_ = provider.writeJSON(signalproto.DisconnectRequest{
			Type:      signalproto.TypeDisconnectRequest,
			RelayPort: port,
		})
	}
	reply(signalproto.OK(), sessionID, port)
}

func pickPort(msg *signalproto.Message) int {
	if msg.RelayPort != 0 {
		return msg.RelayPort
	}
	return msg.Port
}

func (s *Server) handleStatus(c *signalConn, msg *signalproto.Message) {
	s.mu.RLock()
	providers := len(s.providers)
	sessions := len(s.sessions)
	tunnels := len(s.tunnels)
	s.mu.RUnlock()

	stats := s.pool.Stats()
	_ = c.writeJSON(signalproto.StatusResponse{
		Type:           signalproto.TypeStatusResponse,
		Providers:      providers,
		Sessions:       sessions,
		Tunnels:        tunnels,
		MaxSessions:    s.cfg.MaxSessions,
		AvailablePorts: stats.Available,
		AllocatedPorts: stats.Allocated,
		Telemetry:      s.telemetry(),
		RequestID:      msg.RequestID,
	})
}
