// Package provider implements the sdfadb provider: it registers local
// debug-bridge devices with a relay, keeps the advertised device list fresh,
// and bridges relay tunnel ports to the devices on demand.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdfadb/sdfadb/internal/adb"
	"github.com/sdfadb/sdfadb/internal/config"
	"github.com/sdfadb/sdfadb/internal/domain"
	"github.com/sdfadb/sdfadb/internal/relay"
	"github.com/sdfadb/sdfadb/internal/signalproto"
)

// deviceADBPort is the TCP port the on-device bridge daemon listens on once
// switched out of USB-only mode.
const deviceADBPort = 5555

const reconnectDelay = 5 * time.Second

// Provider shares local devices through a relay.
type Provider struct {
	cfg config.ProviderConfig
	log *slog.Logger
	adb *adb.Client
	id  string

	relayHost string

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	bridges   map[int]*bridge // relay port -> bridge
	tcpipDone map[string]bool
}

// bridge is one relay-port-to-device byte pipe.
type bridge struct {
	relayPort    int
	deviceSerial string
	forwardPort  int
	relayConn    net.Conn
	deviceConn   net.Conn
	closeOnce    sync.Once
}

func (b *bridge) close() {
	b.closeOnce.Do(func() {
		if b.relayConn != nil {
			_ = b.relayConn.Close()
		}
		if b.deviceConn != nil {
			_ = b.deviceConn.Close()
		}
	})
}

// New creates a provider from its configuration.
func New(cfg config.ProviderConfig, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:       cfg,
		log:       logger,
		adb:       adb.NewClient(cfg.ADBAddr, logger),
		id:        domain.NewID("provider"),
		bridges:   map[int]*bridge{},
		tcpipDone: map[string]bool{},
	}
}

// ID returns the provider's identity as registered with the relay.
func (p *Provider) ID() string { return p.id }

// Run connects to the relay (starting an embedded one first in direct mode)
// and serves until ctx is cancelled, reconnecting on signaling failures.
func (p *Provider) Run(ctx context.Context) error {
	relayAddr := p.cfg.Relay
	if p.cfg.Direct {
		srv := relay.New(config.DirectServerConfig(p.cfg.DirectPort), p.log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				p.log.Error("embedded relay stopped", "err", err)
			}
		}()
		relayAddr = "127.0.0.1:" + strconv.Itoa(p.cfg.DirectPort)
		p.log.Info("direct mode: embedded relay listening", "port", p.cfg.DirectPort)
	}

	host, _, err := net.SplitHostPort(relayAddr)
	if err != nil {
		return fmt.Errorf("invalid relay address %q: %w", relayAddr, err)
	}
	p.relayHost = host

	for {
		if err := p.serveOnce(ctx, relayAddr); err != nil && ctx.Err() == nil {
			p.log.Warn("relay connection lost, reconnecting", "err", err, "delay", reconnectDelay)
		}
		p.closeAllBridges()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// serveOnce runs a single signaling connection: register, watch devices,
// answer connect/disconnect requests until the socket dies.
func (p *Provider) serveOnce(ctx context.Context, relayAddr string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, "ws://"+relayAddr+"/", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	p.writeMu.Lock()
	p.conn = conn
	p.writeMu.Unlock()

	devices, err := p.sharedDevices(ctx)
	if err != nil {
		p.log.Warn("device listing failed, registering with none", "err", err)
	}
	if err := p.writeJSON(signalproto.Message{
		Type:       signalproto.TypeRegisterProvider,
		ProviderID: p.id,
		Devices:    devices,
	}); err != nil {
		return err
	}
	p.log.Info("registering with relay", "relay", relayAddr, "provider_id", p.id, "devices", len(devices))

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go p.watchDevices(watchCtx)

	for {
		var msg signalproto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case signalproto.TypeRegistered:
			p.log.Info("registered", "provider_id", msg.ProviderID)
		case signalproto.TypeConnectRequest:
			go p.handleConnectRequest(ctx, msg.ControllerID, msg.DeviceSerial, msg.RelayPort)
		case signalproto.TypeDisconnectRequest:
			p.handleDisconnectRequest(msg.RelayPort)
		default:
			p.log.Debug("unexpected signal message", "type", msg.Type)
		}
	}
}

func (p *Provider) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.conn == nil {
		return net.ErrClosed
	}
	return p.conn.WriteJSON(v)
}

// sharedDevices lists local devices, applies the --devices filter, and adds
// manufacturer metadata on a best-effort basis.
func (p *Provider) sharedDevices(ctx context.Context) ([]domain.ProviderDevice, error) {
	devices, err := p.adb.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	shared := make([]domain.ProviderDevice, 0, len(devices))
	for _, d := range devices {
		if !p.deviceShared(d.Serial) {
			continue
		}
		if m, err := p.adb.GetProp(ctx, d.Serial, "ro.product.manufacturer"); err == nil {
			d.Manufacturer = m
		}
		shared = append(shared, domain.ProviderDevice{ProviderID: p.id, Device: d})
	}
	return shared, nil
}

func (p *Provider) deviceShared(serial string) bool {
	if len(p.cfg.Devices) == 0 {
		return true
	}
	for _, s := range p.cfg.Devices {
		if s == serial {
			return true
		}
	}
	return false
}

// watchDevices follows the adb tracker and pushes update_devices on every
// attach/detach. The tracker stream only carries serials, so each event
// triggers a full re-list.
func (p *Provider) watchDevices(ctx context.Context) {
	for ctx.Err() == nil {
		ch, err := p.adb.TrackDevices(ctx)
		if err != nil {
			p.log.Warn("device tracking unavailable", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		for range ch {
			devices, err := p.sharedDevices(ctx)
			if err != nil {
				p.log.Warn("device re-listing failed", "err", err)
				continue
			}
			if err := p.writeJSON(signalproto.Message{
				Type:       signalproto.TypeUpdateDevices,
				ProviderID: p.id,
				Devices:    devices,
			}); err != nil {
				return
			}
			p.log.Info("device list updated", "devices", len(devices))
		}
	}
}

// handleConnectRequest bridges a relay tunnel port to the named device. The
// relay end is dialed first so the provider takes the tunnel's provider slot
// before the controller's peer arrives.
func (p *Provider) handleConnectRequest(ctx context.Context, controllerID, serial string, relayPort int) {
	report := func(err error) {
		res := signalproto.ProviderConnectResult{
			Type:         "connect_result",
			ControllerID: controllerID,
			DeviceSerial: serial,
			Success:      err == nil,
		}
		if err != nil {
			res.Error = err.Error()
		}
		_ = p.writeJSON(res)
	}

	relayConn, err := net.DialTimeout("tcp", net.JoinHostPort(p.relayHost, strconv.Itoa(relayPort)), 10*time.Second)
	if err != nil {
		p.log.Error("relay tunnel dial failed", "port", relayPort, "err", err)
		report(err)
		return
	}

	forwardPort, deviceConn, err := p.dialDevice(ctx, serial)
	if err != nil {
		_ = relayConn.Close()
		p.log.Error("device dial failed", "device", serial, "err", err)
		report(err)
		return
	}

	b := &bridge{
		relayPort:    relayPort,
		deviceSerial: serial,
		forwardPort:  forwardPort,
		relayConn:    relayConn,
		deviceConn:   deviceConn,
	}
	p.mu.Lock()
	p.bridges[relayPort] = b
	p.mu.Unlock()

	p.log.Info("bridging device to relay", "device", serial, "relay_port", relayPort)
	report(nil)

	go p.pump(b, relayConn, deviceConn)
	go p.pump(b, deviceConn, relayConn)
}

// dialDevice makes the device's TCP bridge daemon reachable and connects to
// it: switch the device to TCP mode once, forward an ephemeral local port to
// it, then dial the forward.
func (p *Provider) dialDevice(ctx context.Context, serial string) (int, net.Conn, error) {
	p.mu.Lock()
	needTCPIP := !p.tcpipDone[serial]
	p.mu.Unlock()

	if needTCPIP {
		if err := p.adb.TCPIP(ctx, serial, deviceADBPort); err != nil {
			return 0, nil, fmt.Errorf("enable tcp mode on %s: %w", serial, err)
		}
		p.mu.Lock()
		p.tcpipDone[serial] = true
		p.mu.Unlock()
		// The on-device daemon restarts; give it a moment before forwarding.
		time.Sleep(time.Second)
	}

	forwardPort, err := freePort()
	if err != nil {
		return 0, nil, err
	}
	if err := p.adb.Forward(ctx, serial, forwardPort, deviceADBPort); err != nil {
		return 0, nil, fmt.Errorf("forward to %s: %w", serial, err)
	}

	var conn net.Conn
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(forwardPort))
	for attempt := 0; attempt < 5; attempt++ {
		conn, err = net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			return forwardPort, conn, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	_ = p.adb.KillForward(ctx, serial, forwardPort)
	return 0, nil, fmt.Errorf("dial forwarded device port: %w", err)
}

func (p *Provider) pump(b *bridge, dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	p.removeBridge(b)
}

func (p *Provider) handleDisconnectRequest(relayPort int) {
	p.mu.Lock()
	b := p.bridges[relayPort]
	p.mu.Unlock()
	if b == nil {
		return
	}
	p.log.Info("disconnect requested", "relay_port", relayPort, "device", b.deviceSerial)
	p.removeBridge(b)
}

func (p *Provider) removeBridge(b *bridge) {
	p.mu.Lock()
	if p.bridges[b.relayPort] == b {
		delete(p.bridges, b.relayPort)
	}
	p.mu.Unlock()

	b.close()
	if b.forwardPort != 0 {
		_ = p.adb.KillForward(context.Background(), b.deviceSerial, b.forwardPort)
	}
}

func (p *Provider) closeAllBridges() {
	p.mu.Lock()
	bridges := make([]*bridge, 0, len(p.bridges))
	for _, b := range p.bridges {
		bridges = append(bridges, b)
	}
	p.mu.Unlock()

	for _, b := range bridges {
		p.removeBridge(b)
	}
}

// freePort asks the kernel for an ephemeral TCP port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}
