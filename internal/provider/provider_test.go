package provider

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/sdfadb/sdfadb/internal/config"
)

func newTestProvider(t *testing.T, cfg config.ProviderConfig) *Provider {
	t.Helper()
	if cfg.ADBAddr == "" {
		cfg.ADBAddr = "127.0.0.1:1" // never dialed in these tests
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDeviceSharedFilter(t *testing.T) {
	all := newTestProvider(t, config.ProviderConfig{})
	if !all.deviceShared("anything") {
		t.Fatal("empty filter should share every device")
	}

	some := newTestProvider(t, config.ProviderConfig{Devices: []string{"SER1", "SER2"}})
	if !some.deviceShared("SER1") || !some.deviceShared("SER2") {
		t.Fatal("listed serials should be shared")
	}
	if some.deviceShared("SER3") {
		t.Fatal("unlisted serial should not be shared")
	}
}

func TestProviderIDStable(t *testing.T) {
	p := newTestProvider(t, config.ProviderConfig{})
	if p.ID() == "" || p.ID() != p.ID() {
		t.Fatalf("ID = %q", p.ID())
	}
	if p.ID() == newTestProvider(t, config.ProviderConfig{}).ID() {
		t.Fatal("two providers share an identity")
	}
}

func TestBridgePumpClosesBothEnds(t *testing.T) {
	p := newTestProvider(t, config.ProviderConfig{})

	relaySide, relayPeer := net.Pipe()
	deviceSide, devicePeer := net.Pipe()
	b := &bridge{relayPort: 30001, deviceSerial: "SER1", relayConn: relaySide, deviceConn: deviceSide}
	p.mu.Lock()
	p.bridges[b.relayPort] = b
	p.mu.Unlock()

	go p.pump(b, deviceSide, relaySide)
	go p.pump(b, relaySide, deviceSide)

	// Bytes flow relay -> device.
	go func() { _, _ = relayPeer.Write([]byte("data")) }()
	buf := make([]byte, 4)
	_ = devicePeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(devicePeer, buf); err != nil || string(buf) != "data" {
		t.Fatalf("device read %q, err %v", buf, err)
	}

	// Closing one end unwinds the bridge and drops it from the registry.
	_ = relayPeer.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		_, exists := p.bridges[b.relayPort]
		p.mu.Unlock()
		if !exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bridge not removed after peer closed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = devicePeer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := devicePeer.Read(buf); err == nil {
		t.Fatal("device end still open after bridge teardown")
	}
}

func TestHandleDisconnectRequestUnknownPortIsNoop(t *testing.T) {
	p := newTestProvider(t, config.ProviderConfig{})
	p.handleDisconnectRequest(31999)
}
