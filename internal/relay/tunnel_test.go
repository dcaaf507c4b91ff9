package relay

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeTestPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func startTestTunnel(t *testing.T, halfOpen, idle time.Duration) (*Tunnel, chan string) {
	t.Helper()
	released := make(chan string, 1)
	for attempt := 0; attempt < 5; attempt++ {
		tun := NewTunnel(TunnelOptions{
			Port:            freeTestPort(t),
			SessionID:       "sess_test",
			ProviderID:      "prov_test",
			DeviceSerial:    "serial_test",
			HalfOpenTimeout: halfOpen,
			IdleTimeout:     idle,
			Log:             testLogger(),
			OnRelease: func(_ *Tunnel, reason string) {
				released <- reason
			},
		})
		if err := tun.Start("127.0.0.1"); err == nil {
			t.Cleanup(func() { tun.Release("test-cleanup") })
			return tun, released
		}
	}
	t.Fatal("could not bind a tunnel listener")
	return nil, nil
}

func dialTunnel(t *testing.T, tun *Tunnel) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tun.Port())), 2*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestTunnelBridgesTwoPeers(t *testing.T) {
	tun, released := startTestTunnel(t, 5*time.Second, time.Minute)

	provider := dialTunnel(t, tun)
	client := dialTunnel(t, tun)

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	_ = provider.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(provider, buf); err != nil {
		t.Fatalf("provider read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("provider received %q", buf)
	}

	if _, err := provider.Write([]byte("pong")); err != nil {
		t.Fatalf("provider write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("client received %q", buf)
	}

	_ = client.Close()
	select {
	case reason := <-released:
		if reason != "client-disconnected" {
			t.Fatalf("release reason = %q, want client-disconnected", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel not released after client hangup")
	}
}

func TestTunnelRejectsThirdPeer(t *testing.T) {
	tun, _ := startTestTunnel(t, 5*time.Second, time.Minute)

	dialTunnel(t, tun)
	dialTunnel(t, tun)
	third := dialTunnel(t, tun)

	// The third connection is closed without being wired to anything.
	_ = third.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := third.Read(make([]byte, 1)); err == nil {
		t.Fatal("third peer read data from an exclusive tunnel")
	}
	if n := tun.PeerCount(); n != 2 {
		t.Fatalf("PeerCount = %d, want 2", n)
	}
}

func TestTunnelHalfOpenTimeout(t *testing.T) {
	tun, released := startTestTunnel(t, 150*time.Millisecond, time.Minute)

	lone := dialTunnel(t, tun)

	select {
	case reason := <-released:
		if reason != "half-open-timeout" {
			t.Fatalf("release reason = %q, want half-open-timeout", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("half-open tunnel never timed out")
	}

	_ = lone.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := lone.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("lone peer read error = %v, want EOF", err)
	}
}

func TestTunnelIdleTimeoutResetsOnData(t *testing.T) {
	tun, released := startTestTunnel(t, 5*time.Second, 400*time.Millisecond)

	provider := dialTunnel(t, tun)
	client := dialTunnel(t, tun)
	go func() { _, _ = io.Copy(io.Discard, provider) }()
	go func() { _, _ = io.Copy(io.Discard, client) }()

	// Keep traffic flowing past several idle windows.
	for i := 0; i < 6; i++ {
		if _, err := client.Write([]byte("keepalive")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		select {
		case reason := <-released:
			t.Fatalf("tunnel released with %q while traffic was flowing", reason)
		case <-time.After(150 * time.Millisecond):
		}
	}

	select {
	case reason := <-released:
		if reason != "idle-timeout" {
			t.Fatalf("release reason = %q, want idle-timeout", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("idle tunnel never timed out")
	}
}

func TestTunnelReleaseIdempotent(t *testing.T) {
	tun, released := startTestTunnel(t, time.Minute, time.Minute)

	tun.Release("first")
	tun.Release("second")

	if reason := <-released; reason != "first" {
		t.Fatalf("release reason = %q, want first", reason)
	}
	select {
	case reason := <-released:
		t.Fatalf("second release invoked callback with %q", reason)
	case <-time.After(100 * time.Millisecond):
	}
}
