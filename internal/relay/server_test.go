package relay

import (
	"io"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdfadb/sdfadb/internal/config"
	"github.com/sdfadb/sdfadb/internal/domain"
	"github.com/sdfadb/sdfadb/internal/signalproto"
)

// freePortRange finds n consecutive bindable ports for a test pool.
func freePortRange(t *testing.T, n int) (int, int) {
	t.Helper()
	for base := 42001; base < 60000; base += n + 1 {
		lns := make([]net.Listener, 0, n)
		ok := true
		for port := base; port < base+n; port++ {
			ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
			if err != nil {
				ok = false
				break
			}
			lns = append(lns, ln)
		}
		for _, ln := range lns {
			_ = ln.Close()
		}
		if ok {
			return base, base + n - 1
		}
	}
	t.Fatal("no free port range available")
	return 0, 0
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) *httptest.Server {
	t.Helper()
	start, end := freePortRange(t, 4)
	cfg := config.ServerConfig{
		Host:            "127.0.0.1",
		PortStart:       start,
		PortEnd:         end,
		HalfOpenTimeout: 2 * time.Second,
		IdleTimeout:     time.Minute,
		MaxSessions:     10,
		AllocateTTL:     time.Hour,
		ConnectTTL:      time.Hour,
		SweepInterval:   time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.releaseAll("test-cleanup")
		ts.Close()
	})
	return ts
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialSignal(t *testing.T, ts *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial signaling: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(msg any) {
	p.t.Helper()
	if err := p.conn.WriteJSON(msg); err != nil {
		p.t.Fatalf("signal write: %v", err)
	}
}

func (p *wsPeer) recv() signalproto.Message {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg signalproto.Message
	if err := p.conn.ReadJSON(&msg); err != nil {
		p.t.Fatalf("signal read: %v", err)
	}
	return msg
}

func registerProvider(t *testing.T, ts *httptest.Server, providerID string, serials ...string) *wsPeer {
	t.Helper()
	p := dialSignal(t, ts)
	devices := make([]domain.ProviderDevice, 0, len(serials))
	for _, s := range serials {
		devices = append(devices, domain.ProviderDevice{Device: domain.Device{Serial: s}})
	}
	p.send(signalproto.Message{
		Type:       signalproto.TypeRegisterProvider,
		ProviderID: providerID,
		Devices:    devices,
	})
	if resp := p.recv(); resp.Type != signalproto.TypeRegistered || resp.ProviderID != providerID {
		t.Fatalf("unexpected register reply: %+v", resp)
	}
	return p
}

// connectDevice issues connect_device and has the provider peer play its
// part: receive connect_request and dial the tunnel port first.
func connectDevice(t *testing.T, provider, controller *wsPeer, providerID, serial string) (signalproto.Message, net.Conn) {
	t.Helper()
	controller.send(signalproto.Message{
		Type:         signalproto.TypeConnectDevice,
		ProviderID:   providerID,
		DeviceSerial: serial,
		ControllerID: "controller_test",
		RequestID:    "req-" + serial,
	})

	req := provider.recv()
	if req.Type != signalproto.TypeConnectRequest || req.DeviceSerial != serial {
		t.Fatalf("provider got %+v, want connect_request for %s", req, serial)
	}
	provConn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(req.RelayPort), 2*time.Second)
	if err != nil {
		t.Fatalf("provider tunnel dial: %v", err)
	}
	t.Cleanup(func() { _ = provConn.Close() })

	resp := controller.recv()
	if resp.Type != signalproto.TypeConnectResponse || !resp.Success {
		t.Fatalf("connect failed: %+v", resp)
	}
	if resp.RelayPort != req.RelayPort {
		t.Fatalf("controller port %d != provider port %d", resp.RelayPort, req.RelayPort)
	}
	return resp, provConn
}

func statusOf(t *testing.T, ts *httptest.Server) signalproto.Message {
	t.Helper()
	c := dialSignal(t, ts)
	c.send(signalproto.Message{Type: signalproto.TypeStatus, RequestID: "st"})
	return c.recv()
}

func TestServerRegisterAndListDevices(t *testing.T) {
	ts := newTestServer(t, nil)
	provider := registerProvider(t, ts, "prov_1", "serial-a", "serial-b")

	controller := dialSignal(t, ts)
	controller.send(signalproto.Message{Type: signalproto.TypeListDevices, RequestID: "ls"})
	resp := controller.recv()
	if resp.Type != signalproto.TypeDeviceList || len(resp.Devices) != 2 {
		t.Fatalf("device_list = %+v", resp)
	}
	for _, d := range resp.Devices {
		if d.ProviderID != "prov_1" {
			t.Fatalf("device %s missing provider annotation: %+v", d.Serial, d)
		}
	}

	provider.send(signalproto.Message{
		Type:    signalproto.TypeUpdateDevices,
		Devices: []domain.ProviderDevice{{Device: domain.Device{Serial: "serial-c"}}},
	})
	deadline := time.Now().Add(2 * time.Second)
	for {
		controller.send(signalproto.Message{Type: signalproto.TypeListDevices, RequestID: "ls2"})
		resp = controller.recv()
		if len(resp.Devices) == 1 && resp.Devices[0].Serial == "serial-c" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("device list never updated: %+v", resp)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServerConnectBridgesAndDisconnects(t *testing.T) {
	ts := newTestServer(t, nil)
	provider := registerProvider(t, ts, "prov_1", "serial-a")
	controller := dialSignal(t, ts)

	resp, provConn := connectDevice(t, provider, controller, "prov_1", "serial-a")

	clientConn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(resp.RelayPort), 2*time.Second)
	if err != nil {
		t.Fatalf("client tunnel dial: %v", err)
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 5)
	_ = provConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(provConn, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("provider read %q, err %v", buf, err)
	}

	controller.send(signalproto.Message{
		Type:      signalproto.TypeDisconnectDevice,
		SessionID: resp.SessionID,
		RequestID: "dc",
	})
	if disc := provider.recv(); disc.Type != signalproto.TypeDisconnectRequest || disc.RelayPort != resp.RelayPort {
		t.Fatalf("provider disconnect notice = %+v", disc)
	}
	if dresp := controller.recv(); dresp.Type != signalproto.TypeDisconnectResponse || !dresp.Success {
		t.Fatalf("disconnect failed: %+v", dresp)
	}

	st := statusOf(t, ts)
	if st.Sessions != 0 || st.AllocatedPorts != 0 {
		t.Fatalf("resources leaked after disconnect: %+v", st)
	}
	if st.Telemetry == nil || st.Telemetry.ActiveSessions != 0 {
		t.Fatalf("telemetry out of step: %+v", st.Telemetry)
	}
}

func TestServerDeviceBusyLeavesNoAllocation(t *testing.T) {
	ts := newTestServer(t, nil)
	provider := registerProvider(t, ts, "prov_1", "serial-a")
	controller := dialSignal(t, ts)

	connectDevice(t, provider, controller, "prov_1", "serial-a")

	controller.send(signalproto.Message{
		Type:         signalproto.TypeConnectDevice,
		ProviderID:   "prov_1",
		DeviceSerial: "serial-a",
		RequestID:    "again",
	})
	resp := controller.recv()
	if resp.Success || resp.ErrorCode != domain.CodeDeviceBusy {
		t.Fatalf("second connect = %+v, want DEVICE_BUSY", resp)
	}
	if resp.Retryable {
		t.Fatal("DEVICE_BUSY must not be flagged retryable")
	}

	// The failed attempt must have rolled its port back.
	if st := statusOf(t, ts); st.AllocatedPorts != 1 {
		t.Fatalf("allocated ports = %d after rollback, want 1", st.AllocatedPorts)
	}
}

func TestServerPortExhausted(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.PortEnd = cfg.PortStart
	})
	provider := registerProvider(t, ts, "prov_1", "serial-a", "serial-b")
	controller := dialSignal(t, ts)

	connectDevice(t, provider, controller, "prov_1", "serial-a")

	controller.send(signalproto.Message{
		Type:         signalproto.TypeConnectDevice,
		ProviderID:   "prov_1",
		DeviceSerial: "serial-b",
		RequestID:    "ex",
	})
	resp := controller.recv()
	if resp.Success || resp.ErrorCode != domain.CodePortExhausted || !resp.Retryable {
		t.Fatalf("connect = %+v, want retryable PORT_EXHAUSTED", resp)
	}
}

func TestServerSessionLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxSessions = 1
	})
	provider := registerProvider(t, ts, "prov_1", "serial-a", "serial-b")
	controller := dialSignal(t, ts)

	connectDevice(t, provider, controller, "prov_1", "serial-a")

	controller.send(signalproto.Message{
		Type:         signalproto.TypeConnectDevice,
		ProviderID:   "prov_1",
		DeviceSerial: "serial-b",
		RequestID:    "cap",
	})
	resp := controller.recv()
	if resp.Success || resp.ErrorCode != domain.CodeSessionLimitReached || !resp.Retryable {
		t.Fatalf("connect = %+v, want retryable SESSION_LIMIT_REACHED", resp)
	}
}

func TestServerProviderNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	controller := dialSignal(t, ts)

	controller.send(signalproto.Message{
		Type:         signalproto.TypeConnectDevice,
		ProviderID:   "prov_ghost",
		DeviceSerial: "serial-a",
		RequestID:    "ghost",
	})
	resp := controller.recv()
	if resp.Success || resp.ErrorCode != domain.CodeProviderNotFound {
		t.Fatalf("connect = %+v, want PROVIDER_NOT_FOUND", resp)
	}
}

func TestServerDisconnectUnknownSession(t *testing.T) {
	ts := newTestServer(t, nil)
	controller := dialSignal(t, ts)

	controller.send(signalproto.Message{
		Type:      signalproto.TypeDisconnectDevice,
		SessionID: "session_missing",
		RequestID: "dc",
	})
	resp := controller.recv()
	if resp.Success || resp.ErrorCode != domain.CodeSessionNotFound {
		t.Fatalf("disconnect = %+v, want SESSION_NOT_FOUND", resp)
	}
}

func TestServerAllocatePortNeedsNoProvider(t *testing.T) {
	ts := newTestServer(t, nil)
	controller := dialSignal(t, ts)

	controller.send(signalproto.Message{
		Type:         signalproto.TypeAllocatePort,
		ProviderID:   "prov_offline",
		DeviceSerial: "serial-a",
		RequestID:    "alloc",
	})
	resp := controller.recv()
	if resp.Type != signalproto.TypeAllocateResponse || !resp.Success {
		t.Fatalf("allocate_response = %+v", resp)
	}
	if resp.SessionID == "" || resp.Port == 0 || resp.Host == "" {
		t.Fatalf("allocate_response missing fields: %+v", resp)
	}

	// The device is reserved by the pre-allocation too.
	controller.send(signalproto.Message{
		Type:         signalproto.TypeAllocatePort,
		ProviderID:   "prov_offline",
		DeviceSerial: "serial-a",
		RequestID:    "alloc2",
	})
	if resp := controller.recv(); resp.Success || resp.ErrorCode != domain.CodeDeviceBusy {
		t.Fatalf("second allocate = %+v, want DEVICE_BUSY", resp)
	}
}

func TestServerAllocatePortKeepsCallerSessionID(t *testing.T) {
	ts := newTestServer(t, nil)
	controller := dialSignal(t, ts)

	controller.send(signalproto.Message{
		Type:         signalproto.TypeAllocatePort,
		ProviderID:   "prov_offline",
		DeviceSerial: "serial-a",
		SessionID:    "session_CALLER01",
		RequestID:    "alloc",
	})
	resp := controller.recv()
	if !resp.Success || resp.SessionID != "session_CALLER01" {
		t.Fatalf("allocate_response = %+v, want caller session id echoed", resp)
	}

	// Without a caller-supplied id the relay generates one.
	controller.send(signalproto.Message{
		Type:         signalproto.TypeAllocatePort,
		ProviderID:   "prov_offline",
		DeviceSerial: "serial-b",
		RequestID:    "alloc2",
	})
	if resp := controller.recv(); !resp.Success || resp.SessionID == "" {
		t.Fatalf("allocate_response without session id = %+v", resp)
	}
}

func TestServerIgnoresMalformedFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	controller := dialSignal(t, ts)

	if err := controller.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	controller.send(signalproto.Message{Type: signalproto.TypeStatus, RequestID: "after"})
	if resp := controller.recv(); resp.Type != signalproto.TypeStatusResponse {
		t.Fatalf("connection unusable after malformed frame: %+v", resp)
	}
}

func TestServerProviderDropCascades(t *testing.T) {
	ts := newTestServer(t, nil)
	provider := registerProvider(t, ts, "prov_1", "serial-a")
	controller := dialSignal(t, ts)

	connectDevice(t, provider, controller, "prov_1", "serial-a")
	_ = provider.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		st := statusOf(t, ts)
		if st.Providers == 0 && st.Sessions == 0 && st.AllocatedPorts == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("provider drop did not cascade: %+v", st)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
