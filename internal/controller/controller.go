// Package controller implements the consumer side of the relay protocol:
// listing devices, opening and closing sessions, and mounting the relay end
// of a tunnel on a local port for the local debug-bridge tooling to use.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sdfadb/sdfadb/internal/domain"
	"github.com/sdfadb/sdfadb/internal/signalproto"
)

// ErrClosed is returned for requests made after the signaling connection died.
var ErrClosed = errors.New("signaling connection closed")

// Client is a signaling client for controller operations. Concurrent
// requests are correlated by per-request IDs echoed back by the relay.
type Client struct {
	relayAddr string
	timeout   time.Duration
	log       *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	pending sync.Map // request id -> chan *signalproto.Message
	closed  chan struct{}
}

// Dial connects to the relay's signaling endpoint.
func Dial(ctx context.Context, relayAddr string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, "ws://"+relayAddr+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", relayAddr, err)
	}

	c := &Client{
		relayAddr: relayAddr,
		timeout:   timeout,
		log:       logger,
		conn:      conn,
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// RelayHost returns the host part of the relay address, used to dial
// allocated tunnel ports.
func (c *Client) RelayHost() (string, error) {
	host, _, err := net.SplitHostPort(c.relayAddr)
	return host, err
}

// Close tears down the signaling connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		close(c.closed)
		c.pending.Range(func(k, v any) bool {
			c.pending.Delete(k)
			close(v.(chan *signalproto.Message))
			return true
		})
	}()

	for {
		var msg signalproto.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.RequestID == "" {
			c.log.Debug("unsolicited signal message", "type", msg.Type)
			continue
		}
		if v, ok := c.pending.LoadAndDelete(msg.RequestID); ok {
			ch := v.(chan *signalproto.Message)
			ch <- &msg
			close(ch)
		}
	}
}

// request sends one signaling message and waits for the correlated response.
func (c *Client) request(ctx context.Context, msg signalproto.Message) (*signalproto.Message, error) {
	msg.RequestID = uuid.NewString()
	ch := make(chan *signalproto.Message, 1)
	c.pending.Store(msg.RequestID, ch)

	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.Delete(msg.RequestID)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-c.closed:
		c.pending.Delete(msg.RequestID)
		return nil, ErrClosed
	case <-ctx.Done():
		c.pending.Delete(msg.RequestID)
		return nil, ctx.Err()
	}
}

// resultErr converts a failed response into a [domain.RelayError].
func resultErr(msg *signalproto.Message) error {
	if msg.Success {
		return nil
	}
	return &domain.RelayError{
		Code:      msg.ErrorCode,
		Message:   msg.Error,
		Retryable: msg.Retryable,
	}
}

// ListDevices returns every device advertised by registered providers.
func (c *Client) ListDevices(ctx context.Context) ([]domain.ProviderDevice, error) {
	resp, err := c.request(ctx, signalproto.Message{Type: signalproto.TypeListDevices})
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// Connect opens a session for a provider's device and returns the session ID
// and the relay tunnel port.
func (c *Client) Connect(ctx context.Context, providerID, deviceSerial, controllerID string) (string, int, error) {
	resp, err := c.request(ctx, signalproto.Message{
		Type:         signalproto.TypeConnectDevice,
		ProviderID:   providerID,
		DeviceSerial: deviceSerial,
		ControllerID: controllerID,
	})
	if err != nil {
		return "", 0, err
	}
	if err := resultErr(resp); err != nil {
		return "", 0, err
	}
	return resp.SessionID, resp.RelayPort, nil
}

// AllocatePort pre-allocates a tunnel port without notifying the provider.
func (c *Client) AllocatePort(ctx context.Context, providerID, deviceSerial string, requestedPort int) (string, int, error) {
	resp, err := c.request(ctx, signalproto.Message{
		Type:          signalproto.TypeAllocatePort,
		ProviderID:    providerID,
		DeviceSerial:  deviceSerial,
		RequestedPort: requestedPort,
	})
	if err != nil {
		return "", 0, err
	}
	if err := resultErr(resp); err != nil {
		return "", 0, err
	}
	return resp.SessionID, resp.Port, nil
}

// Disconnect closes a session by ID or, when sessionID is empty, by tunnel
// port. It returns the released tunnel port.
func (c *Client) Disconnect(ctx context.Context, sessionID string, relayPort int) (int, error) {
	resp, err := c.request(ctx, signalproto.Message{
		Type:      signalproto.TypeDisconnectDevice,
		SessionID: sessionID,
		RelayPort: relayPort,
	})
	if err != nil {
		return 0, err
	}
	if err := resultErr(resp); err != nil {
		return 0, err
	}
	return resp.RelayPort, nil
}

// Status fetches the relay's aggregate counters and telemetry snapshot.
func (c *Client) Status(ctx context.Context) (*signalproto.StatusResponse, error) {
	resp, err := c.request(ctx, signalproto.Message{Type: signalproto.TypeStatus})
	if err != nil {
		return nil, err
	}
	out := &signalproto.StatusResponse{
		Type:           resp.Type,
		Providers:      resp.Providers,
		Sessions:       resp.Sessions,
		Tunnels:        resp.Tunnels,
		MaxSessions:    resp.MaxSessions,
		AvailablePorts: resp.AvailablePorts,
		AllocatedPorts: resp.AllocatedPorts,
	}
	if resp.Telemetry != nil {
		out.Telemetry = *resp.Telemetry
	}
	return out, nil
}

// Mount listens on 127.0.0.1:localPort and splices the first accepted
// connection into the relay tunnel at relayHost:relayPort. A tunnel carries
// exactly one peer pair, so later connections are refused. Mount returns when
// the bridged connection ends or ctx is cancelled.
func Mount(ctx context.Context, localPort int, relayHost string, relayPort int, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
	if err != nil {
		return fmt.Errorf("listen on local port %d: %w", localPort, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("session mounted", "local_port", localPort, "hint", fmt.Sprintf("adb connect 127.0.0.1:%d", localPort))

	done := make(chan struct{})
	bridged := false
	for {
		local, err := ln.Accept()
		if err != nil {
			if bridged {
				return nil
			}
			return ctx.Err()
		}
		if bridged {
			logger.Warn("local connection refused, tunnel already in use", "remote", local.RemoteAddr().String())
			_ = local.Close()
			continue
		}

		remote, err := net.DialTimeout("tcp", net.JoinHostPort(relayHost, strconv.Itoa(relayPort)), 10*time.Second)
		if err != nil {
			_ = local.Close()
			return fmt.Errorf("dial relay tunnel: %w", err)
		}
		bridged = true
		go splice(local, remote, done)
		// Unblock Accept once the bridged pair finishes.
		go func() {
			<-done
			_ = ln.Close()
		}()
	}
}

// splice pumps both directions and signals done when either side closes.
func splice(a, b net.Conn, done chan<- struct{}) {
	var once sync.Once
	finish := func() {
		_ = a.Close()
		_ = b.Close()
		close(done)
	}
	pipe := func(dst, src net.Conn) {
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
		once.Do(finish)
	}
	go pipe(a, b)
	pipe(b, a)
}
