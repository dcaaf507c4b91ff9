// Package adb speaks the debug-bridge server's smart-socket protocol over
// TCP: each request is a 4-digit hex length prefix followed by the payload,
// answered by an OKAY or FAIL status word.
package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sdfadb/sdfadb/internal/domain"
)

// Client talks to a local adb server.
type Client struct {
	addr         string
	dialTimeout  time.Duration
	replyTimeout time.Duration
	log          *slog.Logger
}

// NewClient creates a client for the adb server at addr (host:port).
func NewClient(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:         addr,
		dialTimeout:  5 * time.Second,
		replyTimeout: 10 * time.Second,
		log:          logger,
	}
}

// Addr returns the adb server address the client targets.
func (c *Client) Addr() string { return c.addr }

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial adb server %s: %w", c.addr, err)
	}
	return conn, nil
}

// send writes one length-prefixed request.
func send(conn net.Conn, payload string) error {
	_, err := fmt.Fprintf(conn, "%04x%s", len(payload), payload)
	return err
}

// readStatus consumes the 4-byte status word, unpacking the failure message
// on FAIL.
func readStatus(conn net.Conn) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		return err
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readBlock(conn)
		if err != nil {
			return errors.New("adb request failed")
		}
		return fmt.Errorf("adb request failed: %s", msg)
	default:
		return fmt.Errorf("unexpected adb status %q", status)
	}
}

// readBlock reads one length-prefixed payload.
func readBlock(conn net.Conn) (string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(header), 16, 32)
	if err != nil {
		return "", fmt.Errorf("bad adb length header %q", header)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return "", err
	}
	return string(body), nil
}

// ListDevices returns the devices in "device" state, with model metadata when
// the server reports it.
func (c *Client) ListDevices(ctx context.Context) ([]domain.Device, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := send(conn, "host:devices-l"); err != nil {
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		return nil, err
	}
	payload, err := readBlock(conn)
	if err != nil {
		return nil, err
	}
	return parseDeviceList(payload), nil
}

// parseDeviceList parses devices-l output: one device per line, serial and
// state first, then key:value annotations.
func parseDeviceList(payload string) []domain.Device {
	var devices []domain.Device
	for _, line := range strings.Split(payload, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		d := domain.Device{Serial: fields[0]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = strings.ReplaceAll(v, "_", " ")
			}
		}
		devices = append(devices, d)
	}
	return devices
}

// TrackDevices subscribes to the adb server's device tracker. Each element
// on the returned channel is the new set of attached serials; callers wanting
// model metadata should follow up with [Client.ListDevices]. The channel
// closes when the tracker connection dies or ctx is cancelled.
func (c *Client) TrackDevices(ctx context.Context) (<-chan []domain.Device, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := send(conn, "host:track-devices"); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		conn.Close()
		return nil, err
	}

	ch := make(chan []domain.Device, 1)
	go func() {
		defer close(ch)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			payload, err := readBlock(conn)
			if err != nil {
				return
			}
			select {
			case ch <- parseTrackList(payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// parseTrackList parses track-devices payloads: "serial\tstate" per line.
func parseTrackList(payload string) []domain.Device {
	devices := []domain.Device{}
	for _, line := range strings.Split(payload, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		devices = append(devices, domain.Device{Serial: fields[0]})
	}
	return devices
}

// transport switches the connection to the named device.
func transport(conn net.Conn, serial string) error {
	if err := send(conn, "host:transport:"+serial); err != nil {
		return err
	}
	return readStatus(conn)
}

// GetProp reads a system property from a device. Shell replies have no
// length framing, so the whole exchange runs under a deadline instead of
// trusting the daemon to close the stream.
func (c *Client) GetProp(ctx context.Context, serial, prop string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.replyTimeout))

	if err := transport(conn, serial); err != nil {
		return "", err
	}
	if err := send(conn, "shell:getprop "+prop); err != nil {
		return "", err
	}
	if err := readStatus(conn); err != nil {
		return "", err
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// TCPIP restarts a device's bridge daemon listening on a TCP port, which is
// required before the device can be reached through a tunnel.
func (c *Client) TCPIP(ctx context.Context, serial string, port int) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.replyTimeout))

	if err := transport(conn, serial); err != nil {
		return err
	}
	if err := send(conn, "tcpip:"+strconv.Itoa(port)); err != nil {
		return err
	}
	if err := readStatus(conn); err != nil {
		return err
	}
	// The daemon answers free-form text ("restarting in TCP mode...") and
	// closes; drain it so the restart completes.
	_, _ = io.ReadAll(conn)
	return nil
}

// Forward maps a local TCP port to a port on the device, proxied by the adb
// server over whatever transport the device is attached on.
func (c *Client) Forward(ctx context.Context, serial string, localPort, devicePort int) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := fmt.Sprintf("host-serial:%s:forward:tcp:%d;tcp:%d", serial, localPort, devicePort)
	if err := send(conn, req); err != nil {
		return err
	}
	return readStatus(conn)
}

// KillForward removes a forward previously set up with [Client.Forward].
func (c *Client) KillForward(ctx context.Context, serial string, localPort int) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := fmt.Sprintf("host-serial:%s:killforward:tcp:%d", serial, localPort)
	if err := send(conn, req); err != nil {
		return err
	}
	return readStatus(conn)
}

// Connect asks the adb server to attach a networked device (host:port), used
// on the controller side to mount the local end of a tunnel.
func (c *Client) Connect(ctx context.Context, addr string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := send(conn, "host:connect:"+addr); err != nil {
		return err
	}
	if err := readStatus(conn); err != nil {
		return err
	}
	msg, err := readBlock(conn)
	if err != nil {
		return err
	}
	if strings.Contains(msg, "failed") || strings.Contains(msg, "cannot") {
		return errors.New(msg)
	}
	return nil
}

// Disconnect detaches a networked device from the adb server.
func (c *Client) Disconnect(ctx context.Context, addr string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := send(conn, "host:disconnect:"+addr); err != nil {
		return err
	}
	if err := readStatus(conn); err != nil {
		return err
	}
	_, _ = readBlock(conn)
	return nil
}
