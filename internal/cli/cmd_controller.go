package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/sdfadb/sdfadb/internal/config"
	"github.com/sdfadb/sdfadb/internal/controller"
	"github.com/sdfadb/sdfadb/internal/domain"
	"github.com/sdfadb/sdfadb/internal/log"
	"github.com/sdfadb/sdfadb/internal/store/sqlite"
)

// resolveSignalAddr picks the signaling endpoint: an explicit direct
// provider, auto mode probing direct before the relay, or the relay itself.
func resolveSignalAddr(cfg config.ControllerConfig, logger *slog.Logger) (string, error) {
	direct := config.NormalizeDirectAddr(cfg.Direct)
	if direct != "" && !cfg.Auto {
		return direct, nil
	}
	if cfg.Auto && direct != "" {
		conn, err := net.DialTimeout("tcp", direct, 2*time.Second)
		if err == nil {
			_ = conn.Close()
			return direct, nil
		}
		logger.Info("direct provider unreachable, falling back to relay", "direct", direct)
	}
	if cfg.Relay == "" {
		return "", errors.New("either --relay or --direct is required")
	}
	return cfg.Relay, nil
}

func runList(ctx context.Context, args []string) int {
	cfg, err := config.ParseControllerFlags("list", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		return 2
	}
	logger := log.New(cfg.LogLevel)

	addr, err := resolveSignalAddr(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		return 2
	}
	c, err := controller.Dial(ctx, addr, cfg.RequestTimeout, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		return 1
	}
	defer c.Close()

	devices, err := c.ListDevices(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no devices available")
		return 0
	}
	fmt.Printf("%-24s %-24s %-20s %s\n", "PROVIDER", "SERIAL", "MODEL", "MANUFACTURER")
	for _, d := range devices {
		fmt.Printf("%-24s %-24s %-20s %s\n", d.ProviderID, d.Serial, d.Model, d.Manufacturer)
	}
	return 0
}

func runConnect(ctx context.Context, args []string) int {
	cfg, err := config.ParseControllerFlags("connect", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return 2
	}
	if cfg.ProviderID == "" || cfg.DeviceSerial == "" {
		fmt.Fprintln(os.Stderr, "connect: --provider and --device are required")
		return 2
	}
	logger := log.New(cfg.LogLevel)

	addr, err := resolveSignalAddr(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return 2
	}
	c, err := controller.Dial(ctx, addr, cfg.RequestTimeout, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return 1
	}
	defer c.Close()

	controllerID := domain.NewID("controller")
	sessionID, relayPort, err := c.Connect(ctx, cfg.ProviderID, cfg.DeviceSerial, controllerID)
	if err != nil {
		var relayErr *domain.RelayError
		if errors.As(err, &relayErr) && relayErr.Retryable {
			fmt.Fprintf(os.Stderr, "connect: %s (retryable, try again shortly)\n", relayErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, "connect:", err)
		}
		return 1
	}
	relayHost, err := c.RelayHost()
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return 1
	}

	// Persist the mount so disconnect/status invoked later can find it.
	st, err := sqlite.Open(cfg.SessionDBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect: open session db:", err)
		return 1
	}
	record := domain.LocalSession{
		LocalPort:    cfg.LocalPort,
		SessionID:    sessionID,
		ProviderID:   cfg.ProviderID,
		DeviceSerial: cfg.DeviceSerial,
		RelayHost:    addr,
		RelayPort:    relayPort,
		CreatedAt:    time.Now(),
	}
	if err := st.Save(ctx, record); err != nil {
		logger.Warn("failed to save session record", "err", err)
	}

	fmt.Printf("session %s opened on relay port %d\n", sessionID, relayPort)
	err = controller.Mount(ctx, cfg.LocalPort, relayHost, relayPort, logger)

	// Mount returned: the tunnel is done, clean up the session both sides.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, derr := c.Disconnect(cleanupCtx, sessionID, 0); derr != nil {
		logger.Debug("session already gone on relay", "session_id", sessionID, "err", derr)
	}
	if _, derr := st.Delete(cleanupCtx, cfg.LocalPort); derr != nil {
		logger.Warn("failed to remove session record", "err", derr)
	}
	_ = st.Close()

	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return 1
	}
	return 0
}

func runDisconnect(ctx context.Context, args []string) int {
	cfg, err := config.ParseControllerFlags("disconnect", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "disconnect:", err)
		return 2
	}
	logger := log.New(cfg.LogLevel)

	st, err := sqlite.Open(cfg.SessionDBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "disconnect: open session db:", err)
		return 1
	}
	defer st.Close()

	var sessions []domain.LocalSession
	if cfg.All {
		sessions, err = st.List(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "disconnect:", err)
			return 1
		}
		if len(sessions) == 0 {
			fmt.Println("no saved sessions")
			return 0
		}
	} else {
		sess, err := st.Get(ctx, cfg.LocalPort)
		if err != nil {
			if errors.Is(err, sqlite.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "disconnect: no session on local port %d\n", cfg.LocalPort)
			} else {
				fmt.Fprintln(os.Stderr, "disconnect:", err)
			}
			return 1
		}
		sessions = []domain.LocalSession{sess}
	}

	code := 0
	for _, sess := range sessions {
		if err := disconnectOne(ctx, cfg, sess, logger); err != nil {
			fmt.Fprintf(os.Stderr, "disconnect: %s: %v\n", sess.SessionID, err)
			code = 1
		} else {
			fmt.Printf("session %s closed (local port %d)\n", sess.SessionID, sess.LocalPort)
		}
		if _, err := st.Delete(ctx, sess.LocalPort); err != nil {
			logger.Warn("failed to remove session record", "local_port", sess.LocalPort, "err", err)
		}
	}
	return code
}

func disconnectOne(ctx context.Context, cfg config.ControllerConfig, sess domain.LocalSession, logger *slog.Logger) error {
	c, err := controller.Dial(ctx, sess.RelayHost, cfg.RequestTimeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Disconnect(ctx, sess.SessionID, 0)
	if errors.Is(err, domain.ErrSessionNotFound) {
		// Already torn down relay-side; removing the local record is enough.
		return nil
	}
	return err
}

func runStatus(ctx context.Context, args []string) int {
	cfg, err := config.ParseControllerFlags("status", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 2
	}
	logger := log.New(cfg.LogLevel)

	addr, err := resolveSignalAddr(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 2
	}
	c, err := controller.Dial(ctx, addr, cfg.RequestTimeout, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 1
	}
	defer c.Close()

	st, err := c.Status(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		return 1
	}
	fmt.Printf("relay %s\n", addr)
	fmt.Printf("  providers:        %d\n", st.Providers)
	fmt.Printf("  sessions:         %d / %d\n", st.Sessions, st.MaxSessions)
	fmt.Printf("  half-open:        %d\n", st.Telemetry.HalfOpenSessions)
	fmt.Printf("  ports allocated:  %d (%d available)\n", st.AllocatedPorts, st.AvailablePorts)
	fmt.Printf("  connect failures: %d\n", st.Telemetry.ConnectFailures)
	return 0
}
