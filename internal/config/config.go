// Package config holds the flag/env configuration surface for the sdfadb
// relay server, provider, and controller commands.
package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures the relay server.
type ServerConfig struct {
	Host            string
	Port            int
	PortStart       int
	PortEnd         int
	HalfOpenTimeout time.Duration
	IdleTimeout     time.Duration
	MaxSessions     int
	AllocateTTL     time.Duration // pre-allocation path (allocate_port)
	ConnectTTL      time.Duration // legacy connect path (connect_device)
	SweepInterval   time.Duration
	LogLevel        string
}

// ProviderConfig configures the provider command.
type ProviderConfig struct {
	Relay      string
	Direct     bool
	DirectPort int
	ADBAddr    string
	Devices    []string
	LogLevel   string
}

// ControllerConfig configures the controller-side commands (list, connect,
// disconnect, status).
type ControllerConfig struct {
	Relay          string
	Direct         string
	Auto           bool
	ProviderID     string
	DeviceSerial   string
	LocalPort      int
	All            bool
	RequestTimeout time.Duration
	SessionDBPath  string
	LogLevel       string
}

const defaultSignalPort = 21120
const defaultDirectPort = 21121
const defaultPortStart = 30001
const defaultPortEnd = 30999
const defaultHalfOpenTimeout = 15 * time.Second
const defaultIdleTimeout = 5 * time.Minute
const defaultMaxSessions = 100
const defaultAllocateTTL = time.Hour
const defaultConnectTTL = 5 * time.Minute
const defaultSweepInterval = time.Minute
const defaultADBAddr = "127.0.0.1:5037"
const defaultRequestTimeout = 30 * time.Second
const defaultLocalPort = 5555

// ParseServerFlags parses relay server flags with SDFADB_* env fallbacks.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Host:            envOrDefault("SDFADB_HOST", "0.0.0.0"),
		Port:            envIntOrDefault("SDFADB_PORT", defaultSignalPort),
		PortStart:       envIntOrDefault("SDFADB_PORT_START", defaultPortStart),
		PortEnd:         envIntOrDefault("SDFADB_PORT_END", defaultPortEnd),
		HalfOpenTimeout: defaultHalfOpenTimeout,
		IdleTimeout:     defaultIdleTimeout,
		MaxSessions:     defaultMaxSessions,
		AllocateTTL:     defaultAllocateTTL,
		ConnectTTL:      defaultConnectTTL,
		SweepInterval:   defaultSweepInterval,
		LogLevel:        envOrDefault("SDFADB_LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "WebSocket signal port")
	fs.IntVar(&cfg.PortStart, "port-start", cfg.PortStart, "Tunnel port pool start")
	fs.IntVar(&cfg.PortEnd, "port-end", cfg.PortEnd, "Tunnel port pool end")
	fs.DurationVar(&cfg.HalfOpenTimeout, "half-open-timeout", cfg.HalfOpenTimeout, "Half-open tunnel timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Bridged tunnel idle timeout")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Max concurrent tunnels")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("signal port must be between 1 and 65535")
	}
	if cfg.PortStart <= 0 || cfg.PortEnd > 65535 || cfg.PortStart > cfg.PortEnd {
		return cfg, errors.New("invalid port pool range")
	}
	if cfg.HalfOpenTimeout <= 0 {
		return cfg, errors.New("half-open timeout must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return cfg, errors.New("idle timeout must be > 0")
	}
	if cfg.MaxSessions <= 0 {
		return cfg, errors.New("max sessions must be > 0")
	}
	return cfg, nil
}

// ParseProviderFlags parses provider flags with SDFADB_* env fallbacks.
func ParseProviderFlags(args []string) (ProviderConfig, error) {
	cfg := ProviderConfig{
		Relay:      envOrDefault("SDFADB_RELAY", ""),
		DirectPort: defaultDirectPort,
		ADBAddr:    envOrDefault("SDFADB_ADB_ADDR", defaultADBAddr),
		LogLevel:   envOrDefault("SDFADB_LOG_LEVEL", "info"),
	}

	var devices string
	fs := flag.NewFlagSet("provide", flag.ContinueOnError)
	fs.StringVar(&cfg.Relay, "relay", cfg.Relay, "Relay server address (host:port)")
	fs.BoolVar(&cfg.Direct, "direct", false, "Enable direct mode (no relay)")
	fs.IntVar(&cfg.DirectPort, "direct-port", cfg.DirectPort, "Direct mode listen port")
	fs.StringVar(&cfg.ADBAddr, "adb", cfg.ADBAddr, "Local adb server address")
	fs.StringVar(&devices, "devices", "", "Comma-separated device serials to share (default: all)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if devices != "" {
		for _, s := range strings.Split(devices, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Devices = append(cfg.Devices, s)
			}
		}
	}
	if cfg.Relay == "" && !cfg.Direct {
		return cfg, errors.New("either --relay or --direct is required")
	}
	cfg.Relay = normalizeRelayAddr(cfg.Relay)
	return cfg, nil
}

// ParseControllerFlags parses controller flags for the given subcommand.
// Not every field is used by every subcommand; validation of the required
// ones happens in the command itself.
func ParseControllerFlags(name string, args []string) (ControllerConfig, error) {
	cfg := ControllerConfig{
		Relay:          envOrDefault("SDFADB_RELAY", ""),
		LocalPort:      defaultLocalPort,
		RequestTimeout: defaultRequestTimeout,
		SessionDBPath:  envOrDefault("SDFADB_DB_PATH", defaultSessionDBPath()),
		LogLevel:       envOrDefault("SDFADB_LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Relay, "relay", cfg.Relay, "Relay server address (host:port)")
	fs.StringVar(&cfg.Direct, "direct", "", "Direct provider address (host:port)")
	fs.BoolVar(&cfg.Auto, "auto", false, "Try direct first, fall back to relay")
	fs.StringVar(&cfg.ProviderID, "provider", "", "Provider ID")
	fs.StringVar(&cfg.DeviceSerial, "device", "", "Device serial")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local port to mount")
	fs.BoolVar(&cfg.All, "all", false, "Apply to all saved sessions")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "Signaling request timeout")
	fs.StringVar(&cfg.SessionDBPath, "db", cfg.SessionDBPath, "Session database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Relay = normalizeRelayAddr(cfg.Relay)
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return cfg, errors.New("local port must be between 1 and 65535")
	}
	return cfg, nil
}

// DirectServerConfig is the relay configuration a provider uses when it
// embeds its own rendezvous in direct mode.
func DirectServerConfig(port int) ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            port,
		PortStart:       defaultPortStart,
		PortEnd:         defaultPortEnd,
		HalfOpenTimeout: defaultHalfOpenTimeout,
		IdleTimeout:     defaultIdleTimeout,
		MaxSessions:     defaultMaxSessions,
		AllocateTTL:     defaultAllocateTTL,
		ConnectTTL:      defaultConnectTTL,
		SweepInterval:   defaultSweepInterval,
		LogLevel:        "info",
	}
}

func defaultSessionDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./sdfadb.db"
	}
	return filepath.Join(home, ".sdfadb", "sessions.db")
}

// NormalizeDirectAddr appends the default direct-mode port when the address
// has none.
func NormalizeDirectAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, ":") {
		return addr + ":" + strconv.Itoa(defaultDirectPort)
	}
	return addr
}

// normalizeRelayAddr appends the default signal port when the address has none.
func normalizeRelayAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	addr = strings.TrimPrefix(addr, "ws://")
	if !strings.Contains(addr, ":") {
		return addr + ":" + strconv.Itoa(defaultSignalPort)
	}
	return addr
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
