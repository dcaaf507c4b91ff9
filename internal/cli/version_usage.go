package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`sdfadb - share debug-bridge devices over a rendezvous relay

Providers expose local devices; controllers mount them on a local port and
use their regular adb tooling against 127.0.0.1.

Usage:
  sdfadb serve                               Start the relay server
  sdfadb provide --relay HOST[:PORT]         Share local devices through a relay
  sdfadb provide --direct                    Share devices with an embedded relay (LAN)
  sdfadb list --relay HOST                   List devices available on a relay
  sdfadb connect --relay HOST --provider ID --device SERIAL [--port N]
                                             Open a session and mount it locally
  sdfadb disconnect --port N                 Close the session mounted on a local port
  sdfadb disconnect --all                    Close every saved session
  sdfadb status --relay HOST                 Show relay counters and telemetry
  sdfadb version                             Print version
  sdfadb help                                Show this help

Quick Start:
  1. sdfadb serve                                      # on a reachable host
  2. sdfadb provide --relay relay.example.com          # where the devices are
  3. sdfadb list --relay relay.example.com             # find provider and serial
  4. sdfadb connect --relay relay.example.com --provider provider_AB12CD34 --device SERIAL
  5. adb connect 127.0.0.1:5555                        # use the device

Environment Variables:
  SDFADB_RELAY           Relay server address (host[:port])
  SDFADB_HOST            Relay bind host (default: 0.0.0.0)
  SDFADB_PORT            Relay signaling port (default: 21120)
  SDFADB_PORT_START      Tunnel port pool start (default: 30001)
  SDFADB_PORT_END        Tunnel port pool end (default: 30999)
  SDFADB_ADB_ADDR        Local adb server address (default: 127.0.0.1:5037)
  SDFADB_DB_PATH         Session database path (default: ~/.sdfadb/sessions.db)
  SDFADB_LOG_LEVEL       Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("sdfadb", Version)
}
