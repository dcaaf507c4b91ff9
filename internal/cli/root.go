package cli

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 0
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "provide":
		return runProvide(ctx, args[1:])
	case "list":
		return runList(ctx, args[1:])
	case "connect":
		return runConnect(ctx, args[1:])
	case "disconnect":
		return runDisconnect(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		printUsage()
		return 2
	}
}
