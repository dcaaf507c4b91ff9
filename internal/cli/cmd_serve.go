package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/sdfadb/sdfadb/internal/config"
	"github.com/sdfadb/sdfadb/internal/log"
	"github.com/sdfadb/sdfadb/internal/relay"
)

func runServe(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "serve:", err)
		return 2
	}

	logger := log.New(cfg.LogLevel)
	srv := relay.New(cfg, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("relay server failed", "err", err)
		return 1
	}
	return 0
}
