package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/sdfadb/sdfadb/internal/config"
	"github.com/sdfadb/sdfadb/internal/log"
	"github.com/sdfadb/sdfadb/internal/provider"
)

func runProvide(ctx context.Context, args []string) int {
	cfg, err := config.ParseProviderFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "provide:", err)
		return 2
	}

	logger := log.New(cfg.LogLevel)
	p := provider.New(cfg, logger)
	if err := p.Run(ctx); err != nil {
		logger.Error("provider failed", "err", err)
		return 1
	}
	return 0
}
