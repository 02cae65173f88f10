// Command relayd runs a walletchat hub: the signaling rooms, the
// store-and-forward relay and, optionally, the shared offline store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"walletchat/config"
	"walletchat/hub"
)

func main() {
	cfg, err := config.LoadHub(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		config.PrintHubUsage(os.Stdout)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(2)
	}

	logger := config.NewLogger(os.Stdout, cfg.IsDevelopment(), cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start hub")
	}
	if err := h.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("hub stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("hub stopped")
}
