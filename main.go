package main

import (
	"log/slog"
	"os"

	"github.com/bosley/healthas/cli"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := cli.NewRootCmd().Execute(); err != nil {
		slog.Debug("Program exiting", "error", err)
		os.Exit(1)
	}
}
