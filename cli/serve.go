package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/bosley/healthas/archive"
	"github.com/bosley/healthas/bridge"
	"github.com/bosley/healthas/capture"
	"github.com/bosley/healthas/metrics"
	"github.com/bosley/healthas/orchestrator"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local render bridge",
		Long:  "Serve the conversation, recorder and appointments over HTTP and websocket for a local renderer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				opts.cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "bridge listen address (overrides config)")
	return cmd
}

func (o *options) serve(ctx context.Context) error {
	cfg := o.cfg

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var arch orchestrator.Archiver
	if cfg.RecordingsDir != "" {
		a, err := archive.New(cfg.RecordingsDir, m)
		if err != nil {
			return fmt.Errorf("failed to open recordings archive: %w", err)
		}
		arch = a
	}

	source := &capture.Source{
		DeviceID:        cfg.DeviceID,
		Format:          o.format(),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}

	// transfers outlive the signal and are bounded by the shutdown timeout
	orch, err := o.newOrchestrator(context.WithoutCancel(ctx), source, arch, m)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	b, err := bridge.New(bridge.Config{
		Listen:   cfg.Listen,
		CertFile: cfg.BridgeCertFile,
		KeyFile:  cfg.BridgeKeyFile,
		InboxDir: cfg.InboxDir,
	}, orch, reg, m)
	if err != nil {
		orch.Close(context.Background())
		return fmt.Errorf("failed to initialize bridge: %w", err)
	}

	serveErr := b.Start(ctx)
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.Stop(shutdownCtx); err != nil {
		slog.Error("Failed to stop bridge", "error", err)
	}
	if err := orch.Close(shutdownCtx); err != nil {
		slog.Error("Failed to stop orchestrator", "error", err)
	}
	return serveErr
}
