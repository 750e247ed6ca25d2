// Package cli wires configuration, the remote client and the orchestrator
// into cobra commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bosley/healthas/audio"
	"github.com/bosley/healthas/client"
	"github.com/bosley/healthas/config"
	"github.com/bosley/healthas/metrics"
	"github.com/bosley/healthas/orchestrator"
	"github.com/bosley/healthas/recorder"
)

type options struct {
	configPath string
	apiURL     string
	userID     string
	logLevel   string

	cfg *config.Config
}

func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "healthas",
		Short:        "Health assistant client",
		Long:         "Chat, voice and image consultations with the health assistant service, plus appointment management.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.apiURL, "api-url", config.DefaultAPIURL, "base URL of the health assistant service")
	flags.StringVar(&opts.userID, "user", config.DefaultUserID, "user id sent with every request")
	flags.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newChatCmd(opts))
	rootCmd.AddCommand(newAppointmentsCmd(opts))
	rootCmd.AddCommand(newDevicesCmd(opts))
	rootCmd.AddCommand(newPlayCmd(opts))

	return rootCmd
}

// load applies defaults, the config file, the environment and finally any
// flags set on the command line.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = o.apiURL
	}
	if flags.Changed("user") {
		cfg.UserID = o.userID
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	o.cfg = cfg
	slog.Debug("Configuration loaded", "apiURL", cfg.APIURL, "userID", cfg.UserID, "file", o.configPath)
	return nil
}

func (o *options) format() audio.Format {
	return audio.Format{SampleRate: o.cfg.SampleRate, Channels: o.cfg.Channels}
}

func (o *options) newClient() (*client.Client, error) {
	return client.New(client.Options{
		BaseURL:    o.cfg.APIURL,
		UserID:     o.cfg.UserID,
		Insecure:   o.cfg.Insecure,
		CACertFile: o.cfg.CACertFile,
		Timeout:    o.cfg.RequestTimeout,
	})
}

// newOrchestrator builds an orchestrator against the configured service.
// A nil source leaves the microphone unavailable.
func (o *options) newOrchestrator(ctx context.Context, source recorder.Source, archive orchestrator.Archiver, m *metrics.Metrics) (*orchestrator.Orchestrator, error) {
	c, err := o.newClient()
	if err != nil {
		return nil, err
	}
	loc, err := o.cfg.Location()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(ctx, orchestrator.Options{
		Service:  c,
		UserID:   o.cfg.UserID,
		Location: loc,
		Source:   source,
		Format:   o.format(),
		Archive:  archive,
		Metrics:  m,
	})
}
