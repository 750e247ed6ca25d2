package cli

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/bosley/healthas/archive"
	"github.com/bosley/healthas/capture"
)

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := capture.ListDevices()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available audio input devices:")
			for _, device := range devices {
				fmt.Fprintf(out, "%s[%d] %s\n", deviceMarker(device.ID, opts.cfg.DeviceID), device.ID, device.Name)
				fmt.Fprintf(out, "    Max Input Channels: %d\n", device.MaxInputChannels)
				fmt.Fprintf(out, "    Default Sample Rate: %f\n", device.DefaultSampleRate)
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

// deviceMarker flags the configured input device. Nothing is marked when the
// system default is in use.
func deviceMarker(id, configured int) string {
	if id == configured {
		return "*"
	}
	return " "
}

func newPlayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "play [file]",
		Short: "Play a recording, the most recent archived one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := opts.recordingToPlay(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Playing %s\n", file)
			return capture.Play(ctx, file, opts.cfg.FramesPerBuffer)
		},
	}
}

func (o *options) recordingToPlay(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if o.cfg.RecordingsDir == "" {
		return "", fmt.Errorf("no file given and recordings_dir is not configured")
	}
	a, err := archive.New(o.cfg.RecordingsDir, nil)
	if err != nil {
		return "", err
	}
	return a.Latest()
}
