package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/youpy/go-wav"
)

// Play sends a WAV recording to the default output device and returns once
// it has been played or ctx is done.
func Play(ctx context.Context, filename string, framesPerBuffer int) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		return fmt.Errorf("failed to read wav format: %w", err)
	}
	channels := int(format.NumChannels)

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	finished := make(chan struct{})
	var finish sync.Once

	stream, err := portaudio.OpenDefaultStream(
		0,
		channels,
		float64(format.SampleRate),
		framesPerBuffer,
		func(out []int16) {
			frames := len(out) / channels
			samples, err := reader.ReadSamples(uint32(frames))
			if err != nil && !errors.Is(err, io.EOF) {
				slog.Error("Error reading from WAV file", "error", err)
			}
			if err != nil || len(samples) == 0 {
				clear(out)
				finish.Do(func() { close(finished) })
				return
			}

			for i, sample := range samples {
				for ch := 0; ch < channels && ch < 2; ch++ {
					out[i*channels+ch] = int16(sample.Values[ch])
				}
			}
			// Fill remaining buffer with silence
			clear(out[len(samples)*channels:])
		},
	)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	slog.Info("Playing recording", "file", filename, "sampleRate", format.SampleRate, "channels", channels)

	select {
	case <-finished:
	case <-ctx.Done():
	}

	return stream.Stop()
}
