package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/bosley/healthas/audio"
	"github.com/bosley/healthas/recorder"
)

// Source opens a PortAudio input stream. A negative DeviceID selects the
// default input device.
type Source struct {
	DeviceID        int
	Format          audio.Format
	FramesPerBuffer int
}

type stream struct {
	once sync.Once
	pa   *portaudio.Stream
}

func (s *Source) Open(onChunk func([]byte)) (recorder.Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	params, err := s.inputParams()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	pa, err := portaudio.OpenStream(params, func(in []int16) {
		onChunk(audio.PCMFromInt16(in))
	})
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := pa.Start(); err != nil {
		pa.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	return &stream{pa: pa}, nil
}

// Close stops the stream. PortAudio does not invoke the callback after Stop
// returns.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		if stopErr := s.pa.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop audio stream: %w", stopErr)
		}
		if closeErr := s.pa.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close audio stream: %w", closeErr)
		}
		portaudio.Terminate()
	})
	return err
}

func (s *Source) inputParams() (portaudio.StreamParameters, error) {
	device, err := s.device()
	if err != nil {
		return portaudio.StreamParameters{}, err
	}
	if device.MaxInputChannels < s.Format.Channels {
		return portaudio.StreamParameters{}, fmt.Errorf("device %q has %d input channels, need %d",
			device.Name, device.MaxInputChannels, s.Format.Channels)
	}

	slog.Info("Using audio device",
		"deviceID", s.DeviceID,
		"deviceName", device.Name,
		"sampleRate", s.Format.SampleRate,
		"inputChannels", s.Format.Channels)

	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: s.Format.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.Format.SampleRate),
		FramesPerBuffer: s.FramesPerBuffer,
	}, nil
}

func (s *Source) device() (*portaudio.DeviceInfo, error) {
	if s.DeviceID < 0 {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get audio devices: %w", err)
	}
	if s.DeviceID >= len(devices) {
		return nil, fmt.Errorf("invalid device ID %d", s.DeviceID)
	}
	device := devices[s.DeviceID]
	if device.MaxInputChannels == 0 {
		return nil, fmt.Errorf("device %d (%s) is not an input device", s.DeviceID, device.Name)
	}
	return device, nil
}

type Device struct {
	ID                int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	inputDevices := make([]Device, 0)
	for i, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, Device{
				ID:                i,
				Name:              device.Name,
				MaxInputChannels:  device.MaxInputChannels,
				DefaultSampleRate: device.DefaultSampleRate,
			})
		}
	}

	return inputDevices, nil
}
