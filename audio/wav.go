package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/youpy/go-wav"
)

const (
	bitsPerSample  = 16 // int16 samples throughout
	bytesPerSample = bitsPerSample / 8
	audioFormatPCM = 1
)

// Format describes interleaved little-endian int16 PCM.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) frameSize() int {
	return f.Channels * bytesPerSample
}

// BytesPerSecond is the data rate of the PCM stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.frameSize()
}

// PCMFromInt16 copies a capture buffer into little-endian bytes. Capture
// callbacks reuse their buffer, so the copy must happen before returning.
func PCMFromInt16(in []int16) []byte {
	out := make([]byte, len(in)*bytesPerSample)
	for i, sample := range in {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(sample))
	}
	return out
}

// EncodeWAV wraps raw PCM in a WAV container. A trailing partial frame is
// dropped.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("invalid format: %+v", f)
	}

	frames := len(pcm) / f.frameSize()
	samples := make([]wav.Sample, frames)
	for i := range samples {
		base := i * f.frameSize()
		for ch := 0; ch < f.Channels && ch < 2; ch++ {
			off := base + ch*bytesPerSample
			samples[i].Values[ch] = int(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
	}

	var buf bytes.Buffer
	writer := wav.NewWriter(&buf, uint32(frames), uint16(f.Channels), uint32(f.SampleRate), bitsPerSample)
	if err := writer.WriteSamples(samples); err != nil {
		return nil, fmt.Errorf("failed to write samples: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV reads a 16-bit PCM WAV container back into its format and raw
// PCM bytes.
func DecodeWAV(data []byte) (Format, []byte, error) {
	reader := wav.NewReader(bytes.NewReader(data))

	wf, err := reader.Format()
	if err != nil {
		return Format{}, nil, fmt.Errorf("failed to read wav format: %w", err)
	}
	if wf.AudioFormat != audioFormatPCM || wf.BitsPerSample != bitsPerSample {
		return Format{}, nil, fmt.Errorf("unsupported wav encoding: format=%d bits=%d", wf.AudioFormat, wf.BitsPerSample)
	}

	f := Format{SampleRate: int(wf.SampleRate), Channels: int(wf.NumChannels)}

	var pcm bytes.Buffer
	frame := make([]byte, bytesPerSample)
	for {
		samples, err := reader.ReadSamples()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Format{}, nil, fmt.Errorf("failed to read samples: %w", err)
		}
		for _, s := range samples {
			for ch := 0; ch < f.Channels && ch < 2; ch++ {
				binary.LittleEndian.PutUint16(frame, uint16(int16(s.Values[ch])))
				pcm.Write(frame)
			}
		}
		if len(samples) == 0 {
			break
		}
	}

	return f, pcm.Bytes(), nil
}
