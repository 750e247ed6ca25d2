package recorder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/healthas/apperr"
	"github.com/bosley/healthas/audio"
	"github.com/bosley/healthas/metrics"
)

const (
	Filename    = "recording.wav"
	ContentType = "audio/wav"

	chunkQueueSize = 64
)

type State int

const (
	Idle State = iota
	Capturing
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Finalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Capturing, Finalizing} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown recording state %q", b)
}

// Stream is an open capture device. Once Close returns, the stream must not
// deliver further chunks.
type Stream interface {
	Close() error
}

// Source opens the capture device. onChunk receives PCM in arrival order;
// the slice may be reused by the source after onChunk returns.
type Source interface {
	Open(onChunk func([]byte)) (Stream, error)
}

// Payload is a finalized recording. It shares no memory with the manager.
type Payload struct {
	SessionID   uuid.UUID
	Format      audio.Format
	PCM         []byte
	WAV         []byte
	Filename    string
	ContentType string
	Chunks      int
	Duration    time.Duration
	StartedAt   time.Time
}

type Options struct {
	Format   audio.Format
	Tick     time.Duration
	Now      func() time.Time
	Metrics  *metrics.Metrics
	OnState  func(State)
	OnTick   func(elapsed string)
	OnFinish func(Payload)
}

// Manager runs one capture session at a time:
// Idle -> Capturing -> Finalizing -> Idle.
type Manager struct {
	source Source
	opts   Options

	mu      sync.Mutex
	state   State
	elapsed string
	current *session
}

type session struct {
	id     uuid.UUID
	start  time.Time
	stream Stream

	sinkMu sync.RWMutex
	closed bool
	chunks chan []byte

	collected [][]byte
	done      chan struct{}

	stopTick chan struct{}
	tickDone chan struct{}
}

func New(source Source, opts Options) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("capture source is required")
	}
	if opts.Format.SampleRate <= 0 || opts.Format.Channels <= 0 {
		return nil, fmt.Errorf("invalid capture format: %+v", opts.Format)
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{source: source, opts: opts, elapsed: FormatElapsed(0)}, nil
}

// Start opens the device and begins a session. It fails with
// apperr.ErrSessionActive unless the manager is idle, and with
// apperr.ErrPermissionDenied when the device cannot be opened.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return apperr.ErrSessionActive
	}

	s := &session{
		id:       uuid.New(),
		chunks:   make(chan []byte, chunkQueueSize),
		done:     make(chan struct{}),
		stopTick: make(chan struct{}),
		tickDone: make(chan struct{}),
	}
	go s.collect()

	stream, err := m.source.Open(s.sink)
	if err != nil {
		s.closeSink()
		<-s.done
		m.mu.Unlock()
		m.opts.Metrics.RecordingDenied()
		slog.Warn("Capture device unavailable", "error", err)
		return fmt.Errorf("%w: %w", apperr.ErrPermissionDenied, err)
	}

	s.stream = stream
	s.start = m.opts.Now()
	m.current = s
	m.state = Capturing
	m.elapsed = FormatElapsed(0)
	m.mu.Unlock()

	go m.tick(s)

	m.opts.Metrics.RecordingStarted()
	slog.Info("Recording started", "session", s.id)
	m.notifyState(Capturing)
	m.notifyElapsed(FormatElapsed(0))
	return nil
}

// Stop ends the current session and hands the payload to OnFinish before
// returning. It reports false, doing nothing, unless a session is capturing.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	if m.state != Capturing {
		m.mu.Unlock()
		return false
	}
	s := m.current
	m.state = Finalizing
	m.mu.Unlock()
	m.notifyState(Finalizing)

	close(s.stopTick)
	<-s.tickDone

	if err := s.stream.Close(); err != nil {
		slog.Error("Failed to close capture stream", "session", s.id, "error", err)
	}
	s.closeSink()
	<-s.done

	payload := m.finalize(s)

	m.mu.Lock()
	m.state = Idle
	m.current = nil
	m.mu.Unlock()
	m.notifyState(Idle)

	m.opts.Metrics.RecordingFinalized(payload.Duration, len(payload.WAV))
	slog.Info("Recording finalized",
		"session", s.id,
		"chunks", payload.Chunks,
		"bytes", len(payload.PCM),
		"duration", payload.Duration)

	if m.opts.OnFinish != nil {
		m.opts.OnFinish(payload)
	}
	return true
}

// Toggle stops a capturing session or starts a new one.
func (m *Manager) Toggle() error {
	if m.State() == Capturing {
		m.Stop()
		return nil
	}
	return m.Start()
}

func (m *Manager) finalize(s *session) Payload {
	size := 0
	for _, c := range s.collected {
		size += len(c)
	}
	pcm := make([]byte, 0, size)
	for _, c := range s.collected {
		pcm = append(pcm, c...)
	}

	wav, err := audio.EncodeWAV(pcm, m.opts.Format)
	if err != nil {
		slog.Error("Failed to encode recording", "session", s.id, "error", err)
	}

	return Payload{
		SessionID:   s.id,
		Format:      m.opts.Format,
		PCM:         pcm,
		WAV:         wav,
		Filename:    Filename,
		ContentType: ContentType,
		Chunks:      len(s.collected),
		Duration:    m.opts.Now().Sub(s.start),
		StartedAt:   s.start,
	}
}

func (m *Manager) tick(s *session) {
	defer close(s.tickDone)

	ticker := time.NewTicker(m.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopTick:
			return
		case <-ticker.C:
			m.updateElapsed(s)
		}
	}
}

func (m *Manager) updateElapsed(s *session) {
	elapsed := FormatElapsed(m.opts.Now().Sub(s.start))
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.elapsed = elapsed
	m.mu.Unlock()
	m.notifyElapsed(elapsed)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Elapsed is the current session length as M:SS, "0:00" when idle.
func (m *Manager) Elapsed() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed
}

func (m *Manager) notifyState(st State) {
	if m.opts.OnState != nil {
		m.opts.OnState(st)
	}
}

func (m *Manager) notifyElapsed(e string) {
	if m.opts.OnTick != nil {
		m.opts.OnTick(e)
	}
}

func (s *session) sink(chunk []byte) {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	if s.closed || len(chunk) == 0 {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.chunks <- buf
}

func (s *session) closeSink() {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
}

func (s *session) collect() {
	defer close(s.done)
	for c := range s.chunks {
		s.collected = append(s.collected, c)
	}
}

// FormatElapsed renders d as minutes and zero-padded seconds.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
