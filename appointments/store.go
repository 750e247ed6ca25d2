package appointments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/healthas/apperr"
	"github.com/bosley/healthas/metrics"
)

// Backend is the remote side of the appointment store.
type Backend interface {
	ListAppointments(ctx context.Context, userID string) ([]Record, error)
	CreateAppointment(ctx context.Context, req CreateRequest) error
	UpdateAppointment(ctx context.Context, id string, req UpdateRequest) error
	DeleteAppointment(ctx context.Context, userID, id string) error
}

// State is a consistent copy of the store for observers.
type State struct {
	Version uint64   `json:"version"`
	Records []Record `json:"records"`
	Busy    bool     `json:"busy"`
	Failed  bool     `json:"failed"`
}

// Store caches the user's appointments. Every mutation is followed by a
// full refresh from the backend; records are never patched locally.
type Store struct {
	backend Backend
	userID  string
	loc     *time.Location
	metrics *metrics.Metrics

	mu        sync.RWMutex
	records   []Record
	err       error
	busy      bool
	version   uint64
	observers map[uuid.UUID]func(State)

	notifyMu sync.Mutex
	notified uint64
}

func NewStore(backend Backend, userID string, loc *time.Location, m *metrics.Metrics) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{
		backend:   backend,
		userID:    userID,
		loc:       loc,
		metrics:   m,
		observers: make(map[uuid.UUID]func(State)),
	}
}

func (s *Store) Location() *time.Location {
	return s.loc
}

// Refresh replaces the cached records with the backend's. On failure the
// cache is emptied and Err reports the failure.
func (s *Store) Refresh(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	return s.refresh(ctx)
}

func (s *Store) refresh(ctx context.Context) error {
	s.mutate(func() { s.err = nil })

	records, err := s.backend.ListAppointments(ctx, s.userID)
	s.metrics.AppointmentOp("refresh", err)
	if err != nil {
		err = fmt.Errorf("%w: %w", apperr.ErrFetch, err)
		slog.Error("Failed to fetch appointments", "user", s.userID, "error", err)
		s.mutate(func() {
			s.records = nil
			s.err = err
		})
		return err
	}

	slog.Debug("Fetched appointments", "user", s.userID, "count", len(records))
	s.mutate(func() { s.records = records })
	return nil
}

// Create validates the draft, submits it and refreshes. A validation failure
// returns before any request is made. A failed refresh after a successful
// create is reported through Err, not the return value.
func (s *Store) Create(ctx context.Context, d Draft) error {
	at, purpose, err := d.Resolve(s.loc)
	if err != nil {
		return err
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	err = s.backend.CreateAppointment(ctx, CreateRequest{UserID: s.userID, DateTime: at, Purpose: purpose})
	s.metrics.AppointmentOp("create", err)
	if err != nil {
		slog.Error("Failed to create appointment", "user", s.userID, "error", err)
		return fmt.Errorf("create appointment: %w", err)
	}
	slog.Info("Created appointment", "user", s.userID, "at", at)

	// A failed refresh is surfaced through Err; the mutation itself succeeded.
	_ = s.refresh(ctx)
	return nil
}

func (s *Store) Update(ctx context.Context, id string, p Patch) error {
	if id == "" {
		return apperr.Validation("id", "appointment id is required")
	}
	req, err := p.resolve(s.loc)
	if err != nil {
		return err
	}
	req.UserID = s.userID

	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	err = s.backend.UpdateAppointment(ctx, id, req)
	s.metrics.AppointmentOp("update", err)
	if err != nil {
		slog.Error("Failed to update appointment", "id", id, "error", err)
		return fmt.Errorf("update appointment %s: %w", id, err)
	}
	slog.Info("Updated appointment", "id", id)

	// A failed refresh is surfaced through Err; the mutation itself succeeded.
	_ = s.refresh(ctx)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperr.Validation("id", "appointment id is required")
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	err := s.backend.DeleteAppointment(ctx, s.userID, id)
	s.metrics.AppointmentOp("delete", err)
	if err != nil {
		slog.Error("Failed to delete appointment", "id", id, "error", err)
		return fmt.Errorf("delete appointment %s: %w", id, err)
	}
	slog.Info("Deleted appointment", "id", id)

	// A failed refresh is surfaced through Err; the mutation itself succeeded.
	_ = s.refresh(ctx)
	return nil
}

func (s *Store) acquire() error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return apperr.ErrBusy
	}
	s.mu.Unlock()

	// the flag is set under mutate so observers see the store go busy
	var taken bool
	s.mutate(func() {
		if !s.busy {
			s.busy = true
			taken = true
		}
	})
	if !taken {
		return apperr.ErrBusy
	}
	return nil
}

func (s *Store) release() {
	s.mutate(func() { s.busy = false })
}

func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Err is the last fetch failure, nil after a successful refresh.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Store) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Store) stateLocked() State {
	records := make([]Record, len(s.records))
	copy(records, s.records)
	return State{Version: s.version, Records: records, Busy: s.busy, Failed: s.err != nil}
}

func (s *Store) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.version++
	state := s.stateLocked()
	observers := make([]func(State), 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	// a concurrent mutation already delivered something newer
	if state.Version <= s.notified {
		return
	}
	s.notified = state.Version

	for _, o := range observers {
		o(state)
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(fn func(State)) func() {
	id := uuid.New()
	s.mu.Lock()
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}
