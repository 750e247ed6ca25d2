package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/healthas/apperr"
	"github.com/bosley/healthas/conversation"
	"github.com/bosley/healthas/metrics"
)

type Kind string

const (
	Text  Kind = "text"
	Voice Kind = "voice"
	Image Kind = "image"
)

// Log is the conversation a transfer writes into.
type Log interface {
	AppendAll(es ...conversation.Entry) []conversation.Entry
	Settle(placeholder uuid.UUID, es ...conversation.Entry) []conversation.Entry
}

// Exchange describes one request/response exchange. Call is made exactly once.
type Exchange[R any] struct {
	Kind Kind

	// Placeholder, when set, is shown as a processing entry until the
	// transfer settles.
	Placeholder string

	// Echo entries are appended before the call and kept on failure.
	Echo []conversation.Entry

	Call func(ctx context.Context) (R, error)

	// Map turns a response into the entries to append. It returns
	// apperr.ErrMissingField when the response lacks the expected result.
	Map func(R) ([]conversation.Entry, error)

	// Fallback is the assistant text appended when the transfer fails.
	Fallback string
}

// Outcome reports how a transfer settled. Err is informational; the
// conversation has already absorbed the failure.
type Outcome struct {
	ID      uuid.UUID
	Kind    Kind
	Entries []conversation.Entry
	Err     error
	Took    time.Duration
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

type Pipeline struct {
	log     Log
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(log Log, m *metrics.Metrics) *Pipeline {
	return &Pipeline{log: log, metrics: m, now: time.Now}
}

// Pending is a transfer whose placeholder and echo entries are already in
// the log but whose call has not been made.
type Pending[R any] struct {
	id          uuid.UUID
	p           *Pipeline
	ex          Exchange[R]
	placeholder uuid.UUID
	start       time.Time
}

// Start appends the placeholder and echo entries as one change and returns
// the transfer ready to be finished, usually on another goroutine.
func Start[R any](p *Pipeline, ex Exchange[R]) *Pending[R] {
	t := &Pending[R]{id: uuid.New(), p: p, ex: ex, start: p.now()}

	var pre []conversation.Entry
	if ex.Placeholder != "" {
		pre = append(pre, conversation.Placeholder(ex.Placeholder))
	}
	pre = append(pre, ex.Echo...)

	if len(pre) > 0 {
		appended := p.log.AppendAll(pre...)
		if ex.Placeholder != "" {
			t.placeholder = appended[0].ID
		}
	}

	slog.Debug("Transfer started", "transferID", t.id, "kind", ex.Kind)
	p.metrics.TransferStarted(string(ex.Kind))
	return t
}

func (t *Pending[R]) ID() uuid.UUID {
	return t.id
}

// Finish makes the call and reconciles the result into the log. It blocks
// until the transfer settles and never retries. Finish must be called
// exactly once.
func (t *Pending[R]) Finish(ctx context.Context) Outcome {
	ex := t.ex

	entries, err := perform(ctx, ex)
	if err != nil {
		entries = []conversation.Entry{conversation.Assistant(ex.Fallback)}
	}
	settled := t.p.log.Settle(t.placeholder, entries...)

	took := t.p.now().Sub(t.start)
	t.p.metrics.TransferSettled(string(ex.Kind), err, took)
	if err != nil {
		slog.Warn("Transfer failed", "transferID", t.id, "kind", ex.Kind, "took", took, "error", err)
	} else {
		slog.Info("Transfer settled", "transferID", t.id, "kind", ex.Kind, "took", took, "entries", len(settled))
	}

	return Outcome{ID: t.id, Kind: ex.Kind, Entries: settled, Err: err, Took: took}
}

// Run starts and finishes a transfer on the calling goroutine.
func Run[R any](ctx context.Context, p *Pipeline, ex Exchange[R]) Outcome {
	return Start(p, ex).Finish(ctx)
}

func perform[R any](ctx context.Context, ex Exchange[R]) (entries []conversation.Entry, err error) {
	// a panicking call or mapper still has to settle the placeholder
	defer func() {
		if r := recover(); r != nil {
			entries = nil
			err = fmt.Errorf("%w: %s transfer panicked: %v", apperr.ErrTransfer, ex.Kind, r)
		}
	}()

	resp, err := ex.Call(ctx)
	if err != nil {
		return nil, err
	}
	return ex.Map(resp)
}

// Require returns the value of a result field or apperr.ErrMissingField.
func Require(field string, v *string) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%w: %s", apperr.ErrMissingField, field)
	}
	return *v, nil
}
