package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/healthas/appointments"
	"github.com/bosley/healthas/apperr"
	"github.com/bosley/healthas/audio"
	"github.com/bosley/healthas/client"
	"github.com/bosley/healthas/conversation"
	"github.com/bosley/healthas/metrics"
	"github.com/bosley/healthas/recorder"
	"github.com/bosley/healthas/transfer"
)

// Service is the remote health assistant.
type Service interface {
	Chat(ctx context.Context, message string) (client.ChatResponse, error)
	VoiceToText(ctx context.Context, audio client.File) (client.VoiceResponse, error)
	AnalyzeImage(ctx context.Context, image client.File, prompt string) (client.ImageResponse, error)
	appointments.Backend
}

// Archiver keeps a copy of finalized recordings.
type Archiver interface {
	Save(p recorder.Payload) (string, error)
}

type Options struct {
	Service  Service
	UserID   string
	Location *time.Location

	// Source is the capture device. Nil means no microphone is available.
	Source recorder.Source
	Format audio.Format
	Tick   time.Duration

	Archive Archiver
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Orchestrator owns the conversation and appointment stores and routes user
// actions to the recorder, the transfer pipeline and the appointment store.
type Orchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	service  Service
	archive  Archiver
	metrics  *metrics.Metrics
	now      func() time.Time
	conv     *conversation.Store
	appts    *appointments.Store
	recorder *recorder.Manager
	pipeline *transfer.Pipeline

	mu           sync.Mutex
	banner       string
	uploadStatus string
	selected     *client.File
	draft        appointments.Draft

	flightMu sync.Mutex
	inFlight atomic.Int64
	wg       sync.WaitGroup

	notifyMu  sync.Mutex
	observers map[uuid.UUID]func(View)
	unsub     []func()
}

func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Source == nil {
		opts.Source = noDevice{}
	}

	ctx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		ctx:       ctx,
		cancel:    cancel,
		service:   opts.Service,
		archive:   opts.Archive,
		metrics:   opts.Metrics,
		now:       opts.Now,
		conv:      conversation.NewStore(conversation.Assistant(conversation.Welcome)),
		appts:     appointments.NewStore(opts.Service, opts.UserID, opts.Location, opts.Metrics),
		observers: make(map[uuid.UUID]func(View)),
	}
	o.draft = appointments.NewDraft(opts.Now(), o.appts.Location())
	o.pipeline = transfer.New(o.conv, opts.Metrics)

	rec, err := recorder.New(opts.Source, recorder.Options{
		Format:   opts.Format,
		Tick:     opts.Tick,
		Now:      opts.Now,
		Metrics:  opts.Metrics,
		OnState:  func(recorder.State) { o.notify() },
		OnTick:   func(string) { o.notify() },
		OnFinish: o.onRecording,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}
	o.recorder = rec

	o.unsub = append(o.unsub,
		o.conv.Subscribe(func(conversation.Snapshot) { o.notify() }),
		o.appts.Subscribe(func(appointments.State) { o.notify() }),
	)
	return o, nil
}

type noDevice struct{}

func (noDevice) Open(func([]byte)) (recorder.Stream, error) {
	return nil, errors.New("no capture device configured")
}

// SendText submits a chat message. Blank input is ignored.
func (o *Orchestrator) SendText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	o.launch(func() func(context.Context) {
		t := transfer.Start(o.pipeline, transfer.Exchange[client.ChatResponse]{
			Kind: transfer.Text,
			Echo: []conversation.Entry{conversation.User(text)},
			Call: func(ctx context.Context) (client.ChatResponse, error) {
				return o.service.Chat(ctx, text)
			},
			Map: func(r client.ChatResponse) ([]conversation.Entry, error) {
				reply, err := transfer.Require("response", r.Response)
				if err != nil {
					return nil, err
				}
				return []conversation.Entry{conversation.Assistant(reply)}, nil
			},
			Fallback: ChatFallback,
		})
		return func(ctx context.Context) { t.Finish(ctx) }
	})
}

// ToggleMic starts a recording when idle and stops it when capturing.
func (o *Orchestrator) ToggleMic() error {
	if o.recorder.State() == recorder.Capturing {
		o.StopRecording()
		return nil
	}
	return o.StartRecording()
}

func (o *Orchestrator) StartRecording() error {
	err := o.recorder.Start()
	if errors.Is(err, apperr.ErrPermissionDenied) {
		o.setBanner(BannerMicrophone)
	}
	return err
}

// StopRecording ends the session. The recording is submitted as a voice
// transfer before StopRecording returns.
func (o *Orchestrator) StopRecording() bool {
	return o.recorder.Stop()
}

func (o *Orchestrator) onRecording(p recorder.Payload) {
	o.launch(func() func(context.Context) {
		file := client.File{Name: p.Filename, ContentType: p.ContentType, Data: p.WAV}
		t := transfer.Start(o.pipeline, transfer.Exchange[client.VoiceResponse]{
			Kind:        transfer.Voice,
			Placeholder: VoicePlaceholder,
			Call: func(ctx context.Context) (client.VoiceResponse, error) {
				return o.service.VoiceToText(ctx, file)
			},
			Map:      mapVoice,
			Fallback: VoiceFallback,
		})
		return func(ctx context.Context) {
			if o.archive != nil {
				// archive failures are logged by the archive and never block the transfer
				_, _ = o.archive.Save(p)
			}
			t.Finish(ctx)
		}
	})
}

func mapVoice(r client.VoiceResponse) ([]conversation.Entry, error) {
	text, err := transfer.Require("transcribed_text", r.TranscribedText)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: transcribed_text is empty", apperr.ErrMissingField)
	}

	entries := []conversation.Entry{conversation.User(text)}
	if r.Response != nil && *r.Response != "" {
		entries = append(entries, conversation.Assistant(*r.Response))
	}
	return entries, nil
}

// SelectFile makes f the image for the next upload.
func (o *Orchestrator) SelectFile(f client.File) error {
	if f.ContentType == "" {
		f.ContentType = detectContentType(f.Name, f.Data)
	}
	if !strings.HasPrefix(f.ContentType, "image/") {
		o.setUploadStatus(StatusSelectImage)
		return apperr.Validation("image_file", StatusSelectImage)
	}

	o.mu.Lock()
	o.selected = &f
	o.uploadStatus = ""
	o.mu.Unlock()
	o.notify()

	slog.Info("Selected image", "name", f.Name, "contentType", f.ContentType, "bytes", len(f.Data))
	return nil
}

// SelectFilePath reads path and selects it.
func (o *Orchestrator) SelectFilePath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return o.SelectFile(client.File{Name: filepath.Base(path), Data: data})
}

func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// Upload submits the selected image for analysis. Without a selection it
// sets the upload status and returns a validation error.
func (o *Orchestrator) Upload() error {
	o.mu.Lock()
	if o.selected == nil {
		o.uploadStatus = StatusSelectImage
		o.mu.Unlock()
		o.notify()
		return apperr.Validation("image_file", StatusSelectImage)
	}
	file := *o.selected
	o.uploadStatus = StatusUploading
	o.mu.Unlock()
	o.notify()

	o.launch(func() func(context.Context) {
		t := transfer.Start(o.pipeline, transfer.Exchange[client.ImageResponse]{
			Kind:        transfer.Image,
			Placeholder: ImagePlaceholder,
			Call: func(ctx context.Context) (client.ImageResponse, error) {
				return o.service.AnalyzeImage(ctx, file, ImagePrompt)
			},
			Map:      mapImage,
			Fallback: ImageFallback,
		})
		return func(ctx context.Context) {
			if t.Finish(ctx).OK() {
				o.setUploadStatus(StatusUploaded)
			} else {
				o.setUploadStatus(StatusUploadFailed)
			}
		}
	})
	return nil
}

func mapImage(r client.ImageResponse) ([]conversation.Entry, error) {
	analysis, err := transfer.Require("analysis", r.Analysis)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(analysis) == "" {
		return nil, fmt.Errorf("%w: analysis is empty", apperr.ErrMissingField)
	}
	return []conversation.Entry{
		conversation.User(ImageEcho),
		conversation.Assistant(analysis),
	}, nil
}

// launch counts a transfer in flight, runs begin on the caller's goroutine
// and the function it returns on the orchestrator's own context, so the
// transfer completes even when the caller goes away.
func (o *Orchestrator) launch(begin func() func(context.Context)) {
	o.flightMu.Lock()
	o.inFlight.Add(1)
	o.wg.Add(1)
	o.flightMu.Unlock()

	run := begin()
	go func() {
		defer o.wg.Done()
		defer o.settle()
		run(o.ctx)
	}()
}

// settle sweeps stranded placeholders once nothing is in flight. No
// transfer can add a placeholder while flightMu is held with a zero count.
func (o *Orchestrator) settle() {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()

	if o.inFlight.Add(-1) > 0 {
		return
	}
	if n := o.conv.RemoveProcessingPlaceholders(); n > 0 {
		slog.Warn("Removed stranded placeholders", "count", n)
	}
	o.notify()
}

// OpenAppointments is called when the appointments view is shown.
func (o *Orchestrator) OpenAppointments(ctx context.Context) error {
	return o.RefreshAppointments(ctx)
}

func (o *Orchestrator) RefreshAppointments(ctx context.Context) error {
	ctx, done := o.detach(ctx)
	defer done()

	o.clearBanner(BannerFetch)
	err := o.appts.Refresh(ctx)
	if errors.Is(err, apperr.ErrFetch) {
		o.setBanner(BannerFetch)
	}
	return err
}

func (o *Orchestrator) EditDraft(d appointments.Draft) {
	o.mu.Lock()
	o.draft = d
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) Draft() appointments.Draft {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draft
}

// CreateAppointment submits the current draft. On success the draft is
// reset; validation failures leave it untouched and set no banner.
func (o *Orchestrator) CreateAppointment(ctx context.Context) error {
	ctx, done := o.detach(ctx)
	defer done()

	err := o.appts.Create(ctx, o.Draft())
	switch {
	case err == nil:
		o.mu.Lock()
		o.draft = appointments.NewDraft(o.now(), o.appts.Location())
		o.mu.Unlock()
		o.afterMutation()
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrBusy):
	default:
		o.setBanner(BannerCreate)
	}
	return err
}

func (o *Orchestrator) UpdateAppointment(ctx context.Context, id string, p appointments.Patch) error {
	ctx, done := o.detach(ctx)
	defer done()

	err := o.appts.Update(ctx, id, p)
	switch {
	case err == nil:
		o.afterMutation()
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrBusy):
	default:
		o.setBanner(BannerUpdate)
	}
	return err
}

// DeleteAppointment removes an appointment once the user has confirmed.
// Unconfirmed calls do nothing.
func (o *Orchestrator) DeleteAppointment(ctx context.Context, id string, confirmed bool) error {
	if !confirmed {
		return nil
	}
	ctx, done := o.detach(ctx)
	defer done()

	err := o.appts.Delete(ctx, id)
	switch {
	case err == nil:
		o.afterMutation()
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrBusy):
	default:
		o.setBanner(BannerDelete)
	}
	return err
}

// the follow-up refresh reports its own failure through the store
func (o *Orchestrator) afterMutation() {
	if o.appts.Err() != nil {
		o.setBanner(BannerFetch)
	} else {
		o.clearBanner(BannerFetch)
	}
	o.notify()
}

// detach keeps ctx's values but ties cancellation to the orchestrator
// rather than the caller.
func (o *Orchestrator) detach(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (o *Orchestrator) DismissBanner() {
	o.setBanner("")
}

func (o *Orchestrator) setBanner(text string) {
	o.mu.Lock()
	o.banner = text
	o.mu.Unlock()
	if text != "" {
		slog.Warn("Banner raised", "banner", text)
	}
	o.notify()
}

func (o *Orchestrator) clearBanner(only string) {
	o.mu.Lock()
	cleared := o.banner == only
	if cleared {
		o.banner = ""
	}
	o.mu.Unlock()
	if cleared {
		o.notify()
	}
}

func (o *Orchestrator) setUploadStatus(status string) {
	o.mu.Lock()
	o.uploadStatus = status
	o.mu.Unlock()
	o.notify()
}

// Conversation exposes the log for read access.
func (o *Orchestrator) Conversation() conversation.Snapshot {
	return o.conv.Snapshot()
}

func (o *Orchestrator) Appointments() []appointments.Record {
	return o.appts.Records()
}

// Wait blocks until every launched transfer has settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops any recording, waits for in-flight transfers and releases the
// orchestrator. Transfers still running when ctx is done are cancelled.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.recorder.Stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out with %d transfers in flight", o.inFlight.Load())
	}

	o.cancel()
	for _, unsub := range o.unsub {
		unsub()
	}
	return err
}
