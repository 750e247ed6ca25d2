// Package bridge serves the orchestrator to a local renderer over HTTP and
// pushes every view change to websocket subscribers.
package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bosley/healthas/appointments"
	"github.com/bosley/healthas/client"
	"github.com/bosley/healthas/metrics"
	"github.com/bosley/healthas/orchestrator"
)

// App is the part of the orchestrator the bridge drives.
type App interface {
	View() orchestrator.View
	Subscribe(fn func(orchestrator.View)) func()

	SendText(text string)
	ToggleMic() error
	SelectFile(f client.File) error
	SelectFilePath(path string) error
	Upload() error

	OpenAppointments(ctx context.Context) error
	RefreshAppointments(ctx context.Context) error
	EditDraft(d appointments.Draft)
	CreateAppointment(ctx context.Context) error
	UpdateAppointment(ctx context.Context, id string, p appointments.Patch) error
	DeleteAppointment(ctx context.Context, id string, confirmed bool) error
	DismissBanner()
}

type Config struct {
	Listen string

	// Serve TLS when both are set
	CertFile string
	KeyFile  string

	// Images dropped here become the selected upload
	InboxDir string

	// Number of inbox workers
	Workers int
}

type Bridge struct {
	config   Config
	app      App
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics

	// Inbox
	watcher *fsnotify.Watcher
	inbox   chan string
	workers sync.WaitGroup

	clients     *ClientList
	unsubscribe func()

	server   *http.Server
	upgrader websocket.Upgrader
}

// New builds a bridge for app. gatherer backs /metrics and defaults to the
// prometheus default gatherer.
func New(cfg Config, app App, gatherer prometheus.Gatherer, m *metrics.Metrics) (*Bridge, error) {
	if app == nil {
		return nil, errors.New("app is required")
	}
	if cfg.Listen == "" {
		return nil, errors.New("listen address is required")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("cert file and key file must be set together")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	b := &Bridge{
		config:   cfg,
		app:      app,
		gatherer: gatherer,
		metrics:  m,
		inbox:    make(chan string, 16),
		clients:  NewClientList(),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
	b.server = &http.Server{
		Addr:    cfg.Listen,
		Handler: b.Handler(),
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		b.server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if cfg.InboxDir != "" {
		if err := os.MkdirAll(cfg.InboxDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		b.watcher = watcher
	}

	b.unsubscribe = app.Subscribe(b.broadcast)
	return b, nil
}

// Start serves until ctx is done or the server fails.
func (b *Bridge) Start(ctx context.Context) error {
	if b.watcher != nil {
		for i := 0; i < b.config.Workers; i++ {
			b.workers.Add(1)
			go b.worker()
		}
		go b.watchInbox(ctx)
	}

	useTLS := b.server.TLSConfig != nil
	errc := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = b.server.ListenAndServeTLS("", "")
		} else {
			err = b.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	slog.Info("Bridge listening",
		"addr", b.config.Listen,
		"tls", useTLS,
		"inbox", b.config.InboxDir)

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("bridge server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Stop shuts the server down, drops websocket subscribers and drains the
// inbox workers.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}

	var errs []error
	if err := b.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
	}

	b.clients.Each(func(c *wsConnection) { c.close() })

	if b.watcher != nil {
		if err := b.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file watcher: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("shutdown timed out"))
	}

	return errors.Join(errs...)
}
