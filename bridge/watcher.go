package bridge

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watchInbox feeds newly created inbox files to the workers. It owns the
// inbox channel and closes it on return.
func (b *Bridge) watchInbox(ctx context.Context) {
	defer close(b.inbox)

	if err := b.watcher.Add(b.config.InboxDir); err != nil {
		slog.Error("Failed to start watching inbox directory",
			"error", err,
			"path", b.config.InboxDir)
		return
	}

	slog.Info("Watching inbox directory", "path", b.config.InboxDir)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handleFSEvent(ctx, event)

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// inboxCandidate skips partial writes and hidden files. Writers should
// create under a temporary name and rename into place.
func inboxCandidate(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, suffix := range []string{".tmp", ".part", ".incomplete", ".crdownload"} {
		if strings.HasSuffix(base, suffix) {
			return false
		}
	}
	return true
}

func (b *Bridge) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) || !inboxCandidate(event.Name) {
		return
	}

	select {
	case b.inbox <- event.Name:
		slog.Info("Queued inbox file", "file", filepath.Base(event.Name))
	case <-ctx.Done():
	default:
		slog.Warn("Inbox queue is full, skipping", "file", filepath.Base(event.Name))
	}
}

func (b *Bridge) worker() {
	defer b.workers.Done()

	for path := range b.inbox {
		if err := b.app.SelectFilePath(path); err != nil {
			slog.Warn("Inbox file not selected", "file", filepath.Base(path), "error", err)
			continue
		}
		slog.Info("Inbox file selected", "file", filepath.Base(path))
	}
}
