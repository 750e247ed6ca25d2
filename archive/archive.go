package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bosley/healthas/metrics"
	"github.com/bosley/healthas/recorder"
)

const (
	dayLayout  = "20060102" // YYYYMMDD
	fileLayout = "150405"   // HHMMSS

	incompleteSuffix = ".incomplete"
)

var ErrEmptyRecording = errors.New("recording has no audio")

// Archive keeps a dated copy of every finalized recording under
// <root>/<YYYYMMDD>/audio_<HHMMSS>_<session>.wav.
type Archive struct {
	root    string
	now     func() time.Time
	metrics *metrics.Metrics

	dailyDirMutex sync.Mutex
	currentDay    string
}

func New(root string, m *metrics.Metrics) (*Archive, error) {
	if root == "" {
		return nil, fmt.Errorf("archive root cannot be empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &Archive{root: root, now: time.Now, metrics: m}, nil
}

func (a *Archive) Root() string {
	return a.root
}

// Save writes the payload's WAV bytes and returns the file path.
func (a *Archive) Save(p recorder.Payload) (string, error) {
	path, err := a.save(p)
	a.metrics.ArchiveWrite(err)
	if err != nil {
		slog.Error("Failed to archive recording", "session", p.SessionID, "error", err)
		return "", err
	}
	slog.Info("Archived recording", "session", p.SessionID, "path", path, "bytes", len(p.WAV))
	return path, nil
}

func (a *Archive) save(p recorder.Payload) (string, error) {
	if len(p.PCM) == 0 || len(p.WAV) == 0 {
		return "", ErrEmptyRecording
	}

	stamp := p.StartedAt
	if stamp.IsZero() {
		stamp = a.now()
	}

	dailyDir, err := a.dailyDir(stamp)
	if err != nil {
		return "", err
	}

	session := p.SessionID.String()[:8]
	filename := fmt.Sprintf("audio_%s_%s.wav", stamp.Format(fileLayout), session)
	path := filepath.Join(dailyDir, filename)

	// Written under a temporary name so a crash never leaves a truncated .wav
	tmp := path + incompleteSuffix
	if err := os.WriteFile(tmp, p.WAV, 0644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write recording: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize recording: %w", err)
	}
	return path, nil
}

func (a *Archive) dailyDir(stamp time.Time) (string, error) {
	day := stamp.Format(dayLayout)
	dir := filepath.Join(a.root, day)

	a.dailyDirMutex.Lock()
	defer a.dailyDirMutex.Unlock()

	if day == a.currentDay {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create daily directory: %w", err)
	}
	a.currentDay = day
	slog.Info("Created new daily directory", "path", dir)
	return dir, nil
}

// List returns archived recordings, oldest first.
func (a *Archive) List() ([]string, error) {
	var files []string
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".wav") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	// day directories and HHMMSS names sort chronologically
	sort.Strings(files)
	return files, nil
}

// Latest returns the most recent recording.
func (a *Archive) Latest() (string, error) {
	files, err := a.List()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no recordings in %s", a.root)
	}
	return files[len(files)-1], nil
}
