package gate

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"courier/pkg/logger"
)

const planReadLimit = 64 * 1024

// PlanTracker watches the working directory for plan documents written
// while the agent is in planning mode, so the freshest one can be pushed to
// the operator when the agent asks to leave planning.
type PlanTracker struct {
	mu            sync.Mutex
	watcher       *fsnotify.Watcher
	dir           string
	planning      bool
	planningSince time.Time
	latestPath    string
	latestTime    time.Time
	closed        bool
}

// NewPlanTracker creates a tracker with no directory watched yet.
func NewPlanTracker() (*PlanTracker, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	t := &PlanTracker{watcher: w}
	go t.loop()
	return t, nil
}

// Watch switches the tracker to the given directory. The previous directory
// is unwatched.
func (t *PlanTracker) Watch(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || dir == t.dir {
		return nil
	}
	if t.dir != "" {
		_ = t.watcher.Remove(t.dir)
	}
	if err := t.watcher.Add(dir); err != nil {
		return err
	}
	t.dir = dir
	return nil
}

// Begin marks the start of a planning phase. Only documents written after
// this point count.
func (t *PlanTracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.planning = true
	t.planningSince = time.Now()
	t.latestPath = ""
	t.latestTime = time.Time{}
}

// End marks the planning phase finished.
func (t *PlanTracker) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.planning = false
}

// Latest returns the content of the freshest plan document, provided it was
// written during the current planning phase and within the recency window.
func (t *PlanTracker) Latest(recency time.Duration) (string, bool) {
	t.mu.Lock()
	path := t.latestPath
	mtime := t.latestTime
	since := t.planningSince
	t.mu.Unlock()

	if path == "" || time.Since(mtime) > recency || mtime.Before(since) {
		return "", false
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	buf := make([]byte, planReadLimit)
	n, _ := f.Read(buf)
	if n == 0 {
		return "", false
	}
	return string(buf[:n]), true
}

func (t *PlanTracker) loop() {
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !isPlanFile(ev.Name) {
				continue
			}
			t.mu.Lock()
			if t.planning {
				t.latestPath = ev.Name
				t.latestTime = time.Now()
			}
			t.mu.Unlock()

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			logger.Debug().Err(err).Msg("plan watcher error")
		}
	}
}

// isPlanFile matches markdown documents, the shape plans are drafted in.
func isPlanFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

// Close stops the tracker.
func (t *PlanTracker) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.watcher.Close()
}
