package gate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPlanTracker(t *testing.T) {
	newTracker := func(t *testing.T) (*PlanTracker, string) {
		t.Helper()
		tr, err := NewPlanTracker()
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { tr.Close() })

		dir := t.TempDir()
		if err := tr.Watch(dir); err != nil {
			t.Fatal(err)
		}
		return tr, dir
	}

	waitLatest := func(t *testing.T, tr *PlanTracker) (string, bool) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			if content, ok := tr.Latest(time.Minute); ok {
				return content, ok
			}
			select {
			case <-deadline:
				return "", false
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	t.Run("captures a markdown file written during planning", func(t *testing.T) {
		tr, dir := newTracker(t)
		tr.Begin()

		plan := filepath.Join(dir, "plan.md")
		if err := os.WriteFile(plan, []byte("# The Plan\n1. do it"), 0644); err != nil {
			t.Fatal(err)
		}

		content, ok := waitLatest(t, tr)
		if !ok {
			t.Fatal("plan never captured")
		}
		if content != "# The Plan\n1. do it" {
			t.Errorf("content = %q", content)
		}
	})

	t.Run("writes outside a planning phase are ignored", func(t *testing.T) {
		tr, dir := newTracker(t)

		if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)

		if _, ok := tr.Latest(time.Minute); ok {
			t.Error("nothing should be captured outside planning")
		}
	})

	t.Run("non-markdown files are ignored", func(t *testing.T) {
		tr, dir := newTracker(t)
		tr.Begin()

		if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)

		if _, ok := tr.Latest(time.Minute); ok {
			t.Error("a .go file is not a plan document")
		}
	})

	t.Run("stale plans fall outside the recency window", func(t *testing.T) {
		tr, dir := newTracker(t)
		tr.Begin()

		if err := os.WriteFile(filepath.Join(dir, "plan.md"), []byte("old"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, ok := waitLatest(t, tr); !ok {
			t.Fatal("plan never captured")
		}

		time.Sleep(30 * time.Millisecond)
		if _, ok := tr.Latest(10 * time.Millisecond); ok {
			t.Error("a plan older than the window must not be offered")
		}
	})

	t.Run("Begin resets the previous phase's capture", func(t *testing.T) {
		tr, dir := newTracker(t)
		tr.Begin()

		if err := os.WriteFile(filepath.Join(dir, "plan.md"), []byte("first"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, ok := waitLatest(t, tr); !ok {
			t.Fatal("plan never captured")
		}

		tr.End()
		tr.Begin()
		if _, ok := tr.Latest(time.Minute); ok {
			t.Error("a new phase starts with no captured plan")
		}
	})
}
