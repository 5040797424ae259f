package pending

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry(t *testing.T) {
	t.Run("Resolve settles an open request", func(t *testing.T) {
		reg := NewRegistry()
		req := reg.Open(KindToolApproval, "rm -rf build")

		go func() {
			if !reg.Resolve(KindToolApproval, Answer{Approved: true}) {
				t.Error("expected resolve to find the open request")
			}
		}()

		answer, err := reg.Wait(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !answer.Approved {
			t.Error("expected an approved answer")
		}
	})

	t.Run("Resolve without an open request reports false", func(t *testing.T) {
		reg := NewRegistry()
		if reg.Resolve(KindToolApproval, Answer{Approved: true}) {
			t.Error("expected resolve to report no open request")
		}
	})

	t.Run("Open displaces the previous occupant with ErrSuperseded", func(t *testing.T) {
		reg := NewRegistry()
		first := reg.Open(KindToolApproval, "first")

		errCh := make(chan error, 1)
		go func() {
			_, err := reg.Wait(context.Background(), first)
			errCh <- err
		}()

		second := reg.Open(KindToolApproval, "second")

		select {
		case err := <-errCh:
			if !errors.Is(err, ErrSuperseded) {
				t.Errorf("expected ErrSuperseded, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("displaced request never settled")
		}

		// The newer request is still resolvable.
		go reg.Resolve(KindToolApproval, Answer{Approved: false})
		answer, err := reg.Wait(context.Background(), second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if answer.Approved {
			t.Error("expected a denied answer")
		}
	})

	t.Run("ResolveID ignores a stale ID", func(t *testing.T) {
		reg := NewRegistry()
		old := reg.Open(KindPlanApproval, "v1")
		go reg.Wait(context.Background(), old)
		fresh := reg.Open(KindPlanApproval, "v2")

		if reg.ResolveID(KindPlanApproval, old.ID, Answer{Approved: true}) {
			t.Error("stale ID must not resolve the newer request")
		}
		if !reg.ResolveID(KindPlanApproval, fresh.ID, Answer{Approved: true}) {
			t.Error("matching ID should resolve")
		}
	})

	t.Run("independent kinds coexist", func(t *testing.T) {
		reg := NewRegistry()
		reg.Open(KindToolApproval, "a")
		reg.Open(KindUserQuestion, "b")

		kinds := reg.OpenKinds()
		if len(kinds) != 2 {
			t.Fatalf("expected 2 open kinds, got %d", len(kinds))
		}
		if !reg.Resolve(KindUserQuestion, Answer{Text: "answer"}) {
			t.Error("question should resolve independently")
		}
		if _, ok := reg.Peek(KindToolApproval); !ok {
			t.Error("tool approval should remain open")
		}
	})

	t.Run("RejectTask tears down task slots but not the photo caption", func(t *testing.T) {
		reg := NewRegistry()
		a := reg.Open(KindToolApproval, "a")
		b := reg.Open(KindTextContinuation, "b")
		reg.Open(KindPhotoCaption, "/tmp/shot.png")

		reg.RejectTask(ErrCancelled)

		for _, req := range []*Request{a, b} {
			_, err := reg.Wait(context.Background(), req)
			if !errors.Is(err, ErrCancelled) {
				t.Errorf("expected ErrCancelled, got %v", err)
			}
		}
		if _, ok := reg.Peek(KindPhotoCaption); !ok {
			t.Error("photo caption should survive task teardown")
		}
		kinds := reg.OpenKinds()
		if len(kinds) != 1 || kinds[0] != KindPhotoCaption {
			t.Errorf("open kinds = %v", kinds)
		}
	})

	t.Run("Wait honors context cancellation", func(t *testing.T) {
		reg := NewRegistry()
		req := reg.Open(KindUserQuestion, "q")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := reg.Wait(ctx, req)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
		if _, ok := reg.Peek(KindUserQuestion); ok {
			t.Error("cancelled request should clear its slot")
		}
	})

	t.Run("double resolution is a no-op", func(t *testing.T) {
		reg := NewRegistry()
		req := reg.Open(KindToolApproval, "x")

		go reg.Resolve(KindToolApproval, Answer{Approved: true})
		answer, err := reg.Wait(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !answer.Approved {
			t.Error("expected approval")
		}

		// A second resolve finds no slot and reports false.
		if reg.Resolve(KindToolApproval, Answer{Approved: false}) {
			t.Error("second resolve should find nothing")
		}
	})
}
