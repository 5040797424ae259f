// Package pending correlates outstanding operator round-trips with the
// decisions suspended on them. At most one request of each kind is open at a
// time; the next operator input matching the kind's expected shape resolves
// it.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a pending request by the shape of input that resolves it.
type Kind string

const (
	// KindToolApproval awaits an Allow/Deny button press for a tool call.
	KindToolApproval Kind = "tool_approval"

	// KindPlanApproval awaits an Approve/Reject button press for a plan.
	KindPlanApproval Kind = "plan_approval"

	// KindUserQuestion awaits a choice button or free text answering an
	// agent question.
	KindUserQuestion Kind = "user_question"

	// KindTextContinuation awaits a follow-up free-text message, e.g. plan
	// rejection feedback.
	KindTextContinuation Kind = "text_continuation"

	// KindPhotoCaption awaits the text to pair with an uploaded photo.
	KindPhotoCaption Kind = "photo_caption"
)

// Sentinel errors for pending request teardown.
var (
	// ErrSuperseded is delivered to a request displaced by a newer open of
	// the same kind.
	ErrSuperseded = errors.New("pending request superseded")

	// ErrCancelled is delivered when the owning task is cancelled.
	ErrCancelled = errors.New("pending request cancelled")
)

// Answer is the operator's reply to a pending request.
type Answer struct {
	// Approved is meaningful for button-shaped kinds.
	Approved bool

	// Text holds free text or the chosen option label.
	Text string
}

type outcome struct {
	answer Answer
	err    error
}

// Request is an open round-trip question. A request settles exactly once;
// later Resolve or Reject calls are no-ops.
type Request struct {
	ID        string
	Kind      Kind
	Prompt    string
	CreatedAt time.Time

	done chan outcome
	once sync.Once
}

func newRequest(kind Kind, prompt string) *Request {
	return &Request{
		ID:        uuid.New().String(),
		Kind:      kind,
		Prompt:    prompt,
		CreatedAt: time.Now(),
		done:      make(chan outcome, 1),
	}
}

func (r *Request) settle(o outcome) bool {
	fired := false
	r.once.Do(func() {
		r.done <- o
		fired = true
	})
	return fired
}

// Registry holds the single open slot per kind.
type Registry struct {
	mu    sync.Mutex
	slots map[Kind]*Request
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[Kind]*Request)}
}

// Open installs a new request as the sole occupant for its kind. An existing
// occupant is rejected with ErrSuperseded before being displaced; silent
// overwrite would orphan its continuation.
func (g *Registry) Open(kind Kind, prompt string) *Request {
	req := newRequest(kind, prompt)

	g.mu.Lock()
	old := g.slots[kind]
	g.slots[kind] = req
	g.mu.Unlock()

	if old != nil {
		old.settle(outcome{err: ErrSuperseded})
	}
	return req
}

// Peek returns the open request of the given kind, if any.
func (g *Registry) Peek(kind Kind) (*Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.slots[kind]
	return req, ok
}

// Resolve settles the open request of the given kind with the operator's
// answer. It returns false when no request of that kind is open; the caller
// must then treat the input as a fresh task submission instead.
func (g *Registry) Resolve(kind Kind, answer Answer) bool {
	g.mu.Lock()
	req, ok := g.slots[kind]
	if ok {
		delete(g.slots, kind)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	return req.settle(outcome{answer: answer})
}

// ResolveID settles the open request of the given kind only if its ID
// matches. A stale button press referring to an already-superseded request
// is a no-op rather than an answer misrouted to the newer occupant.
func (g *Registry) ResolveID(kind Kind, id string, answer Answer) bool {
	g.mu.Lock()
	req, ok := g.slots[kind]
	if ok && req.ID == id {
		delete(g.slots, kind)
	} else {
		ok = false
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	return req.settle(outcome{answer: answer})
}

// Reject tears down the open request of the given kind with an error.
func (g *Registry) Reject(kind Kind, err error) bool {
	g.mu.Lock()
	req, ok := g.slots[kind]
	if ok {
		delete(g.slots, kind)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	return req.settle(outcome{err: err})
}

// TaskScopedKinds lists the kinds opened on behalf of the running task. The
// photo-caption pairing belongs to the operator's upload flow, not the task.
func TaskScopedKinds() []Kind {
	return []Kind{KindToolApproval, KindPlanApproval, KindUserQuestion, KindTextContinuation}
}

// RejectTask tears down every open task-scoped request. Used by whole-task
// cancellation; a waiting photo caption is left open.
func (g *Registry) RejectTask(err error) {
	g.mu.Lock()
	reqs := make([]*Request, 0, len(g.slots))
	for _, kind := range TaskScopedKinds() {
		if req, ok := g.slots[kind]; ok {
			reqs = append(reqs, req)
			delete(g.slots, kind)
		}
	}
	g.mu.Unlock()

	for _, req := range reqs {
		req.settle(outcome{err: err})
	}
}

// OpenKinds returns the kinds with an open request.
func (g *Registry) OpenKinds() []Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	kinds := make([]Kind, 0, len(g.slots))
	for kind := range g.slots {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Wait blocks until the request settles or the context is cancelled. On
// context cancellation the request's slot is cleared and ErrCancelled is
// returned.
func (g *Registry) Wait(ctx context.Context, req *Request) (Answer, error) {
	select {
	case o := <-req.done:
		return o.answer, o.err
	case <-ctx.Done():
		g.clear(req)
		req.settle(outcome{err: ErrCancelled})
		return Answer{}, ErrCancelled
	}
}

// clear removes the slot entry if it still holds req.
func (g *Registry) clear(req *Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.slots[req.Kind]; ok && cur == req {
		delete(g.slots, req.Kind)
	}
}
