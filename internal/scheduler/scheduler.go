// Package scheduler runs at most one agent task at a time and queues the
// rest in arrival order.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled is the cancellation cause attached to a task context when the
// operator aborts the running task.
var ErrCancelled = errors.New("task cancelled by operator")

// Task is one operator-prompt-to-agent-result execution unit. The scheduler
// owns it while queued; ownership transfers to the runner while running.
type Task struct {
	ChatID      int64
	Prompt      string
	SubmittedAt time.Time
}

// Runner executes a task to completion. It must return when ctx is
// cancelled. Errors are the runner's to surface; the scheduler only cares
// that the task ended.
type Runner func(ctx context.Context, task Task)

// SubmitResult reports how a submission was handled.
type SubmitResult struct {
	// Started is true when the task began executing immediately.
	Started bool

	// QueuedAt is the 1-based queue position when Started is false.
	QueuedAt int
}

// Scheduler guarantees that exactly 0 or 1 tasks are mid-execution and that
// queued tasks start in submission order. The queue is in-memory only; it
// does not survive a restart.
type Scheduler struct {
	mu      sync.Mutex
	runner  Runner
	base    context.Context
	queue   []Task
	running bool
	cancel  context.CancelCauseFunc

	// onCancel runs after the current task's context is cancelled, before
	// CancelCurrent returns. The controller uses it to reject pending
	// operator round-trips opened on behalf of the task.
	onCancel func()
}

// New creates a scheduler executing tasks with runner. Task contexts descend
// from base so process shutdown cancels the running task.
func New(base context.Context, runner Runner) *Scheduler {
	return &Scheduler{runner: runner, base: base}
}

// SetCancelHook registers a hook invoked whenever the running task is
// cancelled via CancelCurrent.
func (s *Scheduler) SetCancelHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = fn
}

// Submit starts the task immediately when idle, otherwise appends it to the
// FIFO queue. Queued tasks pick up the session state current at the moment
// they start, not the state captured at submission time.
func (s *Scheduler) Submit(chatID int64, prompt string) SubmitResult {
	task := Task{ChatID: chatID, Prompt: prompt, SubmittedAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.queue = append(s.queue, task)
		return SubmitResult{QueuedAt: len(s.queue)}
	}

	s.startLocked(task)
	return SubmitResult{Started: true}
}

// startLocked launches task. Caller holds s.mu.
func (s *Scheduler) startLocked(task Task) {
	ctx, cancel := context.WithCancelCause(s.base)
	s.running = true
	s.cancel = cancel

	go func() {
		s.runner(ctx, task)
		cancel(nil)
		s.taskDone()
	}()
}

// taskDone pops the queue head, if any, and starts it. Runs after every task
// completion regardless of outcome, so a failed task never stalls the queue.
func (s *Scheduler) taskDone() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		s.running = false
		s.cancel = nil
		return
	}

	next := s.queue[0]
	s.queue = s.queue[1:]
	s.startLocked(next)
}

// CancelCurrent aborts the running task, if any, and reports whether there
// was one. Queued-but-not-started tasks are untouched.
func (s *Scheduler) CancelCurrent() bool {
	s.mu.Lock()
	cancel := s.cancel
	hook := s.onCancel
	running := s.running
	s.mu.Unlock()

	if !running || cancel == nil {
		return false
	}

	cancel(ErrCancelled)
	if hook != nil {
		hook()
	}
	return true
}

// Running reports whether a task is mid-execution.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// QueueLen returns the number of queued, not-yet-started tasks.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
