package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/engine"
	"courier/internal/gate"
	"courier/internal/scheduler"
	"courier/internal/session"
	"courier/internal/storage"
	"courier/pkg/logger"
)

// typingInterval is how often the typing indicator is refreshed while a task
// runs; the channel drops it after a few seconds of silence.
const typingInterval = 4 * time.Second

// runTask executes one task end to end: launch the engine with the current
// session state, stream its events to the operator, and record the outcome.
func (c *Controller) runTask(ctx context.Context, task scheduler.Task) {
	workdir := c.sessions.WorkingDirectory()

	if c.plans != nil {
		if err := c.plans.Watch(workdir); err != nil {
			logger.Debug().Err(err).Str("dir", workdir).Msg("watch working directory for plans")
		}
	}

	req := engine.RunRequest{
		Prompt:      c.localizedPrompt(task.Prompt),
		WorkingDir:  workdir,
		ResumeToken: c.sessions.Token(),
		Permission:  c.gate.Decide,
	}

	events, err := c.eng.Run(ctx, req)
	if err != nil {
		c.send(ctx, task.ChatID, fmt.Sprintf("Could not start the agent: %v", err))
		c.recordRun(task, workdir, "", storage.RunStatusFailed, nil)
		return
	}

	stopTyping := c.keepTyping(ctx, task.ChatID)
	defer stopTyping()

	var (
		result *engine.Result
		output string
	)

	for ev := range events {
		switch ev.Type {
		case engine.EventInit:
			c.sessions.SetToken(ev.SessionID)

		case engine.EventText:
			if ev.Text != "" {
				output = ev.Text
				c.send(ctx, task.ChatID, ev.Text)
			}

		case engine.EventToolUse:
			detail := gate.DeriveDetail(ev.ToolName, ev.ToolInput)
			c.send(ctx, task.ChatID, fmt.Sprintf("• %s: %s", ev.ToolName, detail))

		case engine.EventResult:
			result = ev.Result

		case engine.EventError:
			if ctx.Err() != nil {
				break
			}
			logger.Error().Err(ev.Err).Msg("agent run error")
			c.send(ctx, task.ChatID, fmt.Sprintf("The agent run failed: %v", ev.Err))
		}
	}

	stopTyping()

	if errors.Is(context.Cause(ctx), scheduler.ErrCancelled) {
		c.send(context.WithoutCancel(ctx), task.ChatID, "Task cancelled.")
		c.recordRun(task, workdir, output, storage.RunStatusCancelled, result)
		return
	}

	if result == nil {
		c.recordRun(task, workdir, output, storage.RunStatusFailed, nil)
		return
	}

	status := storage.RunStatusCompleted
	if result.IsError {
		status = storage.RunStatusFailed
		if result.Text != "" {
			c.send(ctx, task.ChatID, result.Text)
		}
	} else if result.Text != "" && result.Text != output {
		c.send(ctx, task.ChatID, result.Text)
	}

	logger.Info().
		Int("turns", result.NumTurns).
		Int64("duration_ms", result.DurationMS).
		Float64("cost_usd", result.CostUSD).
		Str("status", status).
		Msg("task finished")

	c.recordRun(task, workdir, result.Text, status, result)
}

// localizedPrompt appends the response-language instruction when the
// operator prefers something other than the default.
func (c *Controller) localizedPrompt(prompt string) string {
	lang := c.sessions.Language()
	if lang == "" || lang == session.DefaultLanguage {
		return prompt
	}
	return fmt.Sprintf("%s\n\nPlease respond in %s.", prompt, lang)
}

// keepTyping refreshes the typing indicator until the returned stop func is
// called. Calling stop more than once is fine.
func (c *Controller) keepTyping(ctx context.Context, chatID int64) func() {
	done := make(chan struct{})
	var stopped bool

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		c.ch.Typing(ctx, chatID)
		for {
			select {
			case <-ticker.C:
				c.ch.Typing(ctx, chatID)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !stopped {
			stopped = true
			close(done)
		}
	}
}

// recordRun persists the finished run. History is advisory; failures only
// log.
func (c *Controller) recordRun(task scheduler.Task, workdir, output, status string, result *engine.Result) {
	if c.runs == nil {
		return
	}
	rec := &storage.RunRecord{
		ID:           uuid.New().String(),
		ChatID:       task.ChatID,
		Prompt:       task.Prompt,
		Output:       output,
		Status:       status,
		SessionToken: c.sessions.Token(),
		WorkingDir:   workdir,
		SubmittedAt:  task.SubmittedAt,
		CompletedAt:  time.Now(),
	}
	if result != nil {
		rec.NumTurns = result.NumTurns
		rec.DurationMS = result.DurationMS
		rec.CostUSD = result.CostUSD
	}
	if err := c.runs.Insert(rec); err != nil {
		logger.Warn().Err(err).Msg("record run history")
	}
}
