// Package gate decides whether each tool invocation the agent requests
// proceeds, is denied, or requires a live operator round-trip.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"courier/internal/engine"
	"courier/internal/pending"
	"courier/pkg/logger"
)

// Mode is the operator-selected permission mode.
type Mode int

const (
	// ModeUnset means no mode has been chosen yet; the first message is
	// held until the operator picks one.
	ModeUnset Mode = iota

	// ModeSafe allows read-only tools and gates everything else behind
	// per-call approval.
	ModeSafe

	// ModeAllowAll allows every tool without a round-trip.
	ModeAllowAll
)

func (m Mode) String() string {
	switch m {
	case ModeSafe:
		return "safe"
	case ModeAllowAll:
		return "allow-all"
	default:
		return "unset"
	}
}

// Notifier delivers gate prompts to the operator. Implemented by the bot
// controller; the gate never talks to the channel directly.
type Notifier interface {
	// PromptToolApproval shows an Allow/Deny keyboard for a tool call.
	PromptToolApproval(ctx context.Context, req *pending.Request, toolName, detail string) error

	// PromptPlanApproval shows an Approve/Reject keyboard for a drafted plan.
	PromptPlanApproval(ctx context.Context, req *pending.Request) error

	// PromptQuestion shows an agent question with choice buttons plus a
	// free-text option.
	PromptQuestion(ctx context.Context, req *pending.Request, question string, options []string) error

	// PromptFeedback asks for free-text feedback after a plan rejection.
	PromptFeedback(ctx context.Context, req *pending.Request) error

	// PushPlan delivers a drafted plan document as plain content.
	PushPlan(ctx context.Context, plan string) error
}

// Gate is the permission policy engine. Mode, the held first message, and
// the open round-trips all live here; handlers receive the gate explicitly
// instead of mutating ambient state.
type Gate struct {
	mu      sync.Mutex
	mode    Mode
	held    string
	hasHeld bool

	reg         *pending.Registry
	notify      Notifier
	audit       *AuditLog
	plans       *PlanTracker
	planRecency time.Duration
}

// New creates a gate in ModeUnset. audit and plans may be nil.
func New(reg *pending.Registry, notify Notifier, audit *AuditLog, plans *PlanTracker, planRecency time.Duration) *Gate {
	if planRecency <= 0 {
		planRecency = 60 * time.Second
	}
	return &Gate{
		reg:         reg,
		notify:      notify,
		audit:       audit,
		plans:       plans,
		planRecency: planRecency,
	}
}

// Mode returns the current permission mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// SetMode records the operator's mode choice and returns the held message,
// if any, for replay through the normal dispatch path.
func (g *Gate) SetMode(m Mode) (held string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = m
	held, ok = g.held, g.hasHeld
	g.held, g.hasHeld = "", false
	return held, ok
}

// ResetMode returns the gate to ModeUnset. Used by an explicit new-session
// action; mode otherwise persists across tasks and directory changes.
func (g *Gate) ResetMode() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = ModeUnset
	g.held, g.hasHeld = "", false
}

// Hold stores the first message received before a mode was chosen. Only one
// message is held; a newer one replaces it.
func (g *Gate) Hold(prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = prompt
	g.hasHeld = true
}

// Decide is the engine's permission callback: it maps one requested tool
// invocation to an allow/deny decision, suspending on an operator
// round-trip when the mode requires one.
func (g *Gate) Decide(ctx context.Context, toolName string, input map[string]any) (engine.Decision, error) {
	switch {
	case toolName == toolAskUser:
		return g.decideQuestion(ctx, toolName, input)

	case toolName == toolEnterPlan:
		if g.plans != nil {
			g.plans.Begin()
		}
		return g.allow(toolName, "", "planning started"), nil

	case toolName == toolExitPlan:
		return g.decidePlan(ctx, toolName, input)
	}

	mode := g.Mode()

	if mode == ModeAllowAll {
		return g.allow(toolName, "", "allow-all mode"), nil
	}

	if IsReadOnly(toolName) {
		return g.allow(toolName, "", "read-only tool"), nil
	}

	return g.decideToolApproval(ctx, toolName, input)
}

// decideQuestion always round-trips: the agent asked the operator something.
func (g *Gate) decideQuestion(ctx context.Context, toolName string, input map[string]any) (engine.Decision, error) {
	question, options := extractQuestion(input)

	req := g.reg.Open(pending.KindUserQuestion, question)
	if err := g.notify.PromptQuestion(ctx, req, question, options); err != nil {
		g.reg.Reject(pending.KindUserQuestion, err)
		return g.deny(toolName, question, req.ID, "question could not be delivered"), nil
	}

	answer, err := g.reg.Wait(ctx, req)
	if err != nil {
		return g.denyFor(err, toolName, question, req.ID), nil
	}

	updated := make(map[string]any, len(input)+1)
	for k, v := range input {
		updated[k] = v
	}
	updated["answers"] = []map[string]string{{
		"question": question,
		"answer":   answer.Text,
	}}

	d := g.allow(toolName, question, "operator answered")
	d.UpdatedInput = updated
	return d, nil
}

// decidePlan pushes the drafted plan and, unless the mode allows everything,
// round-trips for approval. A rejection collects optional free-text
// feedback and denies with it.
func (g *Gate) decidePlan(ctx context.Context, toolName string, input map[string]any) (engine.Decision, error) {
	defer func() {
		if g.plans != nil {
			g.plans.End()
		}
	}()

	plan := ""
	if g.plans != nil {
		plan, _ = g.plans.Latest(g.planRecency)
	}
	if plan == "" {
		plan = str(input, "plan")
	}
	if plan != "" {
		if err := g.notify.PushPlan(ctx, plan); err != nil {
			logger.Warn().Err(err).Msg("push plan to operator")
		}
	}

	if g.Mode() == ModeAllowAll {
		return g.allow(toolName, "", "allow-all mode"), nil
	}

	req := g.reg.Open(pending.KindPlanApproval, plan)
	if err := g.notify.PromptPlanApproval(ctx, req); err != nil {
		g.reg.Reject(pending.KindPlanApproval, err)
		return g.deny(toolName, "", req.ID, "plan prompt could not be delivered"), nil
	}

	answer, err := g.reg.Wait(ctx, req)
	if err != nil {
		return g.denyFor(err, toolName, "", req.ID), nil
	}

	if answer.Approved {
		return g.allow(toolName, "", "plan approved"), nil
	}

	// Follow-up: optional free-text feedback. The operator may supply none.
	feedback := ""
	fbReq := g.reg.Open(pending.KindTextContinuation, "plan feedback")
	if err := g.notify.PromptFeedback(ctx, fbReq); err != nil {
		g.reg.Reject(pending.KindTextContinuation, err)
	} else if fb, err := g.reg.Wait(ctx, fbReq); err == nil {
		feedback = fb.Text
	}

	reason := "Plan needs revision before proceeding."
	if feedback != "" {
		reason = fmt.Sprintf("Plan rejected by the operator with feedback: %s", feedback)
	}
	return g.deny(toolName, "", req.ID, reason), nil
}

// decideToolApproval round-trips an Allow/Deny prompt for a non-read-only
// tool under Safe mode.
func (g *Gate) decideToolApproval(ctx context.Context, toolName string, input map[string]any) (engine.Decision, error) {
	detail := DeriveDetail(toolName, input)

	req := g.reg.Open(pending.KindToolApproval, detail)
	if err := g.notify.PromptToolApproval(ctx, req, toolName, detail); err != nil {
		g.reg.Reject(pending.KindToolApproval, err)
		return g.deny(toolName, detail, req.ID, "approval prompt could not be delivered"), nil
	}

	answer, err := g.reg.Wait(ctx, req)
	if err != nil {
		return g.denyFor(err, toolName, detail, req.ID), nil
	}

	if answer.Approved {
		return g.allow(toolName, detail, "operator allowed"), nil
	}
	return g.deny(toolName, detail, req.ID, "Denied by the operator."), nil
}

func (g *Gate) allow(toolName, detail, reason string) engine.Decision {
	g.audit.Record(AuditEntry{
		ToolName: toolName,
		Detail:   detail,
		Mode:     g.Mode().String(),
		Decision: "allow",
		Reason:   reason,
	})
	return engine.Decision{Allow: true}
}

func (g *Gate) deny(toolName, detail, requestID, reason string) engine.Decision {
	g.audit.Record(AuditEntry{
		RequestID: requestID,
		ToolName:  toolName,
		Detail:    detail,
		Mode:      g.Mode().String(),
		Decision:  "deny",
		Reason:    reason,
	})
	return engine.Decision{Reason: reason}
}

// denyFor converts a round-trip teardown error into a deny decision.
func (g *Gate) denyFor(err error, toolName, detail, requestID string) engine.Decision {
	reason := "Tool call denied."
	if errors.Is(err, pending.ErrCancelled) {
		reason = "Task cancelled by the operator."
	} else if errors.Is(err, pending.ErrSuperseded) {
		reason = "Approval request superseded."
	}
	return g.deny(toolName, detail, requestID, reason)
}

// extractQuestion pulls the question text and option labels out of the
// question tool's input, which nests them under a questions array.
func extractQuestion(input map[string]any) (string, []string) {
	questions, _ := input["questions"].([]any)
	if len(questions) == 0 {
		if q := str(input, "question"); q != "" {
			return q, optionLabels(input["options"])
		}
		return "The agent has a question.", nil
	}

	first, _ := questions[0].(map[string]any)
	if first == nil {
		return "The agent has a question.", nil
	}
	q := str(first, "question")
	if q == "" {
		q = "The agent has a question."
	}
	return q, optionLabels(first["options"])
}

func optionLabels(raw any) []string {
	items, _ := raw.([]any)
	var labels []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			labels = append(labels, v)
		case map[string]any:
			if label := str(v, "label"); label != "" {
				labels = append(labels, label)
			}
		}
	}
	return labels
}
