package bot

import (
	"context"
	"fmt"

	"courier/internal/pending"
	"courier/pkg/channel"
)

// The controller is the gate's Notifier: it renders each round-trip as a
// message with an inline keyboard whose tokens embed the request ID, so a
// press on a superseded keyboard cannot resolve the wrong request.

// PromptToolApproval shows an Allow/Deny keyboard for a tool call.
func (c *Controller) PromptToolApproval(ctx context.Context, req *pending.Request, toolName, detail string) error {
	text := fmt.Sprintf("The agent wants to run %s:\n%s", toolName, detail)
	return c.sendButtons(ctx, c.chat(), text, [][]channel.Button{channel.Row(
		channel.Button{Label: "Allow", Data: "tool:allow:" + req.ID},
		channel.Button{Label: "Deny", Data: "tool:deny:" + req.ID},
	)})
}

// PromptPlanApproval shows an Approve/Reject keyboard for a drafted plan.
func (c *Controller) PromptPlanApproval(ctx context.Context, req *pending.Request) error {
	return c.sendButtons(ctx, c.chat(), "Approve this plan?", [][]channel.Button{channel.Row(
		channel.Button{Label: "Approve", Data: "plan:approve:" + req.ID},
		channel.Button{Label: "Reject", Data: "plan:reject:" + req.ID},
	)})
}

// PromptQuestion shows an agent question with one button per option. Free
// text also answers it, via the pending registry's text routing. Button
// tokens carry the option index; the channel's callback payload is too small
// for the label itself.
func (c *Controller) PromptQuestion(ctx context.Context, req *pending.Request, question string, options []string) error {
	c.mu.Lock()
	c.qRequestID = req.ID
	c.qOptions = append([]string(nil), options...)
	c.mu.Unlock()

	var rows [][]channel.Button
	for i, opt := range options {
		rows = append(rows, channel.Row(channel.Button{
			Label: opt,
			Data:  fmt.Sprintf("q:%s:%d", req.ID, i),
		}))
	}
	text := question
	if len(options) > 0 {
		text += "\n\nPick an option or reply with your own answer."
	}
	return c.sendButtons(ctx, c.chat(), text, rows)
}

// PromptFeedback asks for free-text feedback after a plan rejection.
func (c *Controller) PromptFeedback(ctx context.Context, req *pending.Request) error {
	return c.sendButtons(ctx, c.chat(),
		"Plan rejected. Reply with feedback for the revision, or press Skip.",
		[][]channel.Button{channel.Row(
			channel.Button{Label: "Skip", Data: "fb:skip:" + req.ID},
		)})
}

// PushPlan delivers a drafted plan document as plain content.
func (c *Controller) PushPlan(ctx context.Context, plan string) error {
	_, err := c.ch.Send(ctx, c.chat(), plan, &channel.SendOptions{Plain: true})
	return err
}
