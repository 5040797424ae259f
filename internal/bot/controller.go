// Package bot is the controller between the messaging channel and the agent
// engine: it routes operator input, drives the permission gate's prompts,
// and executes tasks through the scheduler.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/gate"
	"courier/internal/pending"
	"courier/internal/scheduler"
	"courier/internal/session"
	"courier/internal/storage"
	"courier/internal/transport"
	"courier/pkg/channel"
	"courier/pkg/logger"
)

// ExitRestart is the process exit code that asks the launcher to restart
// courier. Any other non-zero exit is treated as a crash.
const ExitRestart = 82

// Controller owns the collaborators and implements both the inbound event
// handler and the gate's Notifier.
type Controller struct {
	cfg      *config.Config
	ch       channel.Channel
	gate     *gate.Gate
	reg      *pending.Registry
	sched    *scheduler.Scheduler
	sessions *session.Store
	eng      engine.Engine
	monitor  *transport.Monitor
	runs     *storage.RunStore
	plans    *gate.PlanTracker

	mu     sync.Mutex
	chatID int64

	// pendingMedia is the uploaded file waiting for its caption text.
	pendingMedia string

	// qRequestID and qOptions back the option-index button tokens of the
	// open question prompt.
	qRequestID string
	qOptions   []string

	exitCh chan int
}

// Options carries the collaborators the controller wires together. Runs and
// Plans may be nil.
type Options struct {
	Config   *config.Config
	Channel  channel.Channel
	Registry *pending.Registry
	Sessions *session.Store
	Engine   engine.Engine
	Monitor  *transport.Monitor
	Runs     *storage.RunStore
	Audit    *gate.AuditLog
	Plans    *gate.PlanTracker
}

// New builds the controller, the gate, and the scheduler, and registers the
// cancellation hook that tears down open round-trips.
func New(base context.Context, opts Options) *Controller {
	c := &Controller{
		cfg:      opts.Config,
		ch:       opts.Channel,
		reg:      opts.Registry,
		sessions: opts.Sessions,
		eng:      opts.Engine,
		monitor:  opts.Monitor,
		runs:     opts.Runs,
		plans:    opts.Plans,
		exitCh:   make(chan int, 1),
	}

	c.gate = gate.New(opts.Registry, c, opts.Audit, opts.Plans, opts.Config.Gate.PlanRecency)
	c.sched = scheduler.New(base, c.runTask)
	c.sched.SetCancelHook(func() {
		c.reg.RejectTask(pending.ErrCancelled)
	})

	return c
}

// Exit delivers the requested process exit code once the operator asks for a
// shutdown or restart.
func (c *Controller) Exit() <-chan int {
	return c.exitCh
}

// Gate exposes the permission gate, mainly for status reporting and tests.
func (c *Controller) Gate() *gate.Gate {
	return c.gate
}

func (c *Controller) requestExit(code int) {
	select {
	case c.exitCh <- code:
	default:
	}
}

func (c *Controller) setChat(chatID int64) {
	c.mu.Lock()
	c.chatID = chatID
	c.mu.Unlock()
}

func (c *Controller) chat() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// HandleEvent is the channel's inbound handler. Events from anyone but the
// authorized operator are dropped, except that /start with no operator
// configured reveals the sender's ID to ease setup.
func (c *Controller) HandleEvent(ctx context.Context, ev channel.InboundEvent) {
	authorized := c.cfg.Telegram.AuthorizedUserID

	if authorized == 0 {
		if strings.HasPrefix(ev.Text, "/start") {
			c.send(ctx, ev.ChatID, fmt.Sprintf(
				"No operator is configured yet.\nYour user ID is %d. Set telegram.authorized_user_id and restart.",
				ev.SenderID))
		}
		return
	}
	if ev.SenderID != authorized {
		logger.Warn().Int64("sender", ev.SenderID).Msg("dropping message from unauthorized sender")
		return
	}

	c.setChat(ev.ChatID)

	switch {
	case ev.IsButton():
		c.handleButton(ctx, ev)
	case ev.IsMedia():
		c.handleMedia(ctx, ev)
	case strings.HasPrefix(ev.Text, "/"):
		c.handleCommand(ctx, ev)
	default:
		c.routeText(ctx, ev.ChatID, ev.Text)
	}
}

// routeText dispatches free text by the open-round-trip precedence: a text
// continuation first, then an agent question, then a waiting photo caption.
// With nothing open it is a task submission.
func (c *Controller) routeText(ctx context.Context, chatID int64, text string) {
	if c.reg.Resolve(pending.KindTextContinuation, pending.Answer{Text: text}) {
		return
	}
	if c.reg.Resolve(pending.KindUserQuestion, pending.Answer{Approved: true, Text: text}) {
		return
	}
	if c.reg.Resolve(pending.KindPhotoCaption, pending.Answer{Text: text}) {
		c.mu.Lock()
		media := c.pendingMedia
		c.pendingMedia = ""
		c.mu.Unlock()
		if media != "" {
			text = fmt.Sprintf("%s\n\n[attached file: %s]", text, media)
		}
		c.submit(ctx, chatID, text)
		return
	}
	c.submit(ctx, chatID, text)
}

// submit hands a prompt to the scheduler, holding it instead when no
// permission mode has been chosen yet.
func (c *Controller) submit(ctx context.Context, chatID int64, prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}

	if c.gate.Mode() == gate.ModeUnset {
		c.gate.Hold(prompt)
		c.sendButtons(ctx, chatID,
			"Choose a permission mode before I start:",
			[][]channel.Button{channel.Row(
				channel.Button{Label: "Safe (approve each tool)", Data: "mode:safe"},
				channel.Button{Label: "Allow all", Data: "mode:allow"},
			)})
		return
	}

	res := c.sched.Submit(chatID, prompt)
	if res.Started {
		return
	}
	c.send(ctx, chatID, fmt.Sprintf("Task queued at position %d.", res.QueuedAt))
}

// handleMedia pairs an uploaded file with its instruction text. A caption
// supplied with the upload completes the pair immediately; otherwise the
// text is collected via a pending request.
func (c *Controller) handleMedia(ctx context.Context, ev channel.InboundEvent) {
	if ev.Caption != "" {
		prompt := fmt.Sprintf("%s\n\n[attached file: %s]", ev.Caption, ev.MediaPath)
		c.submit(ctx, ev.ChatID, prompt)
		return
	}

	c.mu.Lock()
	c.pendingMedia = ev.MediaPath
	c.mu.Unlock()

	c.reg.Open(pending.KindPhotoCaption, ev.MediaPath)
	c.send(ctx, ev.ChatID, "Got the file. What should I do with it?")
}

// handleButton decodes a button token and routes it. Tokens carrying a
// request ID only resolve the request they were issued for; a press on an
// outdated keyboard is a no-op.
func (c *Controller) handleButton(ctx context.Context, ev channel.InboundEvent) {
	parts := strings.SplitN(ev.ButtonData, ":", 3)

	switch parts[0] {
	case "mode":
		if len(parts) < 2 {
			return
		}
		c.applyMode(ctx, ev.ChatID, parts[1])

	case "tool":
		if len(parts) < 3 {
			return
		}
		approved := parts[1] == "allow"
		if !c.reg.ResolveID(pending.KindToolApproval, parts[2], pending.Answer{Approved: approved}) {
			logger.Debug().Str("token", ev.ButtonData).Msg("stale tool approval press ignored")
		}

	case "plan":
		if len(parts) < 3 {
			return
		}
		approved := parts[1] == "approve"
		if !c.reg.ResolveID(pending.KindPlanApproval, parts[2], pending.Answer{Approved: approved}) {
			logger.Debug().Str("token", ev.ButtonData).Msg("stale plan approval press ignored")
		}

	case "fb":
		if len(parts) < 3 {
			return
		}
		c.reg.ResolveID(pending.KindTextContinuation, parts[2], pending.Answer{})

	case "q":
		if len(parts) < 3 {
			return
		}
		label, ok := c.questionOption(parts[1], parts[2])
		if !ok {
			logger.Debug().Str("token", ev.ButtonData).Msg("stale question press ignored")
			return
		}
		if !c.reg.ResolveID(pending.KindUserQuestion, parts[1], pending.Answer{Approved: true, Text: label}) {
			logger.Debug().Str("token", ev.ButtonData).Msg("stale question press ignored")
		}

	case "resume":
		if len(parts) < 2 {
			return
		}
		c.sessions.Resume(parts[1])
		c.send(ctx, ev.ChatID, "Session bound. Your next message continues that conversation.")
	}
}

// applyMode records the mode choice and replays the held first message
// through the normal submission path.
func (c *Controller) applyMode(ctx context.Context, chatID int64, name string) {
	var m gate.Mode
	switch name {
	case "safe":
		m = gate.ModeSafe
	case "allow":
		m = gate.ModeAllowAll
	default:
		return
	}

	held, ok := c.gate.SetMode(m)
	c.send(ctx, chatID, fmt.Sprintf("Permission mode set to %s.", m))
	if ok {
		c.submit(ctx, chatID, held)
	}
}

// questionOption maps an option-index button token back to its label,
// checking the token was issued for the currently tracked question.
func (c *Controller) questionOption(requestID, rawIndex string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if requestID != c.qRequestID {
		return "", false
	}
	var idx int
	if _, err := fmt.Sscanf(rawIndex, "%d", &idx); err != nil {
		return "", false
	}
	if idx < 0 || idx >= len(c.qOptions) {
		return "", false
	}
	return c.qOptions[idx], true
}

// NotifyOnline tells the operator the transport recovered after an outage.
// It is quiet until a first message has established the chat.
func (c *Controller) NotifyOnline() {
	chatID := c.chat()
	if chatID == 0 {
		return
	}
	c.send(context.Background(), chatID, "Transport is back online.")
}

// send delivers text, feeding the transport monitor on either outcome.
func (c *Controller) send(ctx context.Context, chatID int64, text string) {
	if _, err := c.ch.Send(ctx, chatID, text, nil); err != nil {
		logger.Warn().Err(err).Msg("send to operator")
		return
	}
	c.monitor.RecordSuccess()
}

func (c *Controller) sendButtons(ctx context.Context, chatID int64, text string, rows [][]channel.Button) error {
	_, err := c.ch.Send(ctx, chatID, text, &channel.SendOptions{Buttons: rows, Plain: true})
	if err != nil {
		logger.Warn().Err(err).Msg("send prompt to operator")
		return err
	}
	c.monitor.RecordSuccess()
	return nil
}
