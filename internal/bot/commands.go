package bot

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"courier/pkg/channel"
)

// readLimit caps how much of a file /read returns.
const readLimit = 1024 * 1024

// handleCommand routes a slash command.
func (c *Controller) handleCommand(ctx context.Context, ev channel.InboundEvent) {
	cmd, arg := splitCommand(ev.Text)

	switch cmd {
	case "/start":
		c.cmdStart(ctx, ev.ChatID)
	case "/new":
		c.cmdNew(ctx, ev.ChatID)
	case "/status":
		c.cmdStatus(ctx, ev.ChatID)
	case "/setdir":
		c.cmdSetDir(ctx, ev.ChatID, arg)
	case "/cancel":
		c.cmdCancel(ctx, ev.ChatID)
	case "/files":
		c.cmdFiles(ctx, ev.ChatID, arg)
	case "/read":
		c.cmdRead(ctx, ev.ChatID, arg)
	case "/resume":
		c.cmdResume(ctx, ev.ChatID)
	case "/lang":
		c.cmdLang(ctx, ev.ChatID, arg)
	case "/history":
		c.cmdHistory(ctx, ev.ChatID)
	case "/restart":
		c.send(ctx, ev.ChatID, "Restarting.")
		c.requestExit(ExitRestart)
	default:
		c.send(ctx, ev.ChatID, "Unknown command. Try /status.")
	}
}

func splitCommand(text string) (cmd, arg string) {
	fields := strings.SplitN(strings.TrimSpace(text), " ", 2)
	cmd = fields[0]
	// Strip the @botname suffix clients append in some contexts.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}
	return cmd, arg
}

func (c *Controller) cmdStart(ctx context.Context, chatID int64) {
	c.send(ctx, chatID, strings.Join([]string{
		"Ready. Send a message to start a task.",
		"",
		"/new       start a fresh conversation",
		"/status    show the current state",
		"/setdir    change the working directory",
		"/cancel    abort the running task",
		"/files     list files in the working directory",
		"/read      show a file",
		"/resume    continue a prior conversation",
		"/lang      set the response language",
		"/history   recent task history",
		"/restart   restart the bot process",
	}, "\n"))
}

// cmdNew drops the bound conversation and the chosen permission mode; the
// next message starts from scratch.
func (c *Controller) cmdNew(ctx context.Context, chatID int64) {
	c.sessions.Reset()
	c.gate.ResetMode()
	c.send(ctx, chatID, "Fresh conversation. You'll pick a permission mode with your next message.")
}

func (c *Controller) cmdStatus(ctx context.Context, chatID int64) {
	var b strings.Builder

	if c.sched.Running() {
		b.WriteString("A task is running.")
	} else {
		b.WriteString("Idle.")
	}
	if n := c.sched.QueueLen(); n > 0 {
		fmt.Fprintf(&b, " %d queued.", n)
	}

	fmt.Fprintf(&b, "\nMode: %s", c.gate.Mode())
	fmt.Fprintf(&b, "\nDirectory: %s", c.sessions.WorkingDirectory())

	if c.sessions.Token() != "" {
		b.WriteString("\nSession: bound (messages continue the conversation)")
	} else {
		b.WriteString("\nSession: none (next message starts fresh)")
	}

	if lang := c.sessions.Language(); lang != "" {
		fmt.Fprintf(&b, "\nLanguage: %s", lang)
	}
	fmt.Fprintf(&b, "\nTransport: %s", c.monitor.State())

	if kinds := c.reg.OpenKinds(); len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "\nWaiting on: %s", strings.Join(names, ", "))
	}

	c.send(ctx, chatID, b.String())
}

func (c *Controller) cmdSetDir(ctx context.Context, chatID int64, arg string) {
	if arg == "" {
		c.send(ctx, chatID, "Usage: /setdir <path>")
		return
	}
	if err := c.sessions.SetWorkingDirectory(arg); err != nil {
		c.send(ctx, chatID, fmt.Sprintf("Cannot switch directory: %v", err))
		return
	}
	c.send(ctx, chatID, fmt.Sprintf(
		"Working directory is now %s. The next task starts a fresh session there.",
		c.sessions.WorkingDirectory()))
}

func (c *Controller) cmdCancel(ctx context.Context, chatID int64) {
	if !c.sched.CancelCurrent() {
		c.send(ctx, chatID, "Nothing is running.")
		return
	}
	c.send(ctx, chatID, "Cancelling the current task.")
}

// cmdFiles lists a directory inside the working directory, directories
// first.
func (c *Controller) cmdFiles(ctx context.Context, chatID int64, arg string) {
	target := arg
	if target == "" {
		target = "."
	}
	path, err := c.sessions.ResolveWithin(target)
	if err != nil {
		c.send(ctx, chatID, err.Error())
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		c.send(ctx, chatID, fmt.Sprintf("Cannot list %s: %v", target, err))
		return
	}
	if len(entries) == 0 {
		c.send(ctx, chatID, "Empty directory.")
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	c.send(ctx, chatID, b.String())
}

// cmdRead sends a file's contents, bounded, and never follows a path
// outside the working directory.
func (c *Controller) cmdRead(ctx context.Context, chatID int64, arg string) {
	if arg == "" {
		c.send(ctx, chatID, "Usage: /read <path>")
		return
	}
	path, err := c.sessions.ResolveWithin(arg)
	if err != nil {
		c.send(ctx, chatID, err.Error())
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.send(ctx, chatID, fmt.Sprintf("Cannot read %s: %v", arg, err))
		return
	}
	if info.IsDir() {
		c.send(ctx, chatID, fmt.Sprintf("%s is a directory; use /files.", arg))
		return
	}
	if info.Size() > readLimit {
		c.send(ctx, chatID, fmt.Sprintf("%s is too large to show (%d bytes).", arg, info.Size()))
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.send(ctx, chatID, fmt.Sprintf("Cannot read %s: %v", arg, err))
		return
	}
	if len(data) == 0 {
		c.send(ctx, chatID, fmt.Sprintf("%s is empty.", arg))
		return
	}
	c.sendPlain(ctx, chatID, string(data))
}

// cmdResume offers recent prior conversations as resume buttons. A
// transcript written moments ago is flagged as live elsewhere.
func (c *Controller) cmdResume(ctx context.Context, chatID int64) {
	transcripts := c.sessions.FindResumable(c.sessions.WorkingDirectory(), 5)
	if len(transcripts) == 0 {
		c.send(ctx, chatID, "No resumable conversations found.")
		return
	}

	var b strings.Builder
	b.WriteString("Recent conversations:\n")
	var rows [][]channel.Button
	for i, tr := range transcripts {
		marker := ""
		if tr.IsActive {
			marker = " (active now)"
		}
		preview := tr.Preview
		if preview == "" {
			preview = "(no preview)"
		}
		fmt.Fprintf(&b, "\n%d. %s%s\n   %s", i+1, tr.LastModified.Format("Jan 2 15:04"), marker, preview)
		rows = append(rows, channel.Row(channel.Button{
			Label: fmt.Sprintf("Resume %d", i+1),
			Data:  "resume:" + tr.ID,
		}))
	}
	c.sendButtons(ctx, chatID, b.String(), rows)
}

func (c *Controller) cmdLang(ctx context.Context, chatID int64, arg string) {
	if arg == "" {
		c.send(ctx, chatID, fmt.Sprintf("Language is %s. Usage: /lang <code>", c.sessions.Language()))
		return
	}
	if err := c.sessions.SetLanguage(arg); err != nil {
		c.send(ctx, chatID, fmt.Sprintf("Cannot save language: %v", err))
		return
	}
	c.send(ctx, chatID, fmt.Sprintf("Responses will be in %s.", arg))
}

func (c *Controller) cmdHistory(ctx context.Context, chatID int64) {
	if c.runs == nil {
		c.send(ctx, chatID, "Run history is not enabled.")
		return
	}
	records, err := c.runs.Recent(10)
	if err != nil {
		c.send(ctx, chatID, fmt.Sprintf("Cannot load history: %v", err))
		return
	}
	if len(records) == 0 {
		c.send(ctx, chatID, "No runs recorded yet.")
		return
	}

	var b strings.Builder
	b.WriteString("Recent runs:\n")
	for _, rec := range records {
		prompt := rec.Prompt
		if r := []rune(prompt); len(r) > 60 {
			prompt = string(r[:59]) + "…"
		}
		fmt.Fprintf(&b, "\n[%s] %s\n   %s", rec.Status, rec.SubmittedAt.Format("Jan 2 15:04"), prompt)
	}
	c.send(ctx, chatID, b.String())
}

// sendPlain delivers text without rich formatting, for raw file contents.
func (c *Controller) sendPlain(ctx context.Context, chatID int64, text string) {
	if _, err := c.ch.Send(ctx, chatID, text, &channel.SendOptions{Plain: true}); err != nil {
		c.send(ctx, chatID, fmt.Sprintf("Could not deliver the file contents: %v", err))
	}
}
