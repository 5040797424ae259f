package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"courier/internal/config"
	"courier/pkg/logger"
)

// CLIEngine drives the agent CLI as a subprocess speaking stream-json on
// both stdin and stdout. Tool permissions arrive as control requests on the
// output stream and are answered inline on stdin.
type CLIEngine struct {
	binary    string
	extraArgs []string
	killGrace time.Duration
}

// NewCLIEngine creates an engine around the configured agent binary.
func NewCLIEngine(cfg config.AgentConfig) *CLIEngine {
	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &CLIEngine{binary: binary, extraArgs: cfg.ExtraArgs, killGrace: grace}
}

// streamLine is the union of records on the CLI's stream-json output.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`

	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// control_request fields
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype  string         `json:"subtype"`
		ToolName string         `json:"tool_name"`
		Input    map[string]any `json:"input"`
	} `json:"request"`

	// result fields
	Result     string  `json:"result"`
	IsError    bool    `json:"is_error"`
	NumTurns   int     `json:"num_turns"`
	DurationMS int64   `json:"duration_ms"`
	CostUSD    float64 `json:"total_cost_usd"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type controlResponse struct {
	Type     string                 `json:"type"`
	Response controlResponsePayload `json:"response"`
}

type controlResponsePayload struct {
	RequestID string         `json:"request_id"`
	Subtype   string         `json:"subtype"`
	Response  map[string]any `json:"response,omitempty"`
}

// Run spawns the CLI in req.WorkingDir and streams its events. The returned
// channel closes when the subprocess exits.
func (e *CLIEngine) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	args = append(args, e.extraArgs...)

	cmd := exec.Command(e.binary, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.binary, err)
	}

	logger.Debug().
		Str("binary", e.binary).
		Str("dir", req.WorkingDir).
		Str("resume", req.ResumeToken).
		Msg("agent subprocess started")

	// Cooperative cancellation: interrupt first, kill after the grace
	// period if the process lingers.
	procDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(os.Interrupt)
			select {
			case <-procDone:
			case <-time.After(e.killGrace):
				_ = cmd.Process.Kill()
			}
		case <-procDone:
		}
	}()

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer close(procDone)

		sawResult := e.pump(ctx, req, stdout, stdin, events)
		err := cmd.Wait()

		if ctx.Err() != nil {
			return
		}
		if err != nil && !sawResult {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = err.Error()
			}
			events <- Event{Type: EventError, Err: fmt.Errorf("%w: %s", ErrAgentFailed, detail)}
		}
	}()

	return events, nil
}

// pump decodes the output stream, emitting events and answering permission
// control requests inline. Tool decisions are strictly sequential: the
// stream does not advance while a round-trip is outstanding.
func (e *CLIEngine) pump(ctx context.Context, req RunRequest, out io.Reader, in io.WriteCloser, events chan<- Event) (sawResult bool) {
	defer in.Close()

	enc := json.NewEncoder(in)
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec streamLine
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Debug().Err(err).Msg("unparseable agent stream line")
			continue
		}

		switch rec.Type {
		case "system":
			if rec.Subtype == "init" && rec.SessionID != "" {
				events <- Event{Type: EventInit, SessionID: rec.SessionID}
			}

		case "assistant":
			for _, block := range rec.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						events <- Event{Type: EventText, Text: block.Text}
					}
				case "tool_use":
					events <- Event{Type: EventToolUse, ToolName: block.Name, ToolInput: block.Input}
				}
			}

		case "control_request":
			if rec.Request.Subtype != "can_use_tool" {
				continue
			}
			e.answerPermission(ctx, req, enc, rec)

		case "result":
			sawResult = true
			events <- Event{Type: EventResult, Result: &Result{
				IsError:    rec.IsError,
				Text:       rec.Result,
				NumTurns:   rec.NumTurns,
				DurationMS: rec.DurationMS,
				CostUSD:    rec.CostUSD,
			}}
		}
	}
	return sawResult
}

// answerPermission runs the permission callback and writes the control
// response. A callback error or cancellation denies the call.
func (e *CLIEngine) answerPermission(ctx context.Context, req RunRequest, enc *json.Encoder, rec streamLine) {
	var decision Decision
	var err error

	if req.Permission != nil {
		decision, err = req.Permission(ctx, rec.Request.ToolName, rec.Request.Input)
	} else {
		decision = Decision{Allow: true}
	}

	payload := map[string]any{}
	if err == nil && decision.Allow {
		payload["behavior"] = "allow"
		input := decision.UpdatedInput
		if input == nil {
			input = rec.Request.Input
		}
		payload["updatedInput"] = input
	} else {
		reason := decision.Reason
		if reason == "" && err != nil {
			reason = err.Error()
		}
		payload["behavior"] = "deny"
		payload["message"] = reason
	}

	resp := controlResponse{
		Type: "control_response",
		Response: controlResponsePayload{
			RequestID: rec.RequestID,
			Subtype:   "success",
			Response:  payload,
		},
	}
	if err := enc.Encode(resp); err != nil {
		logger.Warn().Err(err).Str("tool", rec.Request.ToolName).Msg("write control response")
	}
}
