// Package engine defines the boundary to the coding agent that interprets
// prompts and requests tool actions, and implements it over the agent CLI.
package engine

import (
	"context"
	"errors"
)

// ErrAgentFailed wraps engine-reported task failures. The task ends and is
// surfaced to the operator; the queue continues.
var ErrAgentFailed = errors.New("agent task failed")

// EventType identifies a streamed engine event.
type EventType string

const (
	// EventInit reports the engine-issued session token for this run.
	EventInit EventType = "init"

	// EventText is a chunk of assistant prose.
	EventText EventType = "text"

	// EventToolUse reports a tool invocation the agent is performing. The
	// permission decision has already been made by the time it streams.
	EventToolUse EventType = "tool_use"

	// EventResult is the final outcome; always the last event of a run.
	EventResult EventType = "result"

	// EventError reports a run that died without a result.
	EventError EventType = "error"
)

// Result carries the final status and stats of a run.
type Result struct {
	IsError    bool
	Text       string
	NumTurns   int
	DurationMS int64
	CostUSD    float64
}

// Event is one element of the engine's streamed output.
type Event struct {
	Type      EventType
	SessionID string
	Text      string
	ToolName  string
	ToolInput map[string]any
	Result    *Result
	Err       error
}

// Decision is the outcome of a permission callback.
type Decision struct {
	Allow bool

	// UpdatedInput, when non-nil on an allow, replaces the tool input.
	UpdatedInput map[string]any

	// Reason accompanies a deny.
	Reason string
}

// PermissionFunc gates a tool invocation the agent wants to perform. It may
// suspend on a live operator round-trip; it must observe ctx so
// cancellation unblocks it.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any) (Decision, error)

// RunRequest describes one task execution.
type RunRequest struct {
	Prompt      string
	WorkingDir  string
	ResumeToken string
	Permission  PermissionFunc
}

// Engine runs prompts against the coding agent. Events arrive in emission
// order on the returned channel, which closes when the run ends.
type Engine interface {
	Run(ctx context.Context, req RunRequest) (<-chan Event, error)
}
