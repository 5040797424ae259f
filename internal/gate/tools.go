package gate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool names with special handling.
const (
	toolAskUser   = "AskUserQuestion"
	toolEnterPlan = "EnterPlanMode"
	toolExitPlan  = "ExitPlanMode"
)

// readOnlyTools is the closed set of tools that never mutate anything and
// pass without a round-trip under Safe mode.
var readOnlyTools = map[string]bool{
	"Read":         true,
	"Glob":         true,
	"Grep":         true,
	"LS":           true,
	"NotebookRead": true,
	"WebFetch":     true,
	"WebSearch":    true,
	"TodoWrite":    true,
	"Task":         true,
}

// IsReadOnly reports whether the tool is in the read-only set.
func IsReadOnly(toolName string) bool {
	return readOnlyTools[toolName]
}

const detailLimit = 200

// DeriveDetail produces the short human-readable summary of a tool call
// shown on an approval prompt.
func DeriveDetail(toolName string, input map[string]any) string {
	switch toolName {
	case "Bash":
		if cmd := str(input, "command"); cmd != "" {
			return clip(cmd)
		}
	case "Read", "Edit", "Write", "NotebookEdit":
		if path := str(input, "file_path"); path != "" {
			return clip(path)
		}
	case "Glob", "Grep":
		detail := str(input, "pattern")
		if path := str(input, "path"); path != "" {
			detail = fmt.Sprintf("%s in %s", detail, path)
		}
		if detail != "" {
			return clip(detail)
		}
	case "WebFetch":
		if url := str(input, "url"); url != "" {
			return clip(url)
		}
	case "WebSearch":
		if q := str(input, "query"); q != "" {
			return clip(q)
		}
	}

	data, err := json.Marshal(input)
	if err != nil || len(data) == 0 {
		return toolName
	}
	return clip(string(data))
}

func str(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func clip(s string) string {
	runes := []rune(s)
	if len(runes) <= detailLimit {
		return s
	}
	return string(runes[:detailLimit-1]) + "…"
}
