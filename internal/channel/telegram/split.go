package telegram

import (
	"fmt"
	"strings"
)

// MaxMessageLength is the Telegram per-message text limit.
const MaxMessageLength = 4096

// partReserve keeps room for the "[i/n] " marker on multi-part messages.
const partReserve = 16

// SplitText breaks text into chunks of at most limit runes, cutting on line
// boundaries where one exists past the midpoint, and prefixes each part of a
// multi-part message with its "[i/n]" marker.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	if text == "" {
		return []string{""}
	}

	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	effective := limit - partReserve
	var chunks []string
	remaining := runes

	for len(remaining) > 0 {
		if len(remaining) <= effective {
			chunks = append(chunks, string(remaining))
			break
		}

		cut := lastNewline(remaining, effective)
		if cut < effective/2 {
			cut = effective
		}

		chunks = append(chunks, string(remaining[:cut]))
		remaining = remaining[cut:]
		// Drop the newline the cut landed on so parts don't start blank.
		if len(remaining) > 0 && remaining[0] == '\n' {
			remaining = remaining[1:]
		}
	}

	for i := range chunks {
		chunks[i] = fmt.Sprintf("[%d/%d]\n%s", i+1, len(chunks), strings.TrimRight(chunks[i], "\n"))
	}
	return chunks
}

// lastNewline returns the index of the last newline at or before limit, or
// -1 when there is none.
func lastNewline(runes []rune, limit int) int {
	i := limit
	if i > len(runes)-1 {
		i = len(runes) - 1
	}
	for ; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}
