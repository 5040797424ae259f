package session

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Transcript is a read-only record of a prior conversation found in the
// agent engine's transcript store.
type Transcript struct {
	// ID is the engine session identifier (the transcript file stem).
	ID string

	// Path is the transcript file location.
	Path string

	// LastModified is the transcript's last write time.
	LastModified time.Time

	// Preview is the most recent human-authored line, truncated.
	Preview string

	// IsActive means the transcript was written to moments ago: a session
	// is live right now, likely in a terminal elsewhere.
	IsActive bool
}

const (
	// activeWindow distinguishes "live right now" from "resumable".
	activeWindow = 2 * time.Minute

	// recentHorizon is how far back transcripts from other working
	// directories are still offered.
	recentHorizon = 24 * time.Hour

	// tailBytes bounds how much of a transcript is read for the preview.
	tailBytes = 16 * 1024

	previewLimit = 80
)

// FindResumable scans the transcript store for conversations started in
// workdir plus, within a recent horizon, conversations from other
// directories. Results are ordered most recent first.
func (s *Store) FindResumable(workdir string, limit int) []Transcript {
	s.mu.Lock()
	root := s.transcriptRoot
	s.mu.Unlock()
	if root == "" || limit <= 0 {
		return nil
	}

	projectDir := filepath.Join(root, encodeProjectDir(workdir))
	now := time.Now()

	var found []Transcript
	collect := func(dir string, requireRecent bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if requireRecent && now.Sub(info.ModTime()) > recentHorizon {
				continue
			}
			path := filepath.Join(dir, e.Name())
			found = append(found, Transcript{
				ID:           strings.TrimSuffix(e.Name(), ".jsonl"),
				Path:         path,
				LastModified: info.ModTime(),
				Preview:      transcriptPreview(path),
				IsActive:     now.Sub(info.ModTime()) <= activeWindow,
			})
		}
	}

	collect(projectDir, false)

	if dirs, err := os.ReadDir(root); err == nil {
		for _, d := range dirs {
			if !d.IsDir() || filepath.Join(root, d.Name()) == projectDir {
				continue
			}
			collect(filepath.Join(root, d.Name()), true)
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].LastModified.After(found[j].LastModified)
	})
	if len(found) > limit {
		found = found[:limit]
	}
	return found
}

// encodeProjectDir maps a working directory to the engine's per-project
// transcript directory name: every non-alphanumeric byte becomes a dash.
func encodeProjectDir(path string) string {
	var b strings.Builder
	for _, r := range path {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// transcriptLine is the subset of a transcript record needed for previews.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// transcriptPreview reads only a bounded tail of the transcript and returns
// the most recent human-authored line.
func transcriptPreview(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	offset := int64(0)
	if info.Size() > tailBytes {
		offset = info.Size() - tailBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var rec transcriptLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "user" {
			continue
		}
		if text := contentText(rec.Message.Content); text != "" {
			return truncate(text, previewLimit)
		}
	}
	return ""
}

// contentText extracts text from a message content field, which is either a
// plain string or an array of typed blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
				return strings.TrimSpace(b.Text)
			}
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
