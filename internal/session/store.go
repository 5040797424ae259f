// Package session tracks the working directory, language preference, and
// agent session token that frame a sequence of tasks, and discovers prior
// conversations that can be resumed.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultLanguage is used when no preference has been persisted.
const DefaultLanguage = "en"

// Store owns the session fields. The working directory and language are
// persisted; the session token is re-established each process start because
// the agent engine binds a session to the directory it was launched in.
type Store struct {
	mu         sync.Mutex
	statePath  string
	workingDir string
	language   string
	token      string

	// transcriptRoot is where the agent engine keeps its conversation
	// transcripts. Overridable for tests.
	transcriptRoot string
}

// New creates a store persisting to statePath and loads any existing record.
// Missing file, unknown keys, or a vanished working directory all fall back
// to defaults; loading is never fatal.
func New(statePath string) *Store {
	s := &Store{
		statePath: statePath,
		language:  DefaultLanguage,
	}
	if cwd, err := os.Getwd(); err == nil {
		s.workingDir = cwd
	} else {
		s.workingDir = string(filepath.Separator)
	}
	if home, err := os.UserHomeDir(); err == nil {
		s.transcriptRoot = filepath.Join(home, ".claude", "projects")
	}
	s.load()
	return s
}

// SetTranscriptRoot overrides the transcript store location.
func (s *Store) SetTranscriptRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptRoot = root
}

// load reads the persisted record key by key so a partially corrupt,
// hand-edited file degrades per field instead of wholesale.
func (s *Store) load() {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}

	if v, ok := raw["working_directory"]; ok {
		var dir string
		if err := json.Unmarshal(v, &dir); err == nil && dir != "" {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				s.workingDir = dir
			}
		}
	}

	if v, ok := raw["language"]; ok {
		var lang string
		if err := json.Unmarshal(v, &lang); err == nil && lang != "" {
			s.language = lang
		}
	}
}

type stateRecord struct {
	WorkingDirectory string `json:"working_directory"`
	Language         string `json:"language"`
}

// Save overwrites the persisted record with the current directory and
// language. The session token is deliberately not written.
func (s *Store) Save() error {
	s.mu.Lock()
	rec := stateRecord{WorkingDirectory: s.workingDir, Language: s.language}
	path := s.statePath
	s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// WorkingDirectory returns the current working directory.
func (s *Store) WorkingDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

// Language returns the persisted language preference.
func (s *Store) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// SetLanguage updates and persists the language preference.
func (s *Store) SetLanguage(lang string) error {
	s.mu.Lock()
	s.language = lang
	s.mu.Unlock()
	return s.Save()
}

// SetWorkingDirectory validates and switches the working directory. A
// changed directory nulls the session token: the next task starts a fresh
// engine session bound to the new directory.
func (s *Store) SetWorkingDirectory(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("directory does not exist: %s", abs)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", abs)
	}

	s.mu.Lock()
	if abs != s.workingDir {
		s.workingDir = abs
		s.token = ""
	}
	s.mu.Unlock()

	return s.Save()
}

// Token returns the active session token, empty when no session is bound.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken records the token issued by the agent engine for the running
// conversation.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Reset clears the session token so the next task starts a fresh
// conversation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// Resume binds the given prior conversation so the next task continues it.
func (s *Store) Resume(sessionID string) {
	s.SetToken(sessionID)
}

// ContainsPath reports whether target lies within base using a
// separator-bounded comparison, so /work-backup is not "inside" /work.
func ContainsPath(base, target string) bool {
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	if base == target {
		return true
	}
	return strings.HasPrefix(target, base+string(filepath.Separator))
}

// ResolveWithin resolves name against the working directory and rejects
// anything escaping it.
func (s *Store) ResolveWithin(name string) (string, error) {
	dir := s.WorkingDirectory()
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	path = filepath.Clean(path)
	if !ContainsPath(dir, path) {
		return "", fmt.Errorf("path escapes working directory: %s", name)
	}
	return path, nil
}
