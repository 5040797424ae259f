package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is a single approval audit record.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	ToolName  string    `json:"tool_name"`
	Detail    string    `json:"detail,omitempty"`
	Mode      string    `json:"mode"`
	Decision  string    `json:"decision"` // "allow" or "deny"
	Reason    string    `json:"reason,omitempty"`
}

// AuditLog appends permission decisions to a JSON lines file. A nil AuditLog
// is a no-op, so the gate works with auditing disabled.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLog opens (or creates) the audit log at path.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: f}, nil
}

// Record appends one entry. Errors are swallowed; auditing never blocks a
// decision.
func (l *AuditLog) Record(entry AuditEntry) {
	if l == nil || l.file == nil {
		return
	}
	entry.Timestamp = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.Write(append(data, '\n'))
}

// Close closes the underlying file.
func (l *AuditLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
