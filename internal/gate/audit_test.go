package gate

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditLog(t *testing.T) {
	t.Run("records are appended as JSON lines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.jsonl")
		log, err := NewAuditLog(path)
		if err != nil {
			t.Fatal(err)
		}
		defer log.Close()

		log.Record(AuditEntry{ToolName: "Bash", Detail: "go build", Mode: "safe", Decision: "allow"})
		log.Record(AuditEntry{ToolName: "Write", Mode: "safe", Decision: "deny", Reason: "Denied by the operator."})

		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()

		var entries []AuditEntry
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var e AuditEntry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				t.Fatalf("line not valid JSON: %v", err)
			}
			entries = append(entries, e)
		}

		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].ToolName != "Bash" || entries[0].Decision != "allow" {
			t.Errorf("entry 0 = %+v", entries[0])
		}
		if entries[1].Decision != "deny" || entries[1].Reason == "" {
			t.Errorf("entry 1 = %+v", entries[1])
		}
		if entries[0].Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	})

	t.Run("nil log is a safe no-op", func(t *testing.T) {
		var log *AuditLog
		log.Record(AuditEntry{ToolName: "Bash"})
		if err := log.Close(); err != nil {
			t.Errorf("nil close: %v", err)
		}
	})
}
