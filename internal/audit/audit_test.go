package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskcore/internal/shared"
)

func readLines(t *testing.T, home string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(shared.WithTaskID(context.Background(), "task-1"), "trace-1")
	Record(ctx, Entry{Decision: DecisionDeny, Operation: "tool:shell.exec", Reason: "risk level critical is blocked", RiskLevel: "critical", PolicyVersion: "policy-abc"})
	Record(ctx, Entry{Decision: DecisionAllow, Operation: "tool:memory.read", Reason: "allowed", PolicyVersion: "policy-abc"})

	lines := readLines(t, home)
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" || first["operation"] != "tool:shell.exec" {
		t.Fatalf("unexpected entry: %#v", first)
	}
	if first["task_id"] != "task-1" || first["trace_id"] != "trace-1" {
		t.Fatalf("context ids not recorded: %#v", first)
	}
	if first["timestamp"] == nil || first["policy_version"] != "policy-abc" {
		t.Fatalf("expected timestamp and policy_version: %#v", first)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), Entry{Decision: DecisionRejected, Operation: "tool:http", Reason: "sent Bearer abcdef1234567890xyz"})
	lines := readLines(t, home)
	if strings.Contains(lines[len(lines)-1], "abcdef1234567890xyz") {
		t.Fatalf("secret leaked into audit log: %s", lines[len(lines)-1])
	}
}

func TestDenyCountCountsRejections(t *testing.T) {
	before := DenyCount()
	Record(context.Background(), Entry{Decision: DecisionDeny})
	Record(context.Background(), Entry{Decision: DecisionRejected})
	Record(context.Background(), Entry{Decision: DecisionApproved})
	if got := DenyCount() - before; got != 2 {
		t.Fatalf("deny delta = %d, want 2", got)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), Entry{Decision: DecisionAllow, Operation: "op1"})
	Record(context.Background(), Entry{Decision: DecisionDeny, Operation: "op2"})

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	Record(context.Background(), Entry{Decision: DecisionAllow, Operation: "op3"})

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, size before=%d after=%d", info1.Size(), info2.Size())
	}

	lines := readLines(t, home)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, want := range []string{"op1", "op2", "op3"} {
		var e map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if e["operation"] != want {
			t.Fatalf("line %d operation = %v, want %s", i, e["operation"], want)
		}
	}
}
