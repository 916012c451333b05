package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/task"
)

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// terminates tracked agent processes during simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := agent.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)

	if count := pm.Count(); count != 1 {
		t.Errorf("Expected 1 tracked process, got %d", count)
	}
	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}

	pm.Untrack(cmd)
	if count := pm.Count(); count != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", count)
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestReadTaskFile verifies YAML and JSON task files decode to the same
// submission.
func TestReadTaskFile(t *testing.T) {
	yamlDoc := `
id: wf-7
title: Publish release notes
priority: high
payload:
  version: "1.2.0"
steps:
  - name: draft
    intent: writing
  - name: review
    intent: review
    depends_on: [draft]
`
	jsonDoc := `{"id":"wf-7","title":"Publish release notes","priority":"high",
"payload":{"version":"1.2.0"},
"steps":[{"name":"draft","intent":"writing"},{"name":"review","intent":"review","depends_on":["draft"]}]}`

	for name, doc := range map[string]string{"yaml": yamlDoc, "json": jsonDoc} {
		t.Run(name, func(t *testing.T) {
			s, err := readTaskFile(strings.NewReader(doc))
			if err != nil {
				t.Fatalf("readTaskFile failed: %v", err)
			}
			if s.ID != "wf-7" || s.Title != "Publish release notes" || s.Priority != "high" {
				t.Errorf("Unexpected submission: %+v", s)
			}
			if string(s.Payload) != `{"version":"1.2.0"}` {
				t.Errorf("Payload = %s", s.Payload)
			}
			if len(s.Steps) != 2 || s.Steps[1].DependsOn[0] != "draft" {
				t.Errorf("Steps = %+v", s.Steps)
			}
		})
	}

	if _, err := readTaskFile(strings.NewReader("title: x\nurgent: true\n")); err == nil {
		t.Errorf("Expected unknown fields to be rejected")
	}
}

// TestNewLogger verifies level and format parsing.
func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Errorf("Unexpected record: %v", rec)
	}

	if _, err := newLogger("loud", "text", io.Discard); err == nil {
		t.Errorf("Expected an error for an unknown level")
	}
	if _, err := newLogger("info", "xml", io.Discard); err == nil {
		t.Errorf("Expected an error for an unknown format")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// TestSubmitAndInspect submits a task through the CLI with an echoing
// command agent and reads it back with the inspection commands.
func TestSubmitAndInspect(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgDoc := `
store:
  path: ` + filepath.Join(dir, "taskrouter.db") + `
agents:
  echo:
    capabilities: [billing]
    max_concurrent: 2
    command: cat
log:
  level: error
`
	if err := os.WriteFile(cfgPath, []byte(cfgDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	base := []string{"--config", cfgPath, "--global-config", filepath.Join(dir, "missing.yaml")}

	out, err := execute(t, append(base, "submit", "--id", "wf-cli", "--title", "refund invoice payment", "--wait")...)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	var view outcomeView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode outcome %q: %v", out, err)
	}
	if view.WorkflowID != "wf-cli" || view.Status != task.StatusCompleted || view.Output["action"] != "invoke" {
		t.Errorf("Unexpected outcome: %+v", view)
	}

	out, err = execute(t, append(base, "status", "wf-cli")...)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, `"status": "COMPLETED"`) {
		t.Errorf("status output missing COMPLETED:\n%s", out)
	}

	out, err = execute(t, append(base, "events", "wf-cli")...)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	for _, want := range []string{task.EventCreated, task.EventClassified, task.EventStepCompleted, "EXECUTING -> COMPLETED"} {
		if !strings.Contains(out, want) {
			t.Errorf("events output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, append(base, "replay", "wf-cli")...)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !strings.HasPrefix(out, "wf-cli: OK (COMPLETED") {
		t.Errorf("Unexpected replay output: %q", out)
	}

	if _, err := execute(t, append(base, "status", "missing")...); err == nil {
		t.Errorf("Expected an error for an unknown workflow")
	}
}

// TestSubmitWithoutWaitLeavesPending verifies a queued submission is stored
// for the next run.
func TestSubmitWithoutWaitLeavesPending(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	cfgDoc := `{"store":{"path":"` + filepath.Join(dir, "t.db") + `"},"log":{"level":"error"}}`
	if err := os.WriteFile(cfgPath, []byte(cfgDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	base := []string{"--config", cfgPath, "--global-config", filepath.Join(dir, "missing.yaml")}

	out, err := execute(t, append(base, "submit", "--title", "hello", "--priority", "low")...)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	var rc struct {
		WorkflowID string      `json:"workflow_id"`
		Status     task.Status `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &rc); err != nil {
		t.Fatalf("decode receipt %q: %v", out, err)
	}
	if rc.WorkflowID == "" || rc.Status != task.StatusPending {
		t.Errorf("Unexpected receipt: %+v", rc)
	}

	if _, err := execute(t, append(base, "submit", "--priority", "low")...); err == nil {
		t.Errorf("Expected an error for a task without title or payload")
	}
}

// TestVersion verifies the version command output.
func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "taskrouter version ") {
		t.Errorf("Unexpected output: %q", out)
	}
}
