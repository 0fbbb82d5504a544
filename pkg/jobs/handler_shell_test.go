package jobs

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"skeenode/pkg/executor/runner"
)

type fakeRunner struct {
	result runner.Result
}

func (f fakeRunner) Run(ctx context.Context, cmd string, args []string) runner.Result {
	return f.result
}

type memArchiver struct {
	stored map[string][]byte
}

func (m *memArchiver) Store(ctx context.Context, executionID string, logs []byte) (string, error) {
	if m.stored == nil {
		m.stored = map[string][]byte{}
	}
	m.stored[executionID] = logs
	return "mem://" + executionID, nil
}

func (m *memArchiver) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	return m.stored[strings.TrimPrefix(reference, "mem://")], nil
}

func newTestExecutionContext(input JSONMap) *ExecutionContext {
	job := Job{ID: uuid.New(), Input: input}
	return newExecutionContext(context.Background(), job, nil, &cancelToken{})
}

func TestShellHandler_SmallOutputStaysInline(t *testing.T) {
	h := NewShellHandler(fakeRunner{result: runner.Result{ExitCode: 0, Stdout: "ok", Stderr: ""}}, &memArchiver{})
	ec := newTestExecutionContext(JSONMap{"command": "echo"})

	out, err := h.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["stdout"] != "ok" {
		t.Errorf("expected small stdout to stay inline, got %v", out["stdout"])
	}
	if _, ok := out["logReference"]; ok {
		t.Error("did not expect a logReference for small output")
	}
}

func TestShellHandler_OversizedOutputIsArchived(t *testing.T) {
	huge := strings.Repeat("x", archiveThresholdBytes+1)
	archiver := &memArchiver{}
	h := NewShellHandler(fakeRunner{result: runner.Result{ExitCode: 0, Stdout: huge}}, archiver)
	ec := newTestExecutionContext(JSONMap{"command": "dump"})

	out, err := h.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["stdout"] != "" {
		t.Error("expected oversized stdout to be cleared after archiving")
	}
	ref, ok := out["logReference"].(string)
	if !ok || ref == "" {
		t.Fatal("expected a logReference to be set")
	}
	if len(archiver.stored) != 1 {
		t.Fatalf("expected exactly one archived entry, got %d", len(archiver.stored))
	}
}

func TestShellHandler_Validate_RequiresCommand(t *testing.T) {
	h := NewShellHandler(fakeRunner{})
	res, err := h.Validate(context.Background(), JSONMap{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid {
		t.Error("expected missing command to fail validation")
	}
}
