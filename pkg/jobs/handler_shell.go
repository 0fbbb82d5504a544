package jobs

import (
	"context"
	"fmt"

	"skeenode/pkg/executor/runner"
	"skeenode/pkg/storage/logstore"
)

// archiveThresholdBytes is the combined stdout+stderr size past which a
// shell job's output is moved out of Postgres and into the configured
// logstore.LogStore, leaving only a reference behind.
const archiveThresholdBytes = 64 * 1024

// ShellHandler runs a job's input as a shell command via runner.JobRunner —
// the same execution primitive the pipeline engine's script step uses, now
// wired as an installable Handler for job type "shell".
type ShellHandler struct {
	runner   runner.JobRunner
	archiver logstore.LogStore
}

// NewShellHandler wires a command runner and an optional log archiver. A
// nil archiver leaves large output inline in the job record.
func NewShellHandler(r runner.JobRunner, archiver ...logstore.LogStore) *ShellHandler {
	if r == nil {
		r = runner.NewShellRunner()
	}
	h := &ShellHandler{runner: r}
	if len(archiver) > 0 {
		h.archiver = archiver[0]
	}
	return h
}

func (h *ShellHandler) Validate(ctx context.Context, input JSONMap) (ValidationResult, error) {
	cmd, _ := input["command"].(string)
	if cmd == "" {
		return ValidationResult{Valid: false, Errors: []string{"input.command is required"}}, nil
	}
	return ValidationResult{Valid: true}, nil
}

func (h *ShellHandler) Execute(ctx context.Context, ec *ExecutionContext) (JSONMap, error) {
	input := ec.Input()
	command, _ := input["command"].(string)

	var args []string
	if raw, ok := input["args"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	ec.SetStage("running")
	result := h.runner.Run(ctx, command, args)

	output := JSONMap{
		"exitCode": result.ExitCode,
		"stdout":   result.Stdout,
		"stderr":   result.Stderr,
	}
	if h.archiver != nil && len(result.Stdout)+len(result.Stderr) > archiveThresholdBytes {
		combined := append([]byte(result.Stdout), []byte("\n---stderr---\n")...)
		combined = append(combined, []byte(result.Stderr)...)
		ref, err := h.archiver.Store(ctx, ec.Job().ID.String(), combined)
		if err != nil {
			ec.Log(LogWarn, "failed to archive oversized job output", JSONMap{"error": err.Error()})
		} else {
			output["stdout"] = ""
			output["stderr"] = ""
			output["logReference"] = ref
		}
	}
	if result.ExitCode != 0 {
		return output, fmt.Errorf("shell command exited %d: %s", result.ExitCode, result.Stderr)
	}
	return output, nil
}
