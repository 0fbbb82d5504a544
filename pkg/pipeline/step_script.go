package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"skeenode/pkg/executor/runner"
)

type ScriptStepConfig struct {
	Script           string `json:"script"`
	ScriptPath       string `json:"scriptPath,omitempty"`
	Shell            string `json:"shell,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	TimeoutMs        int64  `json:"timeoutMs,omitempty"`
}

var shellRunner = runner.NewShellRunner()

// executeScript runs cfg.Script (or cfg.ScriptPath) under a shell. Per
// §9's security contract: inline Script content is never substituted —
// only ScriptPath resolves ${context.*} markers. Context scalars reach the
// script exclusively through PIPELINE_<UPPER(key)> environment variables.
func executeScript(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg ScriptStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	timeout := 5 * time.Minute
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	script := cfg.Script
	if cfg.ScriptPath != "" {
		script = Substitute(cfg.ScriptPath, rs.contextSnapshot())
	}
	if script == "" {
		return nil, fmt.Errorf("pipeline: script step has no script or scriptPath")
	}

	env := make([]string, 0, len(cfg.Env)+8)
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range rs.contextSnapshot() {
		if s, ok := scalarString(v); ok {
			env = append(env, fmt.Sprintf("PIPELINE_%s=%s", strings.ToUpper(k), s))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := shellRunner.RunWithOptions(runCtx, shell, []string{"-c", script}, runner.Options{
		Dir: cfg.WorkingDirectory,
		Env: env,
	})

	output := map[string]interface{}{
		"exitCode": result.ExitCode,
		"stdout":   result.Stdout,
		"stderr":   result.Stderr,
	}
	if result.ExitCode != 0 {
		return output, fmt.Errorf("pipeline: script exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return output, nil
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool, float64, int, int64:
		return stringify(t), true
	default:
		return "", false
	}
}
