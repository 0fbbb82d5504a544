package pipeline

import (
	"context"
	"fmt"
	"time"

	"skeenode/pkg/resilience"
)

// agentBreaker guards the external agent driver, shared across all
// agent_task steps — a flapping driver shouldn't be hammered run after run.
var agentBreaker = resilience.NewCircuitBreaker("agent_task_driver", resilience.DefaultCircuitBreakerConfig())

type AgentTaskStepConfig struct {
	Prompt            string `json:"prompt"`
	WorkingDirectory  string `json:"workingDirectory,omitempty"`
	SystemPrompt      string `json:"systemPrompt,omitempty"`
	TimeoutMs         int64  `json:"timeoutMs,omitempty"`
	MaxTokens         int    `json:"maxTokens,omitempty"`
	WaitForCompletion *bool  `json:"waitForCompletion,omitempty"`
}

// AgentResult is what an AgentDriver returns for a completed agent turn.
type AgentResult struct {
	AgentID   string      `json:"agentId"`
	MessageID string      `json:"messageId"`
	Status    string      `json:"status"`
	Output    interface{} `json:"output,omitempty"`
}

// AgentDriver is the external boundary for spawning an agent to carry out
// an agent_task step. The orchestration core owns scheduling and lifecycle
// only; the driver itself is out of scope (§1's external-systems boundary).
type AgentDriver interface {
	Submit(ctx context.Context, req AgentTaskStepConfig) (AgentResult, error)
	Wait(ctx context.Context, agentID, messageID string, timeout time.Duration) (AgentResult, error)
}

// executeAgentTask spawns an agent via the configured driver. With
// WaitForCompletion=false it returns the submission receipt immediately;
// otherwise it blocks (via the driver's own Wait) until the agent
// terminates.
func executeAgentTask(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg AgentTaskStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}
	if rs.engine.agentDriver == nil {
		return nil, fmt.Errorf("pipeline: agent_task requires a configured agent driver")
	}

	cfg.Prompt = Substitute(cfg.Prompt, rs.contextSnapshot())

	var submission AgentResult
	submitErr := agentBreaker.Execute(ctx, func() error {
		var err error
		submission, err = rs.engine.agentDriver.Submit(ctx, cfg)
		return err
	})
	if submitErr != nil {
		return nil, fmt.Errorf("pipeline: agent_task submit failed: %w", submitErr)
	}

	wait := cfg.WaitForCompletion == nil || *cfg.WaitForCompletion
	if !wait {
		return map[string]interface{}{"agentId": submission.AgentID, "messageId": submission.MessageID, "status": "submitted"}, nil
	}

	timeout := 5 * time.Minute
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	var final AgentResult
	waitErr := agentBreaker.Execute(ctx, func() error {
		var err error
		final, err = rs.engine.agentDriver.Wait(ctx, submission.AgentID, submission.MessageID, timeout)
		return err
	})
	if waitErr != nil {
		return nil, fmt.Errorf("pipeline: agent_task wait failed: %w", waitErr)
	}
	return map[string]interface{}{"agentId": final.AgentID, "messageId": final.MessageID, "status": final.Status, "output": final.Output}, nil
}
