package pipeline

import (
	"context"
	"fmt"
	"time"
)

type ApprovalStepConfig struct {
	Approvers   []string `json:"approvers"`
	MinApprovals int     `json:"minApprovals"`
	TimeoutMs   int64    `json:"timeoutMs"`
	OnTimeout   string   `json:"onTimeout"` // approve | reject | fail
}

// approvalKey identifies a pending approval handle.
type approvalKey struct {
	runID  string
	stepID string
}

// approvalHandle is the one-sender/one-receiver channel pair described in
// §9's re-architecture guidance for the approval-promise pattern: Submit is
// the sender (the approval API), executeApproval is the sole receiver.
type approvalHandle struct {
	decisions chan Approval
	cfg       ApprovalStepConfig
}

// SubmitApproval resolves the pending approval identified by (runID,
// stepID), if one is outstanding. Returns false if no step is currently
// awaiting approval there.
func (e *Engine) SubmitApproval(runID, stepID string, approval Approval) bool {
	e.approvalsMu.Lock()
	h, ok := e.approvals[approvalKey{runID, stepID}]
	e.approvalsMu.Unlock()
	if !ok {
		return false
	}
	select {
	case h.decisions <- approval:
		return true
	default:
		return false
	}
}

func (e *Engine) registerApproval(runID, stepID string, cfg ApprovalStepConfig) *approvalHandle {
	h := &approvalHandle{decisions: make(chan Approval, len(cfg.Approvers)+1), cfg: cfg}
	e.approvalsMu.Lock()
	e.approvals[approvalKey{runID, stepID}] = h
	e.approvalsMu.Unlock()
	return h
}

func (e *Engine) unregisterApproval(runID, stepID string) {
	e.approvalsMu.Lock()
	delete(e.approvals, approvalKey{runID, stepID})
	e.approvalsMu.Unlock()
}

// executeApproval blocks until minApprovals accumulate, a rejection
// arrives, the timeout elapses (dispatching onTimeout), or the run is
// cancelled (which rejects the handle immediately, per §4.4.4).
func executeApproval(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg ApprovalStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MinApprovals <= 0 {
		cfg.MinApprovals = 1
	}
	if cfg.OnTimeout == "" {
		cfg.OnTimeout = "fail"
	}

	handle := rs.engine.registerApproval(rs.run.ID.String(), step.ID, cfg)
	defer rs.engine.unregisterApproval(rs.run.ID.String(), step.ID)

	var timeoutC <-chan time.Time
	if cfg.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(cfg.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutC = timer.C
	}

	approvals := make([]Approval, 0, cfg.MinApprovals)
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("cancelled: Execution cancelled")
		case a := <-handle.decisions:
			approvals = append(approvals, a)
			if a.Decision == "rejected" {
				return map[string]interface{}{"approvals": approvals}, fmt.Errorf("approval rejected by %s", a.UserID)
			}
			if len(approvals) >= cfg.MinApprovals {
				return map[string]interface{}{"approvals": approvals}, nil
			}
		case <-timeoutC:
			switch cfg.OnTimeout {
			case "approve":
				return map[string]interface{}{"approvals": approvals, "onTimeout": "approve"}, nil
			case "reject":
				return map[string]interface{}{"approvals": approvals}, fmt.Errorf("approval timed out and was rejected")
			default:
				return map[string]interface{}{"approvals": approvals}, fmt.Errorf("approval timed out")
			}
		}
	}
}
