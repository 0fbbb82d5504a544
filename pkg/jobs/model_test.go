package jobs

import "testing"

func TestProgressRecompute_ZeroTotalIsZeroPercent(t *testing.T) {
	p := Progress{Current: 5, Total: 0}
	p.Recompute()
	if p.Percentage != 0 {
		t.Errorf("expected 0%% with zero total, got %d", p.Percentage)
	}
}

func TestProgressRecompute_RoundsToNearest(t *testing.T) {
	p := Progress{Current: 1, Total: 3}
	p.Recompute()
	if p.Percentage != 33 {
		t.Errorf("expected 33%%, got %d", p.Percentage)
	}
}

func TestProgressRecompute_Complete(t *testing.T) {
	p := Progress{Current: 10, Total: 10}
	p.Recompute()
	if p.Percentage != 100 {
		t.Errorf("expected 100%%, got %d", p.Percentage)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []Status{StatusPending, StatusRunning, StatusPaused, StatusTimeout}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}
