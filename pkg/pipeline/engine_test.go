package pipeline

import "testing"

func TestValidateDAG_AcceptsLinearChain(t *testing.T) {
	steps := []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}
	if err := validateDAG(steps); err != nil {
		t.Errorf("expected a valid chain to pass, got %v", err)
	}
}

func TestValidateDAG_RejectsDuplicateIDs(t *testing.T) {
	steps := []Step{{ID: "a"}, {ID: "a"}}
	if err := validateDAG(steps); err == nil {
		t.Error("expected duplicate step ids to be rejected")
	}
}

func TestValidateDAG_RejectsUnreachableDependency(t *testing.T) {
	steps := []Step{{ID: "a", DependsOn: []string{"ghost"}}}
	if err := validateDAG(steps); err == nil {
		t.Error("expected a dependency on an unknown step to be rejected")
	}
}

func TestValidateDAG_RejectsCycle(t *testing.T) {
	steps := []Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	if err := validateDAG(steps); err == nil {
		t.Error("expected a two-node cycle to be rejected")
	}
}

func TestValidateDAG_RejectsSelfCycle(t *testing.T) {
	steps := []Step{{ID: "a", DependsOn: []string{"a"}}}
	if err := validateDAG(steps); err == nil {
		t.Error("expected a self-dependency to be rejected")
	}
}

func TestValidateDAG_AllowsDiamond(t *testing.T) {
	steps := []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}
	if err := validateDAG(steps); err != nil {
		t.Errorf("expected a diamond-shaped DAG to pass, got %v", err)
	}
}
