package pipeline

import "testing"

func TestEvaluateCondition_BooleanLiterals(t *testing.T) {
	if !EvaluateCondition("true", nil) {
		t.Error("expected literal true to evaluate true")
	}
	if EvaluateCondition("false", nil) {
		t.Error("expected literal false to evaluate false")
	}
	if !EvaluateCondition("", nil) {
		t.Error("expected an empty condition to default true")
	}
}

func TestEvaluateCondition_NumericComparison(t *testing.T) {
	ctx := map[string]interface{}{"attempts": 3}
	if !EvaluateCondition("${context.attempts} >= 3", ctx) {
		t.Error("expected 3 >= 3 to be true")
	}
	if EvaluateCondition("${context.attempts} > 3", ctx) {
		t.Error("expected 3 > 3 to be false")
	}
}

func TestEvaluateCondition_StringEquality(t *testing.T) {
	ctx := map[string]interface{}{"status": "ok"}
	if !EvaluateCondition(`${context.status} == "ok"`, ctx) {
		t.Error(`expected status == "ok" to be true`)
	}
	if !EvaluateCondition(`${context.status} != "failed"`, ctx) {
		t.Error(`expected status != "failed" to be true`)
	}
}

func TestEvaluateCondition_MissingPathIsFalsy(t *testing.T) {
	if EvaluateCondition("${context.missing} == \"x\"", map[string]interface{}{}) {
		t.Error("expected a missing context path to resolve falsy, not match")
	}
}

func TestEvaluateCondition_MalformedIsFalse(t *testing.T) {
	if EvaluateCondition("not a real expression !!", nil) {
		t.Error("expected malformed input to evaluate false rather than error")
	}
}
