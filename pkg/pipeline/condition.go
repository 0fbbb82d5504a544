package pipeline

import (
	"regexp"
	"strconv"
	"strings"
)

// conditionPattern recognizes the single restricted comparison the grammar
// allows: LHS OP RHS. Longer operators are listed before their prefixes so
// the alternation doesn't match "=" inside "==".
var conditionPattern = regexp.MustCompile(`^\s*(\S+)\s*(===|!==|==|!=|>=|<=|>|<)\s*(\S+)\s*$`)

// EvaluateCondition implements §4.4.3's grammar: boolean literals, or a
// single comparison between operands that are each one of
// true|false|null|number|quoted-string|${context.path}, with bare
// identifiers treated as ${context.<id>}. Malformed input is false, never
// an error — a guard step is never allowed to abort a run.
func EvaluateCondition(condition string, context map[string]interface{}) bool {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return true
	}
	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	}

	m := conditionPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return isTruthy(resolveOperand(trimmed, context))
	}
	lhs := resolveOperand(m[1], context)
	op := m[2]
	rhs := resolveOperand(m[3], context)
	return compare(lhs, op, rhs)
}

// resolveOperand parses a single grammar operand: true|false|null|number|
// quoted-string|${context.path}|bare-identifier (sugar for ${context.id}).
func resolveOperand(token string, context map[string]interface{}) interface{} {
	switch token {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) && len(token) >= 2 {
		return token[1 : len(token)-1]
	}
	if strings.HasPrefix(token, "'") && strings.HasSuffix(token, "'") && len(token) >= 2 {
		return token[1 : len(token)-1]
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n
	}
	if strings.HasPrefix(token, "${context.") && strings.HasSuffix(token, "}") {
		path := strings.TrimSuffix(strings.TrimPrefix(token, "${context."), "}")
		v, ok := lookupPath(context, path)
		if !ok {
			return ""
		}
		return v
	}
	// Bare identifier: sugar for ${context.<id>}.
	v, ok := lookupPath(context, token)
	if !ok {
		return ""
	}
	return v
}

func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	default:
		return true
	}
}

// compare implements the restricted operator set. == / === are treated
// identically (no implicit numeric coercion distinction is specified);
// ordering operators require both operands to parse as numbers and are
// false otherwise.
func compare(lhs interface{}, op string, rhs interface{}) bool {
	switch op {
	case "==", "===":
		return equalValues(lhs, rhs)
	case "!=", "!==":
		return !equalValues(lhs, rhs)
	case ">", ">=", "<", "<=":
		lf, lok := asFloat(lhs)
		rf, rok := asFloat(rhs)
		if !lok || !rok {
			return false
		}
		switch op {
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		}
	}
	return false
}

func equalValues(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return stringify(a) == stringify(b)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
