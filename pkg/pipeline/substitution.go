package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var substitutionPattern = regexp.MustCompile(`\$\{context\.([a-zA-Z0-9_.]+)\}`)

// Substitute replaces every ${context.a.b.c} marker in s with the string
// form of the looked-up value; a missing path yields empty string, never an
// error. Strings with no markers are returned unchanged, so repeated calls
// are idempotent.
func Substitute(s string, context map[string]interface{}) string {
	if !strings.Contains(s, "${context.") {
		return s
	}
	return substitutionPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := substitutionPattern.FindStringSubmatch(match)[1]
		val, ok := lookupPath(context, path)
		if !ok {
			return ""
		}
		return stringify(val)
	})
}

// SubstituteDeep walks a JSONMap/slice/string tree and substitutes inside
// every string leaf, used for step configs like webhook headers/body.
func SubstituteDeep(v interface{}, context map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return Substitute(t, context)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = SubstituteDeep(val, context)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = SubstituteDeep(val, context)
		}
		return out
	default:
		return v
	}
}

func lookupPath(context map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = context
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int, int64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
