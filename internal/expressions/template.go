package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// placeholder matches {{path}} tokens. Paths are dot-delimited identifiers;
// numeric segments index into lists.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Resolve substitutes {{user.*}}, {{workflow.*}}, {{executionId}},
// {{trigger.data.*}} and {{steps.<id>.data.*}} tokens in template.
// Tokens whose path cannot be resolved are left verbatim; Resolve never fails.
func Resolve(template string, ec *schema.ExecutionContext) string {
	if ec == nil || !strings.Contains(template, "{{") {
		return template
	}

	var scope map[string]any
	return placeholder.ReplaceAllStringFunc(template, func(token string) string {
		if scope == nil {
			scope = ec.Scope()
		}
		path := placeholder.FindStringSubmatch(token)[1]
		val, ok := lookup(scope, path)
		if !ok {
			return token
		}
		rendered, ok := render(val)
		if !ok {
			return token
		}
		return rendered
	})
}

// ResolveObject walks maps and slices, resolving every string leaf.
// Non-string leaves (numbers, booleans, nil) are returned unchanged.
// The input is never mutated; containers are copied.
func ResolveObject(value any, ec *schema.ExecutionContext) any {
	switch v := value.(type) {
	case string:
		return Resolve(v, ec)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ResolveObject(item, ec)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = Resolve(item, ec)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ResolveObject(item, ec)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = Resolve(item, ec)
		}
		return out
	default:
		return value
	}
}

// ResolveConfig is ResolveObject specialised for step configs.
func ResolveConfig(config map[string]any, ec *schema.ExecutionContext) map[string]any {
	if config == nil {
		return map[string]any{}
	}
	return ResolveObject(config, ec).(map[string]any)
}

func lookup(scope map[string]any, path string) (any, bool) {
	var current any = scope
	for _, seg := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// render converts a resolved value into its inline text form.
func render(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), true
	case json.Number:
		return v.String(), true
	case time.Time:
		return v.Format(time.RFC3339Nano), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
