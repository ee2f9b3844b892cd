package stepflow

import (
	"fmt"
	"strings"
)

// ResolveDottedPath looks up a dotted path (e.g. "next_action.action")
// against an untyped JSON-like value tree (map[string]interface{} nodes,
// arbitrary leaves). It never relies on duck typing beyond a single type
// switch per path segment. ok is false if any segment is missing or the
// tree shape does not match the path.
func ResolveDottedPath(root map[string]interface{}, path string) (interface{}, bool) {
	if root == nil || path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var cur interface{} = root

	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}

	return cur, true
}

// GateResult is the outcome of extracting an intent and hand-off data from
// a turn's structured output.
type GateResult struct {
	Intent       string
	UsedFallback bool
	Handoff      map[string]interface{}
}

// Apply runs the structured gate against structuredOutput, returning the
// resolved intent (falling back to FallbackIntent when the field is
// missing or not allowed) and the requested hand-off fields.
//
// missing is true when the field was entirely absent (as opposed to
// present but disallowed) — AgentLoop/StepMachine use this to distinguish
// "no signal yet" (tolerated on iteration 1) from a malformed response.
func (g StructuredGateConfig) Apply(structuredOutput map[string]interface{}) (result GateResult, missing bool) {
	raw, found := ResolveDottedPath(structuredOutput, g.IntentField)

	intent := ""
	if found {
		intent, found = asString(raw)
	}

	if !found || !g.allows(intent) {
		missing = !found
		result.Intent = g.FallbackIntent
		result.UsedFallback = true
	} else {
		result.Intent = intent
	}

	if len(g.HandoffFields) > 0 {
		result.Handoff = make(map[string]interface{}, len(g.HandoffFields))
		for _, field := range g.HandoffFields {
			if v, ok := ResolveDottedPath(structuredOutput, field); ok {
				result.Handoff[field] = v
			}
		}
	}

	return result, missing
}

func asString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// ParseLineSignal extracts a `PREFIX: VALUE rest...` convention line from
// free text, generalizing a verdict-line parsing convention into a reusable
// fallback the StructuredSignal strategy can use when a turn carries no
// JSON structured output but does emit a recognizable text signal line.
func ParseLineSignal(text, prefix string) (value, rest string, found bool) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		remainder := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		fields := strings.Fields(remainder)
		if len(fields) == 0 {
			continue
		}
		return fields[0], strings.TrimSpace(strings.TrimPrefix(remainder, fields[0])), true
	}
	return "", "", false
}
