package prompt

import (
	"strings"

	"github.com/andywolf/stepflow-agent/internal/stepflow"
)

// FromRegistry builds a Resolver from a loaded StepsRegistry, registering
// every step's fallbackKey and its continuation-prefixed variant against
// the step's C3L coordinate (c1 taken from the first dot-separated segment
// of fallbackKey, matching stepflow.Machine's own "initial"->"continuation"
// substitution).
func FromRegistry(reg *stepflow.StepsRegistry) *Resolver {
	r := NewResolver(reg.UserPromptsBase)
	for _, step := range reg.Steps {
		c1, _, ok := splitFirstSegment(step.FallbackKey)
		if !ok {
			c1 = step.FallbackKey
		}
		r.Register(step.FallbackKey, c1, step.C2, step.C3, step.Edition, step.Adaptation)

		if strings.Contains(step.FallbackKey, "initial") {
			continuationKey := strings.Replace(step.FallbackKey, "initial", "continuation", 1)
			r.Register(continuationKey, "continuation", step.C2, step.C3, step.Edition, step.Adaptation)
		}
	}
	return r
}

func splitFirstSegment(s string) (first, rest string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
