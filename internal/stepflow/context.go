package stepflow

import (
	"fmt"
	"sync"
)

// StepContext is the append-only hand-off store each step writes its
// structured output into, generalized from a hard-coded set of phase-output
// types into an arbitrary string-keyed map per step, written at most once
// per traversal of that step (StepState.outputs' append-only invariant).
type StepContext struct {
	mu      sync.RWMutex
	outputs map[string]map[string]interface{}
	written map[string]bool
}

// NewStepContext creates an empty hand-off store.
func NewStepContext() *StepContext {
	return &StepContext{
		outputs: make(map[string]map[string]interface{}),
		written: make(map[string]bool),
	}
}

// Set records the output map for stepID. Per the append-only invariant,
// calling Set a second time for the same stepID within the same traversal
// is rejected; callers that re-enter a step (a repeat transition) must call
// Reset(stepID) first, which StepMachine does whenever it moves off a step.
func (c *StepContext) Set(stepID string, data map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.written[stepID] {
		return fmt.Errorf("stepflow: output for step %q already recorded this traversal", stepID)
	}

	merged := make(map[string]interface{}, len(data))
	for k, v := range data {
		merged[k] = v
	}
	c.outputs[stepID] = merged
	c.written[stepID] = true
	return nil
}

// Get reads a single hand-off value. ok is false if the step has no
// recorded output or the key is absent.
func (c *StepContext) Get(stepID, key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.outputs[stepID]
	if !ok {
		return nil, false
	}
	v, ok := data[key]
	return v, ok
}

// Reset clears the write-once guard for stepID so it may be re-traversed
// (e.g. after a repeat transition resets stepIteration). The previously
// recorded output is discarded.
func (c *StepContext) Reset(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outputs, stepID)
	delete(c.written, stepID)
}

// UVMapping describes how to project one hand-off value into a uv-<name>
// template variable: "x" with From "step.k" reads outputs[step][k].
type UVMapping struct {
	From string
}

// ToUV projects a mapping of variable name -> source into a prefix-named
// variable bag: key "x" with from "step.k" produces "uv-x" =
// String(outputs[step][k]).
func (c *StepContext) ToUV(mapping map[string]UVMapping) map[string]string {
	result := make(map[string]string, len(mapping))
	for name, m := range mapping {
		stepID, key, ok := splitStepDotKey(m.From)
		if !ok {
			continue
		}
		v, found := c.Get(stepID, key)
		if !found {
			continue
		}
		result["uv-"+name] = fmt.Sprintf("%v", v)
	}
	return result
}

// splitStepDotKey splits "step.key" into ("step", "key", true); returns
// false if there is no dot separator.
func splitStepDotKey(s string) (step, key string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
