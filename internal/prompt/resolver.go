// Package prompt implements the out-of-core prompt resolution the
// completion/step-flow core only ever sees through capability.PromptResolver:
// a coordinate-addressed file-layout lookup plus the system/mission prompt
// loader.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// coordinate is one step's file location: (c1, c2, c3, edition[, adaptation])
// under a shared base.
type coordinate struct {
	C1         string
	C2         string
	C3         string
	Edition    string
	Adaptation string
}

// Resolver implements capability.PromptResolver by looking a stepKey up in
// a table of C3L coordinates, reading the resolved file from disk, and
// substituting {{uv-<name>}}/{uv-<name>} placeholders. Resolver itself never
// appears outside this package: the core only depends on the interface.
type Resolver struct {
	base    string
	entries map[string]coordinate
}

// NewResolver constructs an empty Resolver rooted at userPromptsBase.
func NewResolver(userPromptsBase string) *Resolver {
	return &Resolver{base: userPromptsBase, entries: make(map[string]coordinate)}
}

// Register associates a stepKey with its C3L coordinate. Callers typically
// register both a step's fallbackKey and its continuation-prefixed variant
// (see stepflow.Machine's "initial"->"continuation" substitution) against
// the same coordinate, since both name the same underlying prompt family.
func (r *Resolver) Register(stepKey, c1, c2, c3, edition, adaptation string) {
	r.entries[stepKey] = coordinate{C1: c1, C2: c2, C3: c3, Edition: edition, Adaptation: adaptation}
}

// Resolve implements capability.PromptResolver. It returns an error if
// stepKey has no registered coordinate or the resolved file cannot be read;
// callers fall back to an inline prompt on either.
func (r *Resolver) Resolve(stepKey string, variables map[string]string) (string, error) {
	coord, ok := r.entries[stepKey]
	if !ok {
		return "", fmt.Errorf("prompt: no C3L coordinate registered for step key %q", stepKey)
	}

	path := coord.path(r.base)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt: read %s: %w", path, err)
	}

	return substitute(string(data), variables), nil
}

// path renders the coordinate-addressed file layout:
//
//	without adaptation: <base>/<c1>/<c2>/<c3>/f_<edition>.md
//	with adaptation:    <base>/<c1>/<c2>/<c3>/f_<edition>_<adaptation>.md
func (c coordinate) path(base string) string {
	filename := "f_" + c.Edition
	if c.Adaptation != "" {
		filename += "_" + c.Adaptation
	}
	filename += ".md"
	return filepath.Join(base, c.C1, c.C2, c.C3, filename)
}

// substitute replaces {{uv-<name>}} and {uv-<name>} occurrences with
// variables["uv-<name>"]. Unresolved placeholders are left verbatim rather
// than stripped.
func substitute(text string, variables map[string]string) string {
	for name, value := range variables {
		text = strings.ReplaceAll(text, "{{"+name+"}}", value)
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	return text
}
