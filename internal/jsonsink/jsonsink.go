// Package jsonsink accumulates the structured output go-sandbox emits
// at termination when --json is given (spec.md §6): a single map from
// string keys to JSON values, built up over the run and marshaled once
// at exit.
package jsonsink

import (
	"encoding/json"
	"fmt"
	"os"
)

// Sink is a process-wide accumulator for one invocation's JSON output.
type Sink struct {
	enabled bool
	data    map[string]any
}

// New returns a Sink. When enabled is false every method is a no-op
// and Emit writes nothing, matching the pretty-output default.
func New(enabled bool) *Sink {
	return &Sink{enabled: enabled, data: map[string]any{}}
}

func (s *Sink) Enabled() bool { return s != nil && s.enabled }

// Set records one top-level key (e.g. "changes", "deleted", "errors").
func (s *Sink) Set(key string, value any) {
	if !s.Enabled() {
		return
	}
	s.data[key] = value
}

// Success marks the run as having completed without error.
func (s *Sink) Success() {
	if !s.Enabled() {
		return
	}
	s.data["status"] = "success"
}

// Fail marks the run as having failed with err, recording its message
// under "error" (spec.md §6: "status" is "success" or "error").
func (s *Sink) Fail(err error) {
	if !s.Enabled() {
		return
	}
	s.data["status"] = "error"
	s.data["error"] = err.Error()
}

// Emit writes the accumulated JSON object to w. A no-op if the sink
// is disabled.
func (s *Sink) Emit(w *os.File) error {
	if !s.Enabled() {
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.data); err != nil {
		return fmt.Errorf("encode json output: %w", err)
	}
	return nil
}
