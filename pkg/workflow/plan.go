// Package workflow implements the multi-stage workflow runner: an ordered
// plan of sequential and parallel stages executed over the same provider,
// ledger, and admission primitives as single turns. Parallel stages fan out
// concurrent branches, join on a barrier, and reduce branch outputs into
// the next stage's input; the first branch failure aborts the barrier and
// the reducer never runs.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one agent invocation inside a stage.
type Step struct {
	Agent string `yaml:"agent"`
	// Prompt optionally wraps the stage input; "{input}" is replaced with
	// the incoming value. Empty means pass the input through untouched.
	Prompt string `yaml:"prompt,omitempty"`
}

// Input renders the step's provider input from the incoming value.
func (s Step) Input(incoming string) string {
	if s.Prompt == "" {
		return incoming
	}
	return strings.ReplaceAll(s.Prompt, "{input}", incoming)
}

// Reducer names for parallel stages.
const (
	ReduceConcat    = "concat"     // branch outputs joined by blank lines, branch order
	ReduceJSONArray = "json_array" // JSON array of branch outputs, branch order
	ReduceFirst     = "first"      // output of branch 0
)

// Stage is one phase of a plan. A sequential stage runs its steps strictly
// in order, piping each step's output into the next. A parallel stage runs
// every step concurrently over the same input and reduces the outputs.
type Stage struct {
	Name     string `yaml:"name"`
	Parallel bool   `yaml:"parallel,omitempty"`
	Reducer  string `yaml:"reducer,omitempty"` // parallel stages only; default concat
	Steps    []Step `yaml:"steps"`
}

// Plan is an ordered list of stages keyed by workflow name.
type Plan struct {
	Key         string  `yaml:"key"`
	Description string  `yaml:"description,omitempty"`
	Stages      []Stage `yaml:"stages"`
}

// Validate checks structural invariants: a key, at least one stage, every
// stage named and non-empty, reducers known and only on parallel stages.
func (p *Plan) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("plan missing key")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan %s has no stages", p.Key)
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("plan %s: stage %d has no name", p.Key, i)
		}
		if seen[st.Name] {
			return fmt.Errorf("plan %s: duplicate stage name %q", p.Key, st.Name)
		}
		seen[st.Name] = true
		if len(st.Steps) == 0 {
			return fmt.Errorf("plan %s: stage %s has no steps", p.Key, st.Name)
		}
		for j, step := range st.Steps {
			if step.Agent == "" {
				return fmt.Errorf("plan %s: stage %s step %d has no agent", p.Key, st.Name, j)
			}
		}
		switch st.Reducer {
		case "", ReduceConcat, ReduceJSONArray, ReduceFirst:
		default:
			return fmt.Errorf("plan %s: stage %s has unknown reducer %q", p.Key, st.Name, st.Reducer)
		}
		if st.Reducer != "" && !st.Parallel {
			return fmt.Errorf("plan %s: stage %s has a reducer but is not parallel", p.Key, st.Name)
		}
	}
	return nil
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPlan reads and parses a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied plan path
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	p, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// reduce combines branch outputs, ordered by branch index, into the value
// handed to the next stage.
func reduce(reducer string, outputs []string) (string, error) {
	switch reducer {
	case "", ReduceConcat:
		return strings.Join(outputs, "\n\n"), nil
	case ReduceJSONArray:
		data, err := json.Marshal(outputs)
		if err != nil {
			return "", fmt.Errorf("reduce json_array: %w", err)
		}
		return string(data), nil
	case ReduceFirst:
		if len(outputs) == 0 {
			return "", nil
		}
		return outputs[0], nil
	default:
		return "", fmt.Errorf("unknown reducer %q", reducer)
	}
}
