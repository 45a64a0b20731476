package workflow_test

import (
	"os"
	"path/filepath"
	"testing"

	"loom/pkg/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const researchPlanYAML = `key: research-and-write
description: fan research out, synthesize the findings
stages:
  - name: research
    parallel: true
    reducer: concat
    steps:
      - agent: web-researcher
        prompt: "Research this topic: {input}"
      - agent: archive-researcher
        prompt: "Search the archive for: {input}"
  - name: synthesis
    steps:
      - agent: writer
        prompt: "Write a report from these findings:\n{input}"
`

func TestParsePlan(t *testing.T) {
	p, err := workflow.ParsePlan([]byte(researchPlanYAML))
	require.NoError(t, err)

	assert.Equal(t, "research-and-write", p.Key)
	require.Len(t, p.Stages, 2)
	assert.True(t, p.Stages[0].Parallel)
	assert.Equal(t, workflow.ReduceConcat, p.Stages[0].Reducer)
	assert.Len(t, p.Stages[0].Steps, 2)
	assert.False(t, p.Stages[1].Parallel)
}

func TestParsePlanInvalidYAML(t *testing.T) {
	_, err := workflow.ParsePlan([]byte("key: [unterminated"))
	assert.Error(t, err)
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing key", "stages:\n  - name: a\n    steps:\n      - agent: x\n"},
		{"no stages", "key: k\n"},
		{"unnamed stage", "key: k\nstages:\n  - steps:\n      - agent: x\n"},
		{"duplicate stage name", "key: k\nstages:\n  - name: a\n    steps:\n      - agent: x\n  - name: a\n    steps:\n      - agent: y\n"},
		{"empty stage", "key: k\nstages:\n  - name: a\n    steps: []\n"},
		{"step without agent", "key: k\nstages:\n  - name: a\n    steps:\n      - prompt: p\n"},
		{"unknown reducer", "key: k\nstages:\n  - name: a\n    parallel: true\n    reducer: vote\n    steps:\n      - agent: x\n"},
		{"reducer on sequential stage", "key: k\nstages:\n  - name: a\n    reducer: concat\n    steps:\n      - agent: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := workflow.ParsePlan([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestStepInput(t *testing.T) {
	step := workflow.Step{Agent: "a", Prompt: "Summarize: {input}"}
	assert.Equal(t, "Summarize: the topic", step.Input("the topic"))

	passthrough := workflow.Step{Agent: "a"}
	assert.Equal(t, "the topic", passthrough.Input("the topic"))
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(researchPlanYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("key: [nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a plan"), 0o644))

	reg := workflow.NewRegistry()
	errs := reg.LoadDir(dir)

	// The broken plan is reported; the valid one still loads.
	assert.Len(t, errs, 1)
	assert.Equal(t, []string{"research-and-write"}, reg.Keys())

	p, ok := reg.Plan("research-and-write")
	require.True(t, ok)
	assert.Len(t, p.Stages, 2)

	_, ok = reg.Plan("missing")
	assert.False(t, ok)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := workflow.NewRegistry()

	first, err := workflow.ParsePlan([]byte(researchPlanYAML))
	require.NoError(t, err)
	reg.Register(first)

	second := *first
	second.Description = "updated"
	reg.Register(&second)

	got, ok := reg.Plan(first.Key)
	require.True(t, ok)
	assert.Equal(t, "updated", got.Description)
	assert.Len(t, reg.Keys(), 1)
}
