package workflow_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loom/pkg/admission"
	"loom/pkg/ledger"
	"loom/pkg/protocol"
	"loom/pkg/runner"
	"loom/pkg/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider answers provider calls per agent key and records the
// order of invocations.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]string // agent -> output; missing agent fails
	inputs  map[string]string // agent -> last observed input
}

func newScriptedProvider(outputs map[string]string) *scriptedProvider {
	return &scriptedProvider{outputs: outputs, inputs: make(map[string]string)}
}

func (p *scriptedProvider) Run(_ context.Context, req runner.RunRequest) (*runner.RunResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.AgentKey)
	p.inputs[req.AgentKey] = req.Input
	out, ok := p.outputs[req.AgentKey]
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("agent %s is misconfigured", req.AgentKey)
	}
	return &runner.RunResult{
		ResponseID: "resp-" + req.AgentKey,
		Output:     out,
		Usage:      runner.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (p *scriptedProvider) RunStream(_ context.Context, _ runner.RunRequest) (<-chan runner.StreamEvent, error) {
	return nil, errors.New("not used in workflow tests")
}

func (p *scriptedProvider) called(agent string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c == agent {
			return true
		}
	}
	return false
}

func (p *scriptedProvider) inputOf(agent string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputs[agent]
}

type fixture struct {
	db    *sql.DB
	store *ledger.Store
	queue *admission.Queue
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := ledger.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, ledger.InitSchema(context.Background(), db))
	return &fixture{
		db:    db,
		store: ledger.NewStore(db, nil),
		queue: admission.New(db, admission.Config{}),
	}
}

func (f *fixture) leaseRun(t *testing.T, input string) (*protocol.Conversation, *protocol.RunQueueItem) {
	t.Helper()
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "tenant-1", "", "research-and-write")
	require.NoError(t, err)

	payload, err := runner.EncodeTurnRequest(runner.TurnRequest{Input: input})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, conv.ID, "tester", payload)
	require.NoError(t, err)
	item, err := f.queue.Lease(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, item)
	return conv, item
}

func (f *fixture) itemStatus(t *testing.T, itemID int64) protocol.RunStatus {
	t.Helper()
	item, err := f.queue.Item(context.Background(), itemID)
	require.NoError(t, err)
	return item.Status
}

func sequentialPlan() *workflow.Plan {
	return &workflow.Plan{
		Key: "draft-and-polish",
		Stages: []workflow.Stage{
			{Name: "draft", Steps: []workflow.Step{{Agent: "drafter", Prompt: "Draft: {input}"}}},
			{Name: "polish", Steps: []workflow.Step{{Agent: "editor", Prompt: "Polish: {input}"}}},
		},
	}
}

func researchPlan(reducer string) *workflow.Plan {
	return &workflow.Plan{
		Key: "research-and-write",
		Stages: []workflow.Stage{
			{
				Name:     "research",
				Parallel: true,
				Reducer:  reducer,
				Steps: []workflow.Step{
					{Agent: "web-researcher"},
					{Agent: "archive-researcher"},
				},
			},
			{Name: "synthesis", Steps: []workflow.Step{{Agent: "writer"}}},
		},
	}
}

func TestExecuteSequentialPipesOutputs(t *testing.T) {
	f := setupFixture(t)
	conv, item := f.leaseRun(t, "the topic")

	provider := newScriptedProvider(map[string]string{
		"drafter": "rough draft",
		"editor":  "polished report",
	})

	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, provider, nil)
	outcome, err := r.Execute(context.Background(), item, sequentialPlan())
	require.NoError(t, err)

	assert.Equal(t, protocol.WorkflowCompleted, outcome.Status)
	assert.Equal(t, "polished report", outcome.FinalOutput)
	assert.Equal(t, []string{"drafter", "editor"}, provider.calls)
	// Each step's prompt wraps the previous output.
	assert.Equal(t, "Draft: the topic", provider.inputOf("drafter"))
	assert.Equal(t, "Polish: rough draft", provider.inputOf("editor"))

	// The final output became the assistant message.
	query := ledger.NewQuery(f.db, nil)
	msgs, err := query.Transcript(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.RoleUser, msgs[0].Role)
	assert.Equal(t, "polished report", msgs[1].Content)

	// Run and step bookkeeping.
	run, steps, err := query.WorkflowRun(context.Background(), outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkflowCompleted, run.Status)
	require.Len(t, steps, 2)
	for _, st := range steps {
		assert.Equal(t, "completed", st.Status)
	}
	assert.Equal(t, int64(20), outcome.Usage.InputTokens)

	assert.Equal(t, protocol.RunCompleted, f.itemStatus(t, item.ID))
}

func TestExecuteParallelReducesInBranchOrder(t *testing.T) {
	f := setupFixture(t)
	_, item := f.leaseRun(t, "the topic")

	provider := newScriptedProvider(map[string]string{
		"web-researcher":     "web findings",
		"archive-researcher": "archive findings",
		"writer":             "final report",
	})

	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, provider, nil)
	outcome, err := r.Execute(context.Background(), item, researchPlan(workflow.ReduceConcat))
	require.NoError(t, err)

	assert.Equal(t, "final report", outcome.FinalOutput)
	// The reducer joined branch outputs in branch-index order, regardless
	// of which branch finished first, and fed the result to synthesis.
	assert.Equal(t, "web findings\n\narchive findings", provider.inputOf("writer"))

	query := ledger.NewQuery(f.db, nil)
	_, steps, err := query.WorkflowRun(context.Background(), outcome.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	branches := make(map[int]string)
	for _, st := range steps {
		if st.ParallelGroup == "research" {
			branches[st.BranchIndex] = st.AgentKey
		}
	}
	assert.Equal(t, map[int]string{0: "web-researcher", 1: "archive-researcher"}, branches)
}

func TestExecuteParallelJSONArrayReducer(t *testing.T) {
	f := setupFixture(t)
	_, item := f.leaseRun(t, "the topic")

	provider := newScriptedProvider(map[string]string{
		"web-researcher":     "alpha",
		"archive-researcher": "beta",
		"writer":             "done",
	})

	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, provider, nil)
	_, err := r.Execute(context.Background(), item, researchPlan(workflow.ReduceJSONArray))
	require.NoError(t, err)

	assert.Equal(t, `["alpha","beta"]`, provider.inputOf("writer"))
}

func TestExecuteBranchFailureAbortsBarrier(t *testing.T) {
	f := setupFixture(t)
	conv, item := f.leaseRun(t, "the topic")

	// archive-researcher has no scripted output and fails.
	provider := newScriptedProvider(map[string]string{
		"web-researcher": "web findings",
		"writer":         "never reached",
	})

	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, provider, nil)
	outcome, err := r.Execute(context.Background(), item, researchPlan(workflow.ReduceConcat))
	require.Error(t, err)
	assert.Nil(t, outcome)

	// The synthesis stage never ran.
	assert.False(t, provider.called("writer"), "synthesis must not run after a branch failure")

	// The run is failed, not cancelled: the abort came from inside.
	var runID string
	require.NoError(t, f.db.QueryRow(
		`SELECT id FROM workflow_runs WHERE conversation_id = ?`, conv.ID,
	).Scan(&runID))

	query := ledger.NewQuery(f.db, nil)
	run, steps, err := query.WorkflowRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkflowFailed, run.Status)
	assert.NotEmpty(t, run.Error)

	// Every started step reached a terminal status.
	for _, st := range steps {
		assert.Contains(t, []string{"completed", "failed", "cancelled"}, st.Status,
			"step %s/%d left in %s", st.StageName, st.BranchIndex, st.Status)
	}

	// No assistant message was committed.
	msgs, err := query.Transcript(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.RoleUser, msgs[0].Role)

	assert.Equal(t, protocol.RunFailed, f.itemStatus(t, item.ID))
}

func TestExecuteEventsCarryProvenance(t *testing.T) {
	f := setupFixture(t)
	conv, item := f.leaseRun(t, "the topic")

	provider := newScriptedProvider(map[string]string{
		"web-researcher":     "web findings",
		"archive-researcher": "archive findings",
		"writer":             "final report",
	})

	// Make the provider return items so steps produce ledger events.
	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, &itemEmittingProvider{inner: provider}, nil)
	outcome, err := r.Execute(context.Background(), item, researchPlan(workflow.ReduceConcat))
	require.NoError(t, err)

	rows, err := f.db.Query(
		`SELECT kind, workflow_run_id, stage_name, parallel_group, branch_index
		 FROM events WHERE conversation_id = ? AND stage_name != '' ORDER BY id`, conv.ID,
	)
	require.NoError(t, err)
	defer rows.Close()

	type provenance struct {
		kind, runID, stage, group string
		branch                    int
	}
	var evs []provenance
	for rows.Next() {
		var p provenance
		require.NoError(t, rows.Scan(&p.kind, &p.runID, &p.stage, &p.group, &p.branch))
		evs = append(evs, p)
	}
	require.NoError(t, rows.Err())
	require.NotEmpty(t, evs)

	for _, p := range evs {
		assert.Equal(t, outcome.RunID, p.runID)
		switch p.stage {
		case "research":
			assert.Equal(t, "research", p.group)
			assert.Contains(t, []int{0, 1}, p.branch)
		case "synthesis":
			assert.Equal(t, "", p.group)
			assert.Equal(t, 0, p.branch)
		default:
			t.Errorf("unexpected stage %q on event", p.stage)
		}
	}
}

// itemEmittingProvider wraps a scriptedProvider and attaches one raw item
// to every result so the projector has something to persist.
type itemEmittingProvider struct {
	inner *scriptedProvider
}

func (p *itemEmittingProvider) Run(ctx context.Context, req runner.RunRequest) (*runner.RunResult, error) {
	res, err := p.inner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Items = []json.RawMessage{json.RawMessage(fmt.Sprintf(
		`{"type":"message","role":"assistant","content":%q}`, res.Output,
	))}
	return res, nil
}

func (p *itemEmittingProvider) RunStream(ctx context.Context, req runner.RunRequest) (<-chan runner.StreamEvent, error) {
	return p.inner.RunStream(ctx, req)
}

func TestExecuteInvalidPlanFailsFast(t *testing.T) {
	f := setupFixture(t)
	_, item := f.leaseRun(t, "the topic")

	provider := newScriptedProvider(nil)
	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, provider, nil)

	bad := &workflow.Plan{Key: "", Stages: nil}
	_, err := r.Execute(context.Background(), item, bad)
	require.Error(t, err)
	assert.Empty(t, provider.calls)
	assert.Equal(t, protocol.RunFailed, f.itemStatus(t, item.ID))
}

func TestStartHandleStreamsFrames(t *testing.T) {
	f := setupFixture(t)
	_, item := f.leaseRun(t, "the topic")

	provider := newScriptedProvider(map[string]string{
		"drafter": "rough draft",
		"editor":  "polished report",
	})

	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, &itemEmittingProvider{inner: provider}, nil)
	h := r.Start(context.Background(), item, sequentialPlan())
	consumer := h.Attach()

	var kinds []protocol.EventKind
	for frame := range consumer.C {
		kinds = append(kinds, frame.Kind)
	}

	outcome, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkflowCompleted, outcome.Status)

	// One assistant item per step plus the terminal done frame.
	require.NotEmpty(t, kinds)
	assert.Equal(t, protocol.KindDone, kinds[len(kinds)-1])
}

// slowProvider delays each call before delegating.
type slowProvider struct {
	inner runner.Provider
	delay time.Duration
}

func (p *slowProvider) Run(ctx context.Context, req runner.RunRequest) (*runner.RunResult, error) {
	time.Sleep(p.delay)
	return p.inner.Run(ctx, req)
}

func (p *slowProvider) RunStream(ctx context.Context, req runner.RunRequest) (<-chan runner.StreamEvent, error) {
	return p.inner.RunStream(ctx, req)
}

func TestExecuteHeartbeatsDuringSlowSteps(t *testing.T) {
	f := setupFixture(t)
	provider := newScriptedProvider(map[string]string{"drafter": "a draft", "editor": "the final"})
	_, item := f.leaseRun(t, "the topic")

	_, err := f.db.Exec(`UPDATE run_queue SET heartbeat_at = '2000-01-01 00:00:00' WHERE id = ?`, item.ID)
	require.NoError(t, err)

	r := workflow.New(workflow.Config{HeartbeatEvery: time.Millisecond}, f.db, f.store, f.queue,
		&slowProvider{inner: provider, delay: 30 * time.Millisecond}, nil)
	_, err = r.Execute(context.Background(), item, sequentialPlan())
	require.NoError(t, err)

	var beat string
	require.NoError(t, f.db.QueryRow(`SELECT heartbeat_at FROM run_queue WHERE id = ?`, item.ID).Scan(&beat))
	assert.NotEqual(t, "2000-01-01 00:00:00", beat, "lease heartbeat never refreshed during stages")
}

func TestExecuteBranchFailureDeliversErrorFrame(t *testing.T) {
	f := setupFixture(t)
	// archive-researcher is missing, so its branch fails the barrier.
	provider := newScriptedProvider(map[string]string{"web-researcher": "web findings", "writer": "unused"})
	_, item := f.leaseRun(t, "the topic")

	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, provider, nil)
	h := r.Start(context.Background(), item, researchPlan("concat"))
	consumer := h.Attach()

	_, err := h.Wait(context.Background())
	require.Error(t, err)

	var last protocol.Frame
	n := 0
	for fr := range consumer.C {
		last = fr
		n++
	}
	require.NotZero(t, n, "consumer received no frames")
	assert.Equal(t, protocol.KindError, last.Kind)
}

func TestExecuteFinishFailureReleasesAdmission(t *testing.T) {
	f := setupFixture(t)
	provider := newScriptedProvider(map[string]string{"drafter": "a draft", "editor": "the final"})
	_, item := f.leaseRun(t, "the topic")

	// Refuse the completed transition so finishing the run errors after
	// the assistant message has committed.
	_, err := f.db.Exec(`CREATE TRIGGER refuse_completed BEFORE UPDATE ON workflow_runs
		WHEN NEW.status = 'completed'
		BEGIN SELECT RAISE(ABORT, 'refused'); END`)
	require.NoError(t, err)

	r := workflow.New(workflow.Config{}, f.db, f.store, f.queue, provider, nil)
	_, err = r.Execute(context.Background(), item, sequentialPlan())
	require.Error(t, err)

	assert.Equal(t, protocol.RunFailed, f.itemStatus(t, item.ID),
		"lease must be released, not left for the reaper")
}
