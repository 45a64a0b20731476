package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"loom/pkg/admission"
	"loom/pkg/ledger"
	"loom/pkg/projector"
	"loom/pkg/protocol"
	"loom/pkg/runner"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config holds workflow Runner configuration.
type Config struct {
	HeartbeatEvery time.Duration // Lease heartbeat interval (default 15s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatEvery == 0 {
		out.HeartbeatEvery = 15 * time.Second
	}
	return out
}

// Runner executes workflow plans. Like the single-turn orchestrator, it
// requires the caller to hold an admission lease for the conversation and
// releases it when the run settles.
type Runner struct {
	cfg      Config
	store    *ledger.Store
	queue    *admission.Queue
	provider runner.Provider
	usage    runner.UsageRecorder
	runs     *runStore
}

// New creates a workflow Runner. usage may be nil.
func New(cfg Config, db *sql.DB, store *ledger.Store, queue *admission.Queue, provider runner.Provider, usage runner.UsageRecorder) *Runner {
	return &Runner{
		cfg:      cfg.withDefaults(),
		store:    store,
		queue:    queue,
		provider: provider,
		usage:    usage,
		runs:     newRunStore(db),
	}
}

// keepAlive refreshes the admission lease on a timer until the returned
// stop function is called. Stages and provider calls can outlive the
// lease timeout, so the cadence is wall-clock.
func (r *Runner) keepAlive(ctx context.Context, itemID int64) func() {
	detached := context.WithoutCancel(ctx)
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(r.cfg.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_ = r.queue.Heartbeat(detached, itemID)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Outcome summarizes a settled workflow run.
type Outcome struct {
	RunID       string
	Status      string
	FinalOutput string
	MessageID   string
	Usage       runner.Usage
}

// RunHandle is a handle on an in-flight workflow run. Consumers attach for
// live frames annotated with stage, parallel group, and branch index; Wait
// blocks until the run settles. Ledger persistence never depends on a
// consumer remaining attached.
type RunHandle struct {
	RunID string

	b    *runner.Broadcaster
	done chan struct{}

	mu      sync.Mutex
	outcome *Outcome
	err     error
}

// Attach adds a live consumer, replaying recent frames first.
func (h *RunHandle) Attach() *runner.Consumer {
	return h.b.Attach()
}

// Wait blocks until the run settles or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.err
}

func (h *RunHandle) settle(outcome *Outcome, err error) {
	h.mu.Lock()
	h.outcome = outcome
	h.err = err
	h.mu.Unlock()
	h.b.CloseAll()
	close(h.done)
}

// Execute runs a plan to completion for a leased queue item.
func (r *Runner) Execute(ctx context.Context, item *protocol.RunQueueItem, plan *Plan) (*Outcome, error) {
	return r.Start(ctx, item, plan).Wait(context.WithoutCancel(ctx))
}

// Start launches a plan in the background and returns a handle
// immediately. item must be in the running state.
func (r *Runner) Start(ctx context.Context, item *protocol.RunQueueItem, plan *Plan) *RunHandle {
	h := &RunHandle{b: runner.NewBroadcaster(), done: make(chan struct{})}
	go func() {
		outcome, err := r.execute(ctx, item, plan, h)
		h.settle(outcome, err)
	}()
	return h
}

func (r *Runner) execute(ctx context.Context, item *protocol.RunQueueItem, plan *Plan, h *RunHandle) (*Outcome, error) {
	if item.Status != protocol.RunRunning {
		return nil, fmt.Errorf("queue item %d is %s, not running", item.ID, item.Status)
	}
	stop := r.keepAlive(ctx, item.ID)
	defer stop()

	if err := plan.Validate(); err != nil {
		_ = r.queue.Fail(ctx, item.ID, err.Error())
		return nil, err
	}

	req, err := runner.DecodeTurnRequest(item.Payload)
	if err != nil {
		failErr := fmt.Errorf("decode turn payload: %w", err)
		_ = r.queue.Fail(ctx, item.ID, failErr.Error())
		return nil, failErr
	}

	run, err := r.runs.createRun(ctx, item.ConversationID, plan.Key)
	if err != nil {
		_ = r.queue.Fail(ctx, item.ID, err.Error())
		return nil, err
	}
	h.RunID = run.ID

	// Record the user side of the turn before any stage runs.
	userMsg, err := r.store.AppendMessage(ctx, item.ConversationID, protocol.RoleUser, req.Input, req.Attachments)
	if err != nil {
		return nil, r.fail(ctx, item, run, h, "", err)
	}
	userStream := uuid.NewString()
	userEv := protocol.Event{
		Kind:          protocol.KindUserMessage,
		StreamID:      userStream,
		Seq:           0,
		WorkflowRunID: run.ID,
		ItemID:        userMsg.ID,
		Payload:       req.Input,
	}
	if _, err := r.store.AppendEvents(ctx, item.ConversationID, []protocol.Event{userEv}); err != nil {
		return nil, r.fail(ctx, item, run, h, userStream, err)
	}

	input := req.Input
	var total runner.Usage

	for _, stage := range plan.Stages {
		var out string
		var usage runner.Usage
		var stageErr error
		if stage.Parallel {
			out, usage, stageErr = r.runParallelStage(ctx, item, run, h, stage, input)
		} else {
			out, usage, stageErr = r.runSequentialStage(ctx, item, run, h, stage, input)
		}
		if stageErr != nil {
			return nil, r.fail(ctx, item, run, h, userStream, stageErr)
		}
		total.Add(usage)
		input = out
	}

	// Final output becomes the assistant message, committed atomically
	// with the run's terminal event.
	doneStream := uuid.NewString()
	doneEv := protocol.Event{
		Kind:          protocol.KindDone,
		StreamID:      doneStream,
		Seq:           0,
		WorkflowRunID: run.ID,
		Payload:       fmt.Sprintf(`{"input_tokens":%d,"output_tokens":%d}`, total.InputTokens, total.OutputTokens),
	}
	msg, _, err := r.store.AppendTurn(ctx, item.ConversationID, ledger.Turn{
		Role:         protocol.RoleAssistant,
		Content:      input,
		InputTokens:  total.InputTokens,
		OutputTokens: total.OutputTokens,
		Events:       []protocol.Event{doneEv},
	})
	if err != nil {
		return nil, r.fail(ctx, item, run, h, userStream, err)
	}

	if err := r.runs.finishRun(ctx, run.ID, protocol.WorkflowCompleted, input, ""); err != nil {
		// The assistant message is committed; the lease still has to be
		// released rather than left for the reaper.
		return nil, r.fail(ctx, item, run, h, doneStream, err)
	}
	if r.usage != nil {
		r.usage.Record(context.WithoutCancel(ctx), runner.UsageSnapshot{
			ConversationID: item.ConversationID,
			WorkflowRunID:  run.ID,
			Usage:          total,
		})
	}
	if err := r.queue.Complete(ctx, item.ID); err != nil {
		return nil, fmt.Errorf("release admission: %w", err)
	}

	h.b.Publish(protocol.FrameFromEvent(doneEv))

	return &Outcome{
		RunID:       run.ID,
		Status:      protocol.WorkflowCompleted,
		FinalOutput: input,
		MessageID:   msg.ID,
		Usage:       total,
	}, nil
}

// fail lands a failing run: terminal error event, failed (or cancelled)
// run row, failed admission item. Step rows keep whatever terminal state
// they reached. Attached consumers receive the error frame before their
// channels close.
func (r *Runner) fail(ctx context.Context, item *protocol.RunQueueItem, run *protocol.WorkflowRun, h *RunHandle, streamID string, cause error) error {
	detached := context.WithoutCancel(ctx)

	status := protocol.WorkflowFailed
	if ctx.Err() != nil && !isBranchFailure(cause) {
		status = protocol.WorkflowCancelled
	}

	if streamID == "" {
		streamID = uuid.NewString()
	}
	errEv := protocol.Event{
		Kind:          protocol.KindError,
		StreamID:      streamID,
		Seq:           1,
		WorkflowRunID: run.ID,
		Payload:       cause.Error(),
	}
	_, _ = r.store.AppendEvents(detached, item.ConversationID, []protocol.Event{errEv})
	_ = r.runs.finishRun(detached, run.ID, status, "", cause.Error())
	_ = r.queue.Fail(detached, item.ID, cause.Error())
	h.b.Publish(protocol.FrameFromEvent(errEv))
	return cause
}

// branchError marks an error as coming from a failed branch rather than
// external cancellation, so a barrier abort is recorded as failed even
// though sibling branches observe a cancelled context.
type branchError struct {
	stage  string
	branch int
	err    error
}

func (e *branchError) Error() string {
	return fmt.Sprintf("stage %s branch %d: %v", e.stage, e.branch, e.err)
}

func (e *branchError) Unwrap() error { return e.err }

func isBranchFailure(err error) bool {
	var be *branchError
	return errors.As(err, &be)
}

// runSequentialStage runs steps strictly in order, each step's output
// feeding the next step's input.
func (r *Runner) runSequentialStage(ctx context.Context, item *protocol.RunQueueItem, run *protocol.WorkflowRun, h *RunHandle, stage Stage, input string) (string, runner.Usage, error) {
	var total runner.Usage
	for i, step := range stage.Steps {
		out, usage, err := r.runStep(ctx, item, run, h, stage.Name, "", i, step, input)
		if err != nil {
			return "", total, err
		}
		total.Add(usage)
		input = out
	}
	return input, total, nil
}

// runParallelStage fans every step out over the same input, joins on the
// barrier, and reduces the outputs in branch order. The first branch
// failure cancels the group context, aborts the barrier, and the reducer
// never runs.
func (r *Runner) runParallelStage(ctx context.Context, item *protocol.RunQueueItem, run *protocol.WorkflowRun, h *RunHandle, stage Stage, input string) (string, runner.Usage, error) {
	eg, gctx := errgroup.WithContext(ctx)
	outputs := make([]string, len(stage.Steps))
	usages := make([]runner.Usage, len(stage.Steps))

	for i, step := range stage.Steps {
		eg.Go(func() error {
			out, usage, err := r.runStep(gctx, item, run, h, stage.Name, stage.Name, i, step, input)
			if err != nil {
				return &branchError{stage: stage.Name, branch: i, err: err}
			}
			outputs[i] = out
			usages[i] = usage
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return "", runner.Usage{}, err
	}

	var total runner.Usage
	for _, u := range usages {
		total.Add(u)
	}
	out, err := reduce(stage.Reducer, outputs)
	if err != nil {
		return "", total, err
	}
	return out, total, nil
}

// runStep executes one step/branch: provider call, step row bookkeeping,
// and ledger persistence of the projected events, each annotated with the
// step's provenance. Events already produced are written even when a
// sibling branch has cancelled the group context.
func (r *Runner) runStep(ctx context.Context, item *protocol.RunQueueItem, run *protocol.WorkflowRun, h *RunHandle, stageName, parallelGroup string, branchIndex int, step Step, input string) (string, runner.Usage, error) {
	stepInput := step.Input(input)
	stepID, err := r.runs.startStep(ctx, run.ID, stageName, parallelGroup, branchIndex, step.Agent, stepInput)
	if err != nil {
		return "", runner.Usage{}, err
	}

	result, err := r.provider.Run(ctx, runner.RunRequest{
		AgentKey:       step.Agent,
		ConversationID: item.ConversationID,
		Input:          stepInput,
	})
	if err != nil {
		detached := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			_ = r.runs.cancelStep(detached, stepID)
		} else {
			_ = r.runs.failStep(detached, stepID, err.Error())
		}
		return "", runner.Usage{}, &protocol.UpstreamError{AgentKey: step.Agent, Err: err}
	}

	streamID := uuid.NewString()
	events := projector.ProjectAll(result.Items, streamID, 0)
	for i := range events {
		events[i].ResponseID = result.ResponseID
		events[i].AgentKey = step.Agent
		events[i].WorkflowRunID = run.ID
		events[i].StageName = stageName
		events[i].ParallelGroup = parallelGroup
		events[i].BranchIndex = branchIndex
	}

	detached := context.WithoutCancel(ctx)
	if _, err := r.store.AppendEvents(detached, item.ConversationID, events); err != nil {
		_ = r.runs.failStep(detached, stepID, err.Error())
		return "", runner.Usage{}, err
	}
	for _, ev := range events {
		h.b.Publish(protocol.FrameFromEvent(ev))
	}

	raw, err := json.Marshal(result.Items)
	if err != nil {
		raw = nil
	}
	if err := r.runs.completeStep(detached, stepID, result.Output, string(raw), result.Usage.InputTokens, result.Usage.OutputTokens); err != nil {
		return "", runner.Usage{}, err
	}
	return result.Output, result.Usage, nil
}
