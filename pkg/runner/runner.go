// Package runner implements the single-turn run orchestrator: it drives one
// user turn through an agent provider and lands the outcome in the ledger.
// Callers must hold an admission lease for the conversation before starting
// a turn; the orchestrator releases it (complete or fail) when the turn
// settles. A turn either fully commits its assistant message or leaves no
// assistant message at all.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"loom/pkg/admission"
	"loom/pkg/ledger"
	"loom/pkg/projector"
	"loom/pkg/protocol"

	"github.com/google/uuid"
)

// Config holds Orchestrator configuration.
type Config struct {
	FlushEvery     int           // Events per mid-stream persistence batch (default 16).
	HeartbeatEvery time.Duration // Lease heartbeat interval (default 15s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FlushEvery == 0 {
		out.FlushEvery = 16
	}
	if out.HeartbeatEvery == 0 {
		out.HeartbeatEvery = 15 * time.Second
	}
	return out
}

// Orchestrator drives exactly one turn at a time per call. guardrail and
// usage may be nil; blobs may be nil when tools never produce files.
type Orchestrator struct {
	cfg       Config
	store     *ledger.Store
	queue     *admission.Queue
	blobs     ledger.ObjectStore
	provider  Provider
	guardrail Guardrail
	usage     UsageRecorder
}

// New creates an Orchestrator.
func New(cfg Config, store *ledger.Store, queue *admission.Queue, blobs ledger.ObjectStore, provider Provider, guardrail Guardrail, usage UsageRecorder) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     store,
		queue:     queue,
		blobs:     blobs,
		provider:  provider,
		guardrail: guardrail,
		usage:     usage,
	}
}

// TurnResult summarizes a committed turn.
type TurnResult struct {
	MessageID      string
	Position       int64
	ResponseID     string
	StreamID       string
	EventsInserted int
	Usage          Usage
}

// RunTurn executes one non-streaming turn for a leased queue item:
// user message in, provider call, assistant message plus projected events
// out, admission released. item must be in the running state.
func (o *Orchestrator) RunTurn(ctx context.Context, item *protocol.RunQueueItem) (*TurnResult, error) {
	req, streamID, seq, err := o.beginTurn(ctx, item)
	if err != nil {
		return nil, err
	}
	stop := o.keepAlive(ctx, item.ID)
	defer stop()

	result, err := o.provider.Run(ctx, RunRequest{
		AgentKey:       req.AgentKey,
		ConversationID: item.ConversationID,
		SessionID:      req.SessionID,
		Input:          req.Input,
		Options:        req.Options,
	})
	if err != nil {
		up := &protocol.UpstreamError{AgentKey: req.AgentKey, Err: err}
		o.abortTurn(ctx, item, req, streamID, seq, nil, up, nil)
		return nil, up
	}

	events := o.projectItems(result.Items, req, streamID, &seq, result.ResponseID)
	return o.commitTurn(ctx, item, req, streamID, seq, events, result, nil)
}

// keepAlive refreshes the admission lease on a timer until the returned
// stop function is called. The cadence is wall-clock so a provider call
// that outlives the lease timeout still heartbeats.
func (o *Orchestrator) keepAlive(ctx context.Context, itemID int64) func() {
	detached := context.WithoutCancel(ctx)
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(o.cfg.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_ = o.queue.Heartbeat(detached, itemID)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// beginTurn runs the input guardrail and records the user side of the
// turn: the message row plus its anchoring user_message event. Returns the
// decoded request, the turn's stream id, and the next sequence number.
func (o *Orchestrator) beginTurn(ctx context.Context, item *protocol.RunQueueItem) (TurnRequest, string, int64, error) {
	if item.Status != protocol.RunRunning {
		return TurnRequest{}, "", 0, fmt.Errorf("queue item %d is %s, not running", item.ID, item.Status)
	}

	req, err := DecodeTurnRequest(item.Payload)
	if err != nil {
		failErr := fmt.Errorf("decode turn payload: %w", err)
		_ = o.queue.Fail(ctx, item.ID, failErr.Error())
		return TurnRequest{}, "", 0, failErr
	}

	if o.guardrail != nil {
		verdict, err := o.guardrail.Check(ctx, GuardInput, req.Input)
		if err != nil {
			_ = o.queue.Fail(ctx, item.ID, fmt.Sprintf("input guardrail: %v", err))
			return TurnRequest{}, "", 0, fmt.Errorf("input guardrail: %w", err)
		}
		if !verdict.Allow {
			_ = o.queue.Fail(ctx, item.ID, fmt.Sprintf("input blocked: %s", verdict.Info))
			return TurnRequest{}, "", 0, fmt.Errorf("input blocked by guardrail: %s", verdict.Info)
		}
	}

	streamID := uuid.NewString()

	userMsg, err := o.store.AppendMessage(ctx, item.ConversationID, protocol.RoleUser, req.Input, req.Attachments)
	if err != nil {
		_ = o.queue.Fail(ctx, item.ID, fmt.Sprintf("append user message: %v", err))
		return TurnRequest{}, "", 0, err
	}

	userEv := protocol.Event{
		Kind:     protocol.KindUserMessage,
		StreamID: streamID,
		Seq:      0,
		AgentKey: req.AgentKey,
		ItemID:   userMsg.ID,
		Payload:  req.Input,
	}
	if _, err := o.store.AppendEvents(ctx, item.ConversationID, []protocol.Event{userEv}); err != nil {
		_ = o.queue.Fail(ctx, item.ID, fmt.Sprintf("append user event: %v", err))
		return TurnRequest{}, "", 0, err
	}

	return req, streamID, 1, nil
}

// projectItems normalizes raw provider items into ledger events on the
// turn's stream, advancing seq.
func (o *Orchestrator) projectItems(items []json.RawMessage, req TurnRequest, streamID string, seq *int64, responseID string) []protocol.Event {
	events := projector.ProjectAll(items, streamID, *seq)
	for i := range events {
		events[i].AgentKey = req.AgentKey
		events[i].ResponseID = responseID
	}
	*seq += int64(len(events))
	return events
}

// commitTurn runs the output guardrail, ingests tool-produced files, and
// commits the assistant message together with the turn's remaining events
// in one transaction. Only then is admission released.
func (o *Orchestrator) commitTurn(ctx context.Context, item *protocol.RunQueueItem, req TurnRequest, streamID string, seq int64, events []protocol.Event, result *RunResult, ts *TurnStream) (*TurnResult, error) {
	if o.guardrail != nil {
		verdict, err := o.guardrail.Check(ctx, GuardOutput, result.Output)
		if err != nil {
			up := fmt.Errorf("output guardrail: %w", err)
			o.abortTurn(ctx, item, req, streamID, seq, events, up, ts)
			return nil, up
		}
		if !verdict.Allow {
			blocked := fmt.Errorf("output blocked by guardrail: %s", verdict.Info)
			o.abortTurn(ctx, item, req, streamID, seq, events, blocked, ts)
			return nil, blocked
		}
	}

	atts, err := o.ingestFiles(ctx, result.Files)
	if err != nil {
		o.abortTurn(ctx, item, req, streamID, seq, events, err, ts)
		return nil, err
	}

	done := protocol.Event{
		Kind:       protocol.KindDone,
		StreamID:   streamID,
		Seq:        seq,
		AgentKey:   req.AgentKey,
		ResponseID: result.ResponseID,
		Payload:    usagePayload(result.Usage),
	}
	events = append(events, done)

	msg, inserted, err := o.store.AppendTurn(ctx, item.ConversationID, ledger.Turn{
		Role:         protocol.RoleAssistant,
		Content:      result.Output,
		Attachments:  atts,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		Events:       events,
	})
	if err != nil {
		_ = o.queue.Fail(ctx, item.ID, fmt.Sprintf("commit turn: %v", err))
		o.publishError(ts, streamID, seq, req.AgentKey, err)
		return nil, err
	}

	o.recordUsage(ctx, item, req, "", result.Usage)

	if err := o.queue.Complete(ctx, item.ID); err != nil {
		return nil, fmt.Errorf("release admission: %w", err)
	}

	return &TurnResult{
		MessageID:      msg.ID,
		Position:       msg.Position,
		ResponseID:     result.ResponseID,
		StreamID:       streamID,
		EventsInserted: inserted,
		Usage:          result.Usage,
	}, nil
}

// abortTurn lands a failing turn: events already produced are still
// persisted (idempotently, so a retry is safe), a terminal error event is
// appended at errSeq, and the admission item is failed. No assistant
// message is written. Attached consumers, if any, receive the error frame
// before their channels close.
func (o *Orchestrator) abortTurn(ctx context.Context, item *protocol.RunQueueItem, req TurnRequest, streamID string, errSeq int64, events []protocol.Event, cause error, ts *TurnStream) {
	// Persistence must survive a caller that cancelled on disconnect.
	detached := context.WithoutCancel(ctx)

	errEv := protocol.Event{
		Kind:     protocol.KindError,
		StreamID: streamID,
		Seq:      errSeq,
		AgentKey: req.AgentKey,
		Payload:  cause.Error(),
	}
	events = append(events, errEv)
	// Best-effort: the queue status below is the durable failure record.
	_, _ = o.store.AppendEvents(detached, item.ConversationID, events)
	_ = o.queue.Fail(detached, item.ID, cause.Error())
	o.publishError(ts, streamID, errSeq, req.AgentKey, cause)
}

// ingestFiles stores tool-produced files and returns attachment metadata.
func (o *Orchestrator) ingestFiles(ctx context.Context, files []ProducedFile) ([]protocol.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if o.blobs == nil {
		return nil, fmt.Errorf("run produced %d files but no object store is configured", len(files))
	}
	atts := make([]protocol.Attachment, 0, len(files))
	for _, f := range files {
		ref, err := o.blobs.Put(ctx, f.Data)
		if err != nil {
			return nil, fmt.Errorf("ingest file %s: %w", f.Name, err)
		}
		atts = append(atts, protocol.Attachment{
			ID:        uuid.NewString(),
			Name:      f.Name,
			MediaType: f.MediaType,
			Size:      int64(len(f.Data)),
			Ref:       ref,
		})
	}
	return atts, nil
}

func (o *Orchestrator) recordUsage(ctx context.Context, item *protocol.RunQueueItem, req TurnRequest, workflowRunID string, usage Usage) {
	if o.usage == nil {
		return
	}
	o.usage.Record(context.WithoutCancel(ctx), UsageSnapshot{
		ConversationID: item.ConversationID,
		AgentKey:       req.AgentKey,
		WorkflowRunID:  workflowRunID,
		Usage:          usage,
	})
}

func usagePayload(u Usage) string {
	return fmt.Sprintf(`{"input_tokens":%d,"output_tokens":%d}`, u.InputTokens, u.OutputTokens)
}

// --- Streaming ---

// TurnStream is a handle on an in-flight streaming turn. Consumers attach
// for live frames; Wait blocks until the turn settles. Ledger persistence
// never depends on any consumer remaining attached.
type TurnStream struct {
	b    *Broadcaster
	done chan struct{}

	mu     sync.Mutex
	result *TurnResult
	err    error
}

// Attach adds a live consumer, replaying recent frames first.
func (ts *TurnStream) Attach() *Consumer {
	return ts.b.Attach()
}

// Wait blocks until the turn settles or ctx is done. Cancelling ctx only
// abandons the wait, not the turn.
func (ts *TurnStream) Wait(ctx context.Context) (*TurnResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ts.done:
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.result, ts.err
}

func (ts *TurnStream) settle(result *TurnResult, err error) {
	ts.mu.Lock()
	ts.result = result
	ts.err = err
	ts.mu.Unlock()
	ts.b.CloseAll()
	close(ts.done)
}

// StreamTurn executes one streaming turn in the background and returns a
// handle immediately. The shape matches RunTurn: user message, provider
// stream, assistant commit, admission release — but every projected event
// is also fanned out live, and events are flushed to the ledger in
// batches as they arrive.
func (o *Orchestrator) StreamTurn(ctx context.Context, item *protocol.RunQueueItem) *TurnStream {
	ts := &TurnStream{b: NewBroadcaster(), done: make(chan struct{})}
	go func() {
		result, err := o.runStream(ctx, item, ts)
		ts.settle(result, err)
	}()
	return ts
}

func (o *Orchestrator) runStream(ctx context.Context, item *protocol.RunQueueItem, ts *TurnStream) (*TurnResult, error) {
	req, streamID, seq, err := o.beginTurn(ctx, item)
	if err != nil {
		return nil, err
	}
	stop := o.keepAlive(ctx, item.ID)
	defer stop()

	ch, err := o.provider.RunStream(ctx, RunRequest{
		AgentKey:       req.AgentKey,
		ConversationID: item.ConversationID,
		SessionID:      req.SessionID,
		Input:          req.Input,
		Options:        req.Options,
	})
	if err != nil {
		up := &protocol.UpstreamError{AgentKey: req.AgentKey, Err: err}
		o.abortTurn(ctx, item, req, streamID, seq, nil, up, ts)
		return nil, up
	}

	// Events pending persistence, each already stamped with its sequence
	// slot. Flushed in batches; the idempotency key makes re-appending a
	// batch after a partial flush harmless. nextSeq is the next free slot.
	var pending []protocol.Event
	flushedCount := 0
	nextSeq := seq

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := o.store.AppendEvents(context.WithoutCancel(ctx), item.ConversationID, pending); err != nil {
			return err
		}
		flushedCount += len(pending)
		pending = pending[:0]
		return nil
	}

	for ev := range ch {
		switch {
		case ev.Err != nil:
			up := &protocol.UpstreamError{AgentKey: req.AgentKey, Err: ev.Err}
			o.abortTurn(ctx, item, req, streamID, nextSeq, pending, up, ts)
			return nil, up

		case ev.Done != nil:
			result := ev.Done
			// Everything already flushed stays flushed; the remainder
			// commits atomically with the assistant message.
			events := pending
			pending = nil
			doneSeq := nextSeq
			turnResult, err := o.commitTurn(ctx, item, req, streamID, doneSeq, events, result, ts)
			if err != nil {
				return nil, err
			}
			turnResult.EventsInserted += flushedCount
			o.publishDone(ts, streamID, doneSeq, turnResult, req.AgentKey)
			return turnResult, nil

		case ev.Item != nil:
			pe := projector.Project(ev.Item)
			pe.StreamID = streamID
			pe.Seq = nextSeq
			pe.AgentKey = req.AgentKey
			nextSeq++
			pending = append(pending, pe)
			ts.b.Publish(protocol.FrameFromEvent(pe))

			if len(pending) >= o.cfg.FlushEvery {
				if err := flush(); err != nil {
					up := &protocol.UpstreamError{AgentKey: req.AgentKey, Err: err}
					o.abortTurn(ctx, item, req, streamID, nextSeq, pending, up, ts)
					return nil, up
				}
			}
		}
	}

	// Channel closed without a terminal event: treat as a provider fault.
	up := &protocol.UpstreamError{AgentKey: req.AgentKey, Err: fmt.Errorf("stream ended without terminal event")}
	o.abortTurn(ctx, item, req, streamID, nextSeq, pending, up, ts)
	return nil, up
}

// publishError fans the terminal error frame out to attached consumers.
// A nil ts (non-streaming turn) is a no-op.
func (o *Orchestrator) publishError(ts *TurnStream, streamID string, seq int64, agentKey string, cause error) {
	if ts == nil {
		return
	}
	ts.b.Publish(protocol.Frame{
		SchemaVersion: protocol.SchemaVersion,
		Kind:          protocol.KindError,
		StreamID:      streamID,
		Seq:           seq,
		AgentKey:      agentKey,
		Payload:       cause.Error(),
	})
}

func (o *Orchestrator) publishDone(ts *TurnStream, streamID string, seq int64, result *TurnResult, agentKey string) {
	ts.b.Publish(protocol.Frame{
		SchemaVersion: protocol.SchemaVersion,
		Kind:          protocol.KindDone,
		StreamID:      streamID,
		Seq:           seq,
		AgentKey:      agentKey,
		ItemID:        result.MessageID,
		Payload:       usagePayload(result.Usage),
	})
}
