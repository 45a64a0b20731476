package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loom/pkg/protocol"

	"github.com/google/uuid"
)

const timeLayout = "2006-01-02 15:04:05"

// runStore persists workflow run and step bookkeeping rows. Rows are
// created at start, updated in place to a terminal status, never deleted.
type runStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func newRunStore(db *sql.DB) *runStore {
	return &runStore{db: db, nowFunc: time.Now}
}

func (s *runStore) now() string {
	return s.nowFunc().UTC().Format(timeLayout)
}

func (s *runStore) createRun(ctx context.Context, conversationID, workflowKey string) (*protocol.WorkflowRun, error) {
	run := &protocol.WorkflowRun{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		WorkflowKey:    workflowKey,
		Status:         protocol.WorkflowRunning,
		CreatedAt:      s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, conversation_id, workflow_key, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, run.WorkflowKey, run.Status, run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workflow run: %w", err)
	}
	return run, nil
}

// finishRun moves a run to a terminal status. finalOutput is only stored
// for completed runs; errMsg only for failed ones.
func (s *runStore) finishRun(ctx context.Context, runID, status, finalOutput, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, final_output = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		status, finalOutput, errMsg, s.now(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish workflow run: %w", err)
	}
	return nil
}

// startStep creates a step row in the running state and returns its id.
// Every branch of a parallel stage gets its own row.
func (s *runStore) startStep(ctx context.Context, runID, stageName, parallelGroup string, branchIndex int, agentKey, input string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (run_id, stage_name, parallel_group, branch_index, agent_key, status, input, started_at)
		 VALUES (?, ?, ?, ?, ?, 'running', ?, ?)`,
		runID, stageName, parallelGroup, branchIndex, agentKey, input, s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert workflow step: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("step rowid: %w", err)
	}
	return id, nil
}

func (s *runStore) completeStep(ctx context.Context, stepID int64, output, rawPayload string, inTokens, outTokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET status = 'completed', output = ?, raw_payload = ?,
		        input_tokens = ?, output_tokens = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		output, rawPayload, inTokens, outTokens, s.now(), stepID,
	)
	if err != nil {
		return fmt.Errorf("complete step %d: %w", stepID, err)
	}
	return nil
}

func (s *runStore) failStep(ctx context.Context, stepID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET status = 'failed', error = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		errMsg, s.now(), stepID,
	)
	if err != nil {
		return fmt.Errorf("fail step %d: %w", stepID, err)
	}
	return nil
}

// cancelStep marks an in-flight step cancelled. Terminal steps are left
// alone.
func (s *runStore) cancelStep(ctx context.Context, stepID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET status = 'cancelled', completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		s.now(), stepID,
	)
	if err != nil {
		return fmt.Errorf("cancel step %d: %w", stepID, err)
	}
	return nil
}
