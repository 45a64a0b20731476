package protocol

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a conversation, message, or workflow run does
// not exist or is not owned by the requesting tenant. Surfaced to the
// caller synchronously, never retried.
type NotFoundError struct {
	Entity string // "conversation", "message", "workflow run", ...
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// NotDeletableError reports that a truncation target is not a user-authored
// message. The ledger only supports "edit and resend" from a user turn.
type NotDeletableError struct {
	MessageID string
	Role      string
}

func (e *NotDeletableError) Error() string {
	return fmt.Sprintf("message %s has role %q; only user messages can anchor a truncation", e.MessageID, e.Role)
}

// ConflictError reports that admission already holds a running item for the
// conversation, or that a truncation raced an in-flight run. Clients may
// retry after the current run settles.
type ConflictError struct {
	ConversationID string
	Reason         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conversation %s busy: %s", e.ConversationID, e.Reason)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// UpstreamError wraps a failure from the agent provider runtime. It is
// delivered asynchronously as a terminal error event plus a failed queue
// item, never thrown from inside a background task.
type UpstreamError struct {
	AgentKey string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider run for agent %s failed: %v", e.AgentKey, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
