package sync

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrHistoryExpired is returned by a provider when the stored cursor is too
// old to resume from. The engine treats it as a controlled checkpoint
// reset, never as a request failure.
var ErrHistoryExpired = errors.New("history cursor expired")

// ErrTransient marks provider or broker failures that are safe to retry on
// the next notification; the checkpoint is left untouched.
var ErrTransient = errors.New("transient sync failure")

// ErrDispatchIncomplete is returned when one or more publishes in a batch
// exhausted their retries. The checkpoint stays put so the whole batch is
// redelivered on the next sync.
var ErrDispatchIncomplete = errors.New("dispatch incomplete")

// MessageRef is one new message discovered during a delta fetch.
type MessageRef struct {
	ID     string
	Cursor string
}

// Message is a fully materialized provider message. Raw carries the
// provider's response verbatim; this service never parses message content.
type Message struct {
	ID     string
	Labels []string
	Raw    json.RawMessage
}

// Delta is the result of one incremental-history call.
type Delta struct {
	Refs   []MessageRef
	Cursor string
}

// Provider is the incremental-history surface of one mailbox provider,
// bound to a single account's credential.
type Provider interface {
	// CurrentCursor returns the provider's present change-stream position.
	CurrentCursor(ctx context.Context) (string, error)

	// ChangesSince lists message-added records after the given cursor, in
	// provider order, deduplicated by message id within the batch. Returns
	// ErrHistoryExpired when the cursor can no longer be resumed from.
	ChangesSince(ctx context.Context, cursor string) (*Delta, error)

	// FetchMessage retrieves full content for one message id.
	FetchMessage(ctx context.Context, id string) (*Message, error)

	// ListRecent returns the newest message ids, used by the manual
	// trigger path when no explicit id is given.
	ListRecent(ctx context.Context, max int) ([]string, error)
}

// CheckpointStore persists the per-account cursor.
type CheckpointStore interface {
	Load(ctx context.Context, accountID string) (string, error)
	Save(ctx context.Context, accountID, cursor string) error
}

// Sink publishes one materialized message downstream.
type Sink func(ctx context.Context, msg *Message) error
