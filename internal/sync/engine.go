// Package sync implements the delta-sync engine: it walks the provider's
// change stream from the stored checkpoint, materializes each new message,
// hands it to the dispatch sink, and advances the checkpoint exactly once
// per batch.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/filter"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/metrics"
)

// Outcome summarizes one engine invocation.
type Outcome struct {
	// Bootstrapped is set when no prior checkpoint existed and the engine
	// recorded the provider's current cursor instead of backfilling.
	Bootstrapped bool
	// Resync is set when the stored cursor had expired and was reset. The
	// missed window is unrecoverable and is counted in metrics.
	Resync bool

	MessagesFound int
	TasksSent     int
	Filtered      int
	Missed        int

	// Cursor is the checkpoint value after this invocation.
	Cursor string
}

// Engine drives steps sync → materialize → dispatch under a per-account
// lock.
type Engine struct {
	checkpoints  CheckpointStore
	filter       *filter.Filter
	locks        *accountLocks
	fetchRetries int
	backoff      time.Duration
	logger       *slog.Logger
}

// NewEngine creates an engine. fetchRetries is the total number of fetch
// attempts per message; backoff is the initial delay between attempts and
// doubles each retry.
func NewEngine(checkpoints CheckpointStore, f *filter.Filter, fetchRetries int, backoff time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		checkpoints:  checkpoints,
		filter:       f,
		locks:        newAccountLocks(),
		fetchRetries: fetchRetries,
		backoff:      backoff,
		logger:       logger,
	}
}

// Sync performs one delta sync for an account.
//
// Without a prior checkpoint it records the provider's current cursor (or
// the notification's hint when present) and returns empty: there is no
// bounded "since" point, and unbounded backfill on first contact is out of
// scope. With a checkpoint it fetches changes, dispatches each new message
// in provider order, and persists the new cursor only after the whole
// batch has been attempted. A crash mid-batch therefore redelivers the
// batch instead of losing it; dispatch idempotency keys absorb the
// duplicates.
func (e *Engine) Sync(ctx context.Context, accountID, platformID, cursorHint string, p Provider, sink Sink) (*Outcome, error) {
	lock := e.locks.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	cursor, err := e.checkpoints.Load(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: load checkpoint: %v", ErrTransient, err)
	}

	if cursor == "" {
		return e.bootstrap(ctx, accountID, cursorHint, p)
	}

	delta, err := p.ChangesSince(ctx, cursor)
	if errors.Is(err, ErrHistoryExpired) {
		return e.resync(ctx, accountID, cursor, p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: delta fetch from cursor %s: %v", ErrTransient, cursor, err)
	}

	refs := dedupeRefs(delta.Refs)
	outcome := &Outcome{MessagesFound: len(refs), Cursor: cursor}

	if len(refs) == 0 {
		// Advance past the empty window so the same history is not
		// re-walked on every notification.
		if delta.Cursor != "" && delta.Cursor != cursor {
			if err := e.checkpoints.Save(ctx, accountID, delta.Cursor); err != nil {
				return nil, fmt.Errorf("%w: save checkpoint: %v", ErrTransient, err)
			}
			outcome.Cursor = delta.Cursor
		}
		return outcome, nil
	}

	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}

	dispatched, filtered, missed, complete := e.processBatch(ctx, accountID, platformID, ids, p, sink)
	outcome.TasksSent = dispatched
	outcome.Filtered = filtered
	outcome.Missed = missed

	if !complete {
		// Checkpoint stays at the old cursor: the batch is redelivered on
		// the next notification.
		return outcome, fmt.Errorf("%w: %d of %d messages dispatched", ErrDispatchIncomplete, dispatched, len(ids))
	}

	if err := e.checkpoints.Save(ctx, accountID, delta.Cursor); err != nil {
		return outcome, fmt.Errorf("%w: save checkpoint: %v", ErrTransient, err)
	}
	outcome.Cursor = delta.Cursor

	e.logger.Info("sync complete",
		"account_id", accountID,
		"cursor", delta.Cursor,
		"messages_found", outcome.MessagesFound,
		"tasks_sent", dispatched,
		"filtered", filtered,
		"missed", missed,
	)

	return outcome, nil
}

// Dispatch drives the manual trigger path: fetch and dispatch explicit
// message ids without consulting or advancing the checkpoint. It holds the
// account lock so manual triggers serialize with notification-driven syncs.
func (e *Engine) Dispatch(ctx context.Context, accountID, platformID string, ids []string, p Provider, sink Sink) (*Outcome, error) {
	lock := e.locks.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	dispatched, filtered, missed, complete := e.processBatch(ctx, accountID, platformID, ids, p, sink)
	outcome := &Outcome{
		MessagesFound: len(ids),
		TasksSent:     dispatched,
		Filtered:      filtered,
		Missed:        missed,
	}

	if !complete {
		return outcome, fmt.Errorf("%w: %d of %d messages dispatched", ErrDispatchIncomplete, dispatched, len(ids))
	}
	return outcome, nil
}

// bootstrap records the starting cursor for an account seen for the first
// time. The hint comes from the notification itself and is the provider's
// cursor as of that push; without one, ask the provider directly.
func (e *Engine) bootstrap(ctx context.Context, accountID, hint string, p Provider) (*Outcome, error) {
	cursor := hint
	if cursor == "" {
		var err error
		cursor, err = p.CurrentCursor(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: current cursor: %v", ErrTransient, err)
		}
	}

	if err := e.checkpoints.Save(ctx, accountID, cursor); err != nil {
		return nil, fmt.Errorf("%w: save checkpoint: %v", ErrTransient, err)
	}

	e.logger.Info("checkpoint initialized", "account_id", accountID, "cursor", cursor)
	return &Outcome{Bootstrapped: true, Cursor: cursor}, nil
}

// resync handles the gap condition: the stored cursor fell out of the
// provider's history window. The checkpoint resets to the current cursor,
// giving up the missed window. That data loss is observable, not silent.
func (e *Engine) resync(ctx context.Context, accountID, oldCursor string, p Provider) (*Outcome, error) {
	cursor, err := p.CurrentCursor(ctx)
	if err != nil {
		// Leave the expired checkpoint in place; the next notification
		// retries the reset.
		return nil, fmt.Errorf("%w: current cursor during resync: %v", ErrTransient, err)
	}

	if err := e.checkpoints.Save(ctx, accountID, cursor); err != nil {
		return nil, fmt.Errorf("%w: save checkpoint: %v", ErrTransient, err)
	}

	metrics.ResyncEvents.Inc()
	e.logger.Warn("history expired, checkpoint reset",
		"account_id", accountID,
		"old_cursor", oldCursor,
		"new_cursor", cursor,
	)

	return &Outcome{Resync: true, Cursor: cursor}, nil
}

// processBatch materializes and dispatches each message id in order.
// Fetch failures skip the message after bounded retries; the provider's
// history may still redeliver it, otherwise it is counted as missed.
// Publish failures mark the batch incomplete so the checkpoint is not
// advanced, but never abort sibling messages.
func (e *Engine) processBatch(ctx context.Context, accountID, platformID string, ids []string, p Provider, sink Sink) (dispatched, filtered, missed int, complete bool) {
	complete = true

	for _, id := range ids {
		msg, err := e.fetchWithRetry(ctx, p, id)
		if err != nil {
			missed++
			metrics.MessagesMissed.WithLabelValues(platformID).Inc()
			e.logger.Error("message fetch exhausted retries, skipping",
				"account_id", accountID,
				"message_id", id,
				"error", err,
			)
			continue
		}

		if !e.filter.Match(msg.Labels) {
			filtered++
			metrics.MessagesFiltered.Inc()
			e.logger.Debug("message filtered out", "account_id", accountID, "message_id", id)
			continue
		}

		if err := sink(ctx, msg); err != nil {
			complete = false
			e.logger.Error("dispatch failed",
				"account_id", accountID,
				"message_id", id,
				"error", err,
			)
			continue
		}
		dispatched++
	}

	return dispatched, filtered, missed, complete
}

func (e *Engine) fetchWithRetry(ctx context.Context, p Provider, id string) (*Message, error) {
	var lastErr error
	delay := e.backoff

	for attempt := 0; attempt < e.fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		msg, err := p.FetchMessage(ctx, id)
		if err == nil {
			return msg, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("fetch message %s: %w", id, lastErr)
}

// dedupeRefs drops repeated message ids, keeping first-seen order.
func dedupeRefs(refs []MessageRef) []MessageRef {
	seen := make(map[string]bool, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}
