// Package dispatch builds task envelopes and publishes them to the queue
// with bounded retries.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/account"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/dedupe"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/metrics"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/sync"
)

// Publisher is the queue surface this package needs.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// AuditLog records successfully published envelopes.
type AuditLog interface {
	RecordDispatch(ctx context.Context, accountID, messageID, idempotencyKey string) error
}

// Dispatcher publishes task envelopes for materialized messages.
type Dispatcher struct {
	pub     Publisher
	audit   AuditLog
	deduper *dedupe.Deduper // nil when Redis is not configured
	queue   string
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher targeting the named queue. retries is
// the total number of publish attempts per envelope.
func NewDispatcher(pub Publisher, audit AuditLog, deduper *dedupe.Deduper, queue string, retries int, backoff time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pub:     pub,
		audit:   audit,
		deduper: deduper,
		queue:   queue,
		retries: retries,
		backoff: backoff,
		logger:  logger,
	}
}

// Sink binds the dispatcher to one account for use as a sync.Sink. Both the
// notification-driven and manual paths go through here, so their envelopes
// are indistinguishable to consumers.
func (d *Dispatcher) Sink(acct *account.Account) sync.Sink {
	return func(ctx context.Context, msg *sync.Message) error {
		return d.dispatch(ctx, acct, msg)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, acct *account.Account, msg *sync.Message) error {
	key := IdempotencyKey(acct.ID, msg.ID)

	if d.deduper != nil && !d.deduper.AcquireOnce(ctx, key) {
		// Recently published; the envelope is already in flight.
		return nil
	}

	env := TaskEnvelope{
		AccountID:      acct.ID,
		PlatformID:     acct.PlatformID,
		IdempotencyKey: key,
		Queue:          d.queue,
		Payload:        msg.Raw,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	subject := "tasks." + d.queue

	if err := d.publishWithRetry(ctx, subject, body, key); err != nil {
		metrics.PublishFailures.WithLabelValues(d.queue).Inc()
		return err
	}

	metrics.TasksPublished.WithLabelValues(d.queue).Inc()

	if err := d.audit.RecordDispatch(ctx, acct.ID, msg.ID, key); err != nil {
		// The envelope is already on the queue; losing the audit row is
		// tolerable.
		d.logger.Warn("failed to record dispatch", "account_id", acct.ID, "message_id", msg.ID, "error", err)
	}

	return nil
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, subject string, body []byte, msgID string) error {
	var lastErr error
	delay := d.backoff

	for attempt := 0; attempt < d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := d.pub.Publish(subject, body, msgID); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("publish to %s exhausted %d attempts: %w", subject, d.retries, lastErr)
}
