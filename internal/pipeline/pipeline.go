// Package pipeline wires the decode → resolve → sync → materialize →
// dispatch flow behind the webhook and manual trigger endpoints.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/account"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/dispatch"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/metrics"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/notify"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/sync"
)

// Result statuses.
const (
	StatusOK      = "ok"
	StatusIgnored = "ignored"
	StatusError   = "error"
)

// Result reasons.
const (
	ReasonAccountNotRegistered  = "account_not_registered"
	ReasonCredentialUnavailable = "credential_unavailable"
	ReasonNoNewMessages         = "no_new_messages"
	ReasonCheckpointInitialized = "checkpoint_initialized"
	ReasonResync                = "resync"
	ReasonSyncTransientFailure  = "sync_transient_failure"
	ReasonDispatchIncomplete    = "dispatch_incomplete"
)

// Result is the response shape of both trigger paths.
type Result struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	Account       string `json:"account,omitempty"`
	MessagesFound int    `json:"messages_found"`
	TasksSent     int    `json:"tasks_sent"`
	Filtered      int    `json:"filtered,omitempty"`
}

// ProviderFactory builds a provider adapter for an account's platform,
// bound to its decrypted credential.
type ProviderFactory func(ctx context.Context, acct *account.Account, cred *account.Credential) (sync.Provider, error)

// Pipeline is the process-wide context object holding every collaborator a
// single invocation needs. It is constructed once at startup and passed
// into each handler; nothing here is package-level state.
type Pipeline struct {
	resolver    *account.Resolver
	engine      *sync.Engine
	dispatcher  *dispatch.Dispatcher
	providers   ProviderFactory
	syncTimeout time.Duration
	logger      *slog.Logger
}

// New creates a pipeline.
func New(resolver *account.Resolver, engine *sync.Engine, dispatcher *dispatch.Dispatcher, providers ProviderFactory, syncTimeout time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		resolver:    resolver,
		engine:      engine,
		dispatcher:  dispatcher,
		providers:   providers,
		syncTimeout: syncTimeout,
		logger:      logger,
	}
}

// HandlePush processes one raw webhook body. Decode failures are returned
// as errors (the caller answers 4xx); everything past decoding resolves to
// a Result.
func (p *Pipeline) HandlePush(ctx context.Context, body []byte) (*Result, error) {
	ev, err := notify.Decode(body)
	if err != nil {
		return nil, err
	}

	p.logger.Info("push notification received", "address", ev.Address, "cursor_hint", ev.CursorHint)
	return p.process(ctx, ev.Address, ev.CursorHint), nil
}

// ManualTrigger drives the pipeline for an explicit address. With a message
// id it bypasses delta sync entirely; without one it dispatches the newest
// message. Envelopes are identical to the notification-driven path.
func (p *Pipeline) ManualTrigger(ctx context.Context, address, messageID string) *Result {
	acct, cred, res := p.resolve(ctx, address)
	if res != nil {
		return res
	}

	provider, err := p.providers(ctx, acct, cred)
	if err != nil {
		return p.record(&Result{Status: StatusError, Reason: ReasonSyncTransientFailure, Account: address})
	}

	ctx, cancel := context.WithTimeout(ctx, p.syncTimeout)
	defer cancel()

	ids := []string{messageID}
	if messageID == "" {
		recent, err := provider.ListRecent(ctx, 1)
		if err != nil {
			p.logger.Error("manual trigger list failed", "account_id", acct.ID, "error", err)
			return p.record(&Result{Status: StatusError, Reason: ReasonSyncTransientFailure, Account: address})
		}
		if len(recent) == 0 {
			return p.record(&Result{Status: StatusIgnored, Reason: ReasonNoNewMessages, Account: address})
		}
		ids = recent
	}

	outcome, err := p.engine.Dispatch(ctx, acct.ID, acct.PlatformID, ids, provider, p.dispatcher.Sink(acct))
	res = resultFrom(outcome, address)
	if err != nil {
		res.Status = StatusError
		res.Reason = ReasonDispatchIncomplete
	}
	return p.record(res)
}

// process runs resolve → sync for one notification.
func (p *Pipeline) process(ctx context.Context, address, cursorHint string) *Result {
	acct, cred, res := p.resolve(ctx, address)
	if res != nil {
		return res
	}

	provider, err := p.providers(ctx, acct, cred)
	if err != nil {
		p.logger.Error("provider construction failed", "account_id", acct.ID, "platform_id", acct.PlatformID, "error", err)
		return p.record(&Result{Status: StatusError, Reason: ReasonSyncTransientFailure, Account: address})
	}

	ctx, cancel := context.WithTimeout(ctx, p.syncTimeout)
	defer cancel()

	outcome, err := p.engine.Sync(ctx, acct.ID, acct.PlatformID, cursorHint, provider, p.dispatcher.Sink(acct))
	if err != nil {
		res := resultFrom(outcome, address)
		res.Status = StatusError
		res.Reason = ReasonSyncTransientFailure
		if errors.Is(err, sync.ErrDispatchIncomplete) {
			res.Reason = ReasonDispatchIncomplete
		}
		p.logger.Error("sync failed", "account_id", acct.ID, "error", err)
		return p.record(res)
	}

	res = resultFrom(outcome, address)
	switch {
	case outcome.Bootstrapped:
		res.Status = StatusOK
		res.Reason = ReasonCheckpointInitialized
	case outcome.Resync:
		res.Status = StatusOK
		res.Reason = ReasonResync
	case outcome.MessagesFound == 0:
		res.Status = StatusIgnored
		res.Reason = ReasonNoNewMessages
	default:
		res.Status = StatusOK
	}
	return p.record(res)
}

// resolve maps an address to its account and credential, converting the
// two expected lookup failures into "ignored" results.
func (p *Pipeline) resolve(ctx context.Context, address string) (*account.Account, *account.Credential, *Result) {
	acct, cred, err := p.resolver.Resolve(ctx, address)
	if errors.Is(err, account.ErrNotFound) {
		return nil, nil, p.record(&Result{Status: StatusIgnored, Reason: ReasonAccountNotRegistered, Account: address})
	}
	if errors.Is(err, account.ErrCredentialUnavailable) {
		return nil, nil, p.record(&Result{Status: StatusIgnored, Reason: ReasonCredentialUnavailable, Account: address})
	}
	if err != nil {
		p.logger.Error("account resolution failed", "address", address, "error", err)
		return nil, nil, p.record(&Result{Status: StatusError, Reason: ReasonSyncTransientFailure, Account: address})
	}
	return acct, cred, nil
}

func (p *Pipeline) record(res *Result) *Result {
	metrics.RecordNotification(res.Status, res.Reason)
	return res
}

func resultFrom(outcome *sync.Outcome, address string) *Result {
	res := &Result{Account: address}
	if outcome != nil {
		res.MessagesFound = outcome.MessagesFound
		res.TasksSent = outcome.TasksSent
		res.Filtered = outcome.Filtered
	}
	return res
}
