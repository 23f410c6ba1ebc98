package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Resolver maps a notification address to its account and decrypted
// credential.
type Resolver struct {
	store  Store
	creds  Decryptor
	logger *slog.Logger
}

// NewResolver creates a resolver over the account store and credential
// service.
func NewResolver(store Store, creds Decryptor, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, creds: creds, logger: logger}
}

// Resolve looks up the account for an address and fetches its usable
// credential. ErrNotFound and ErrCredentialUnavailable are both expected,
// non-fatal outcomes; callers short-circuit to an "ignored" result rather
// than failing the request.
func (r *Resolver) Resolve(ctx context.Context, address string) (*Account, *Credential, error) {
	acct, err := r.store.LookupByAddress(ctx, address)
	if errors.Is(err, ErrNotFound) {
		r.logger.Warn("address not registered", "address", address)
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("account lookup: %w", err)
	}

	cred, err := r.creds.Decrypt(ctx, acct.ID, acct.Credential)
	if err != nil {
		r.logger.Warn("credential unavailable", "account_id", acct.ID, "error", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}

	return acct, cred, nil
}
