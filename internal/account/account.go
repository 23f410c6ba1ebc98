// Package account resolves notification addresses to registered mailbox
// owners. Accounts are created by the onboarding service and are strictly
// read-only here.
package account

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no account matches an address. This is an
// expected outcome (deregistered or unknown mailbox), not a failure.
var ErrNotFound = errors.New("account not found")

// ErrCredentialUnavailable is returned when an account exists but its
// credential cannot be decrypted or retrieved (revoked, service outage).
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Account is one registered mailbox owner.
type Account struct {
	ID             string
	PrimaryAddress string
	PlatformID     string
	// Credential is the encrypted blob stored by onboarding. It is opaque
	// to this service; only the credential service can open it.
	Credential []byte
}

// Credential is a decrypted, usable provider credential. It never touches
// this service's storage.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Store looks up accounts by primary address.
type Store interface {
	LookupByAddress(ctx context.Context, address string) (*Account, error)
}

// Decryptor exchanges an encrypted credential blob for a usable credential.
// Decryption happens inside the external credential service; this process
// never holds the key.
type Decryptor interface {
	Decrypt(ctx context.Context, accountID string, blob []byte) (*Credential, error)
}
