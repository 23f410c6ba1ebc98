// Package gmail adapts the Gmail history API to the sync.Provider
// interface.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/account"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/sync"
)

// the authenticated mailbox owner
const self = "me"

// Adapter implements sync.Provider for Gmail.
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter bound to one account's credential.
func New(ctx context.Context, cred *account.Credential) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// CurrentCursor returns the mailbox's present history id.
func (a *Adapter) CurrentCursor(ctx context.Context) (string, error) {
	profile, err := a.svc.Users.GetProfile(self).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// ChangesSince lists message-added history records after the given cursor.
// Gmail expires history after about a week; an expired start id comes back
// as a 404 and is reported as sync.ErrHistoryExpired.
func (a *Adapter) ChangesSince(ctx context.Context, cursor string) (*sync.Delta, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		// A cursor Gmail never issued cannot be resumed from; treat it
		// like an expired one so the checkpoint resets.
		return nil, fmt.Errorf("%w: unparseable cursor %q", sync.ErrHistoryExpired, cursor)
	}

	call := a.svc.Users.History.List(self).
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(100)

	latestHistoryID := startHistoryID
	seen := make(map[string]bool)
	var refs []sync.MessageRef

	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, record := range page.History {
			if record.Id > latestHistoryID {
				latestHistoryID = record.Id
			}

			for _, added := range record.MessagesAdded {
				msgID := added.Message.Id
				if msgID == "" || seen[msgID] {
					continue
				}
				seen[msgID] = true
				refs = append(refs, sync.MessageRef{
					ID:     msgID,
					Cursor: strconv.FormatUint(record.Id, 10),
				})
			}
		}
		return nil
	})

	if err != nil {
		if isHistoryExpired(err) {
			return nil, fmt.Errorf("%w: start id %d", sync.ErrHistoryExpired, startHistoryID)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	return &sync.Delta{
		Refs:   refs,
		Cursor: strconv.FormatUint(latestHistoryID, 10),
	}, nil
}

// FetchMessage retrieves the full message payload.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*sync.Message, error) {
	msg, err := a.svc.Users.Messages.Get(self, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", id, err)
	}

	return &sync.Message{
		ID:     msg.Id,
		Labels: msg.LabelIds,
		Raw:    raw,
	}, nil
}

// ListRecent returns the newest inbox message ids.
func (a *Adapter) ListRecent(ctx context.Context, max int) ([]string, error) {
	resp, err := a.svc.Users.Messages.List(self).
		Q("in:inbox").
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// isHistoryExpired reports whether an error is Gmail telling us the start
// history id is gone (it answers 404 for expired ids).
func isHistoryExpired(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}
