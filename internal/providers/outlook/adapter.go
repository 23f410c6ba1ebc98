// Package outlook adapts Microsoft Graph mail to the sync.Provider
// interface. The cursor is the newest receivedDateTime seen, in RFC 3339;
// Graph delta links are not used.
package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/account"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/sync"
)

var selectFields = []string{"id", "conversationId", "subject", "from", "toRecipients", "bodyPreview", "receivedDateTime", "categories"}

// Adapter implements sync.Provider for Outlook/Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter bound to one account's credential.
func New(ctx context.Context, cred *account.Credential, userID string) (*Adapter, error) {
	tokenCred := &staticTokenCredential{token: cred.AccessToken, expiry: cred.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tokenCred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client, userID: userID}, nil
}

// CurrentCursor returns the receivedDateTime of the newest message, or the
// present time for an empty mailbox.
func (a *Adapter) CurrentCursor(ctx context.Context) (string, error) {
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(1),
			Orderby: []string{"receivedDateTime desc"},
			Select:  []string{"id", "receivedDateTime"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return "", fmt.Errorf("failed to list messages: %w", err)
	}

	msgs := result.GetValue()
	if len(msgs) > 0 {
		if rcvd := msgs[0].GetReceivedDateTime(); rcvd != nil {
			return rcvd.UTC().Format(time.RFC3339), nil
		}
	}
	return time.Now().UTC().Format(time.RFC3339), nil
}

// ChangesSince lists messages received after the cursor, oldest first.
func (a *Adapter) ChangesSince(ctx context.Context, cursor string) (*sync.Delta, error) {
	since, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		// Not a cursor this adapter issued; reset instead of failing
		// every subsequent notification.
		return nil, fmt.Errorf("%w: unparseable cursor %q", sync.ErrHistoryExpired, cursor)
	}

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(100),
			Filter:  stringPtr(fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339))),
			Orderby: []string{"receivedDateTime asc"},
			Select:  []string{"id", "receivedDateTime"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to sync messages: %w", err)
	}

	latest := since
	seen := make(map[string]bool)
	var refs []sync.MessageRef

	for _, msg := range result.GetValue() {
		id := msg.GetId()
		if id == nil || seen[*id] {
			continue
		}
		seen[*id] = true

		rcvd := msg.GetReceivedDateTime()
		if rcvd != nil && rcvd.After(latest) {
			latest = *rcvd
		}

		ref := sync.MessageRef{ID: *id}
		if rcvd != nil {
			ref.Cursor = rcvd.UTC().Format(time.RFC3339)
		}
		refs = append(refs, ref)
	}

	return &sync.Delta{
		Refs:   refs,
		Cursor: latest.UTC().Format(time.RFC3339),
	}, nil
}

// FetchMessage retrieves one message and flattens it to a JSON payload.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*sync.Message, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: selectFields,
		},
	}

	msg, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	payload := flatten(msg)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", id, err)
	}

	return &sync.Message{
		ID:     id,
		Labels: msg.GetCategories(),
		Raw:    raw,
	}, nil
}

// ListRecent returns the newest message ids.
func (a *Adapter) ListRecent(ctx context.Context, max int) ([]string, error) {
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(int32(max)),
			Orderby: []string{"receivedDateTime desc"},
			Select:  []string{"id"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var ids []string
	for _, msg := range result.GetValue() {
		if id := msg.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}

// flatten converts a Graph message to a plain JSON-serializable map. Kiota
// models do not round-trip through encoding/json.
func flatten(m models.Messageable) map[string]any {
	out := map[string]any{}

	if id := m.GetId(); id != nil {
		out["id"] = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		out["conversationId"] = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		out["subject"] = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				out["from"] = *addr
			}
		}
	}
	if to := m.GetToRecipients(); to != nil {
		out["toRecipients"] = extractAddresses(to)
	}
	if preview := m.GetBodyPreview(); preview != nil {
		out["bodyPreview"] = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		out["receivedDateTime"] = rcvd.UTC().Format(time.RFC3339)
	}
	if cats := m.GetCategories(); cats != nil {
		out["categories"] = cats
	}

	return out
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// staticTokenCredential implements the Azure credential interface over an
// already-issued access token.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: c.expiry,
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}

func stringPtr(s string) *string {
	return &s
}
