// Package credential talks to the external credential service. The service
// owns the encryption key and token refresh; this client only exchanges the
// stored blob for a usable credential.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/account"
)

// Client fetches decrypted credentials from the credential service
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the credential service
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Decrypt exchanges an encrypted credential blob for a usable credential.
// The service refreshes expired tokens itself before answering.
func (c *Client) Decrypt(ctx context.Context, accountID string, blob []byte) (*account.Credential, error) {
	reqBody, err := json.Marshal(map[string]any{
		"account_id": accountID,
		"blob":       blob,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/credentials/decrypt", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// 404 means the blob is unknown, 410 means it was revoked. Both are
	// terminal for this invocation.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("credential rejected for account %s (status %d)", accountID, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &account.Credential{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
