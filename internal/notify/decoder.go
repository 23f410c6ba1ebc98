// Package notify decodes provider push notifications into pipeline events.
package notify

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when the push envelope cannot be decoded
var ErrMalformedPayload = errors.New("malformed push payload")

// ErrMissingAddress is returned when the decoded payload has no target address
var ErrMissingAddress = errors.New("push payload missing email address")

// Event is one decoded push notification. It is constructed per inbound
// call and never persisted.
type Event struct {
	Address    string
	CursorHint string
	ReceivedAt time.Time
}

// pushEnvelope is the transport wrapper the provider posts to the webhook.
// Unknown sibling fields are ignored on purpose; the provider adds fields
// without notice.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// innerPayload is the base64-decoded notification body.
type innerPayload struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// Decode parses a raw webhook body into an Event.
//
// It fails with ErrMalformedPayload when the envelope is absent, the data
// field is not valid base64, or the decoded bytes are not well-formed JSON.
// It fails with ErrMissingAddress when the payload decodes cleanly but
// carries no target address.
func Decode(body []byte) (*Event, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if env.Message.Data == "" {
		return nil, fmt.Errorf("%w: no data field in envelope", ErrMalformedPayload)
	}

	raw, err := decodeBase64(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var inner innerPayload
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	addr := strings.ToLower(strings.TrimSpace(inner.EmailAddress))
	if addr == "" {
		return nil, ErrMissingAddress
	}

	return &Event{
		Address:    addr,
		CursorHint: inner.HistoryID.String(),
		ReceivedAt: time.Now(),
	}, nil
}

// decodeBase64 accepts both standard and URL-safe alphabets; the provider
// documents URL-safe but real traffic has been seen with both.
func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
