package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// TaskEnvelope is the unit of work handed to the queue. Consumers
// deduplicate on IdempotencyKey.
type TaskEnvelope struct {
	AccountID      string          `json:"account_id"`
	PlatformID     string          `json:"platform_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
}

// IdempotencyKey derives the stable dedup key for one message of one
// account. Re-dispatching the same message, from any path, yields the same
// key. The NUL separator keeps (a, bc) and (ab, c) distinct.
func IdempotencyKey(accountID, messageID string) string {
	sum := sha256.Sum256([]byte(accountID + "\x00" + messageID))
	return hex.EncodeToString(sum[:])
}
