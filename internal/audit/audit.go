package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Resource types.
const (
	ResourceBillingSession = "billing_session"
)

// Actions.
const (
	ActionSplit  = "billing.split"
	ActionRevert = "billing.revert"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string
	TenantID      string
	Actor         string
	Action        string
	ResourceType  string
	ResourceID    string
	Metadata      json.RawMessage
	PayloadDigest string
	CreatedAt     time.Time
}

// NewID generates a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewEntry builds an entry for a billing session with metadata marshalled
// from meta.
func NewEntry(tenantID, actor, action, sessionID string, meta any, at time.Time) (Entry, error) {
	var raw json.RawMessage
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return Entry{}, err
		}
		raw = data
	}
	return Entry{
		TenantID:     tenantID,
		Actor:        actor,
		Action:       action,
		ResourceType: ResourceBillingSession,
		ResourceID:   sessionID,
		Metadata:     raw,
		CreatedAt:    at,
	}, nil
}
