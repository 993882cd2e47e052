package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	ActionReceiptRecorded    = "receipt.recorded"
	ActionWebhookRejected    = "webhook.rejected"
	ActionExecutionIngested  = "execution.ingested"
	ActionIncidentRecorded   = "incident.recorded"
	ActionIncidentUnrecorded = "incident.unrecorded"
)

var ErrEvidenceMismatch = errors.New("evidence hash mismatch")

type Event struct {
	Action   string
	Actor    string
	Decision string
	AgentID  string
	Context  map[string]any
}

type Writer interface {
	InsertAuditEvent(ctx context.Context, payload []byte) (string, error)
}

type Store struct {
	DB  Writer
	Now func() time.Time
}

func New() *Store {
	return &Store{}
}

func NewWithDB(db Writer) *Store {
	return &Store{DB: db}
}

type payload struct {
	OccurredAt string         `json:"occurred_at"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Decision   string         `json:"decision,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Hash       string         `json:"hash,omitempty"`
}

// AppendEvent writes a hashed audit row. A Store without a writer drops events.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	if s == nil || s.DB == nil {
		return nil
	}
	if ev.Action == "" {
		return errors.New("action required")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	actor := ev.Actor
	if actor == "" {
		actor = "r2r"
	}
	p := payload{
		OccurredAt: now().UTC().Format(time.RFC3339Nano),
		Actor:      actor,
		Action:     ev.Action,
		Decision:   ev.Decision,
		AgentID:    ev.AgentID,
		Context:    ev.Context,
	}
	unsigned, err := json.Marshal(p)
	if err != nil {
		return err
	}
	p.Hash = Digest(unsigned)
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.DB.InsertAuditEvent(ctx, data)
	return err
}

// Digest is the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyEvidence recomputes the digest of stored evidence bytes.
func VerifyEvidence(evidence []byte, want string) error {
	if !strings.EqualFold(Digest(evidence), strings.TrimSpace(want)) {
		return ErrEvidenceMismatch
	}
	return nil
}
