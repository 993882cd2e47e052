package db

import (
	"context"
	"encoding/json"
	"time"
)

type auditPayload struct {
	OccurredAt string          `json:"occurred_at"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Decision   string          `json:"decision"`
	AgentID    string          `json:"agent_id"`
	Context    json.RawMessage `json:"context"`
	Hash       string          `json:"hash"`
}

func (d *DB) InsertAuditEvent(ctx context.Context, payload []byte) (string, error) {
	id := newID("audit")
	occurredAt := time.Now().UTC()
	actor := "r2r"
	action := "unknown"
	contextJSON := []byte("{}")
	var data auditPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return "", err
		}
		if data.OccurredAt != "" {
			parsed, err := time.Parse(time.RFC3339Nano, data.OccurredAt)
			if err != nil {
				return "", err
			}
			occurredAt = parsed
		}
		if data.Actor != "" {
			actor = data.Actor
		}
		if data.Action != "" {
			action = data.Action
		}
		if len(data.Context) > 0 {
			contextJSON = data.Context
		}
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO audit_events(event_id, occurred_at, actor, action, decision, agent_id, context_json, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, occurredAt, actor, action, nullString(data.Decision), nullString(data.AgentID), contextJSON, nullString(data.Hash))
	if err != nil {
		return "", err
	}
	return id, nil
}
