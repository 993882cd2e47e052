package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"r2r/internal/policy"
)

type Receipt struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	ReceiptHash string            `json:"receipt_hash"`
	Plan        policy.PlanIntent `json:"plan"`
	Reasoning   string            `json:"reasoning,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// InsertReceipt stores r and returns its id, generating one when r.ID is
// empty. An existing id is never overwritten.
func (d *DB) InsertReceipt(ctx context.Context, r Receipt) (string, error) {
	if r.AgentID == "" {
		return "", errors.New("agent_id required")
	}
	if r.ID == "" {
		r.ID = newID("rcpt")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	planJSON, err := json.Marshal(r.Plan)
	if err != nil {
		return "", err
	}
	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO receipts(id, agent_id, receipt_hash, plan_json, reasoning, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`, r.ID, r.AgentID, r.ReceiptHash, planJSON, nullString(r.Reasoning), r.CreatedAt)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return "", ErrReceiptExists
		}
		return "", err
	}
	return id, nil
}

// LatestReceipt returns the newest receipt for agentID recorded at or
// before asOf, and no earlier than asOf-window when window is positive.
// No match yields nil, nil.
func (d *DB) LatestReceipt(ctx context.Context, agentID string, asOf time.Time, window time.Duration) (*Receipt, error) {
	if agentID == "" {
		return nil, errors.New("agent_id required")
	}
	var notBefore any
	if window > 0 {
		notBefore = asOf.Add(-window)
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, agent_id, receipt_hash, plan_json, COALESCE(reasoning, ''), created_at
		FROM receipts
		WHERE agent_id=$1 AND created_at <= $2 AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT 1
	`, agentID, asOf, notBefore)
	var (
		r        Receipt
		planJSON []byte
	)
	if err := row.Scan(&r.ID, &r.AgentID, &r.ReceiptHash, &planJSON, &r.Reasoning, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(planJSON, &r.Plan); err != nil {
		return nil, err
	}
	return &r, nil
}
