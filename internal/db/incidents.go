package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

type Incident struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	ReceiptID     string          `json:"receipt_id,omitempty"`
	ExecutionID   string          `json:"execution_id,omitempty"`
	Severity      string          `json:"severity"`
	PolicyTrigger string          `json:"policy_trigger,omitempty"`
	Playbook      string          `json:"playbook,omitempty"`
	Status        string          `json:"status"`
	Violations    json.RawMessage `json:"violations"`
	Remediation   json.RawMessage `json:"remediation,omitempty"`
	MemoSignature string          `json:"memo_signature,omitempty"`
	EvidenceHash  string          `json:"evidence_hash,omitempty"`
	Evidence      string          `json:"evidence,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

const incidentObject = `jsonb_build_object(
			'id', id,
			'agent_id', agent_id,
			'receipt_id', receipt_id,
			'execution_id', execution_id,
			'severity', severity,
			'policy_trigger', policy_trigger,
			'playbook', playbook,
			'status', status,
			'violations', violations_json,
			'remediation', remediation_json,
			'memo_signature', memo_signature,
			'evidence_hash', evidence_hash,
			'evidence', evidence,
			'created_at', created_at
		)`

// RecordIncident appends an incident. A second incident for the same
// execution returns ErrIncidentExists.
func (d *DB) RecordIncident(ctx context.Context, inc Incident) (string, error) {
	if inc.AgentID == "" {
		return "", errors.New("agent_id required")
	}
	if inc.Severity == "" || inc.Status == "" {
		return "", errors.New("severity and status required")
	}
	if inc.ID == "" {
		inc.ID = newID("inc")
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}
	violations := []byte(inc.Violations)
	if len(violations) == 0 {
		violations = []byte("[]")
	}
	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO incidents(id, agent_id, receipt_id, execution_id, severity, policy_trigger, playbook, status,
			violations_json, remediation_json, memo_signature, evidence_hash, evidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (execution_id) DO NOTHING
		RETURNING id
	`, inc.ID, inc.AgentID, nullString(inc.ReceiptID), nullString(inc.ExecutionID), inc.Severity,
		nullString(inc.PolicyTrigger), nullString(inc.Playbook), inc.Status, violations,
		nullJSON(inc.Remediation), nullString(inc.MemoSignature), nullString(inc.EvidenceHash),
		nullString(inc.Evidence), inc.CreatedAt)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return "", ErrIncidentExists
		}
		return "", err
	}
	return id, nil
}

// ListIncidents returns a JSON array of the newest incidents.
func (d *DB) ListIncidents(ctx context.Context, limit int) ([]byte, error) {
	limit = clampLimit(limit)
	query := `SELECT COALESCE(jsonb_agg(` + incidentObject + ` ORDER BY created_at DESC), '[]'::jsonb)
	FROM (
		SELECT * FROM incidents ORDER BY created_at DESC LIMIT $1
	) AS recent`
	row := d.conn.QueryRowContext(ctx, query, limit)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetIncident returns one incident as JSON, or nil when absent.
func (d *DB) GetIncident(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, errors.New("incident id required")
	}
	row := d.conn.QueryRowContext(ctx, `SELECT `+incidentObject+` FROM incidents WHERE id=$1`, id)
	var out []byte
	if err := row.Scan(&out); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// CountIncidentsSince counts incidents created after since, by severity.
func (d *DB) CountIncidentsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_object_agg(severity, n), '{}'::jsonb)
		FROM (
			SELECT severity, count(*) AS n FROM incidents WHERE created_at > $1 GROUP BY severity
		) AS counts
	`, since)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	counts := map[string]int{}
	if err := json.Unmarshal(out, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
