package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"r2r/internal/policy"
)

const (
	ExecutionProcessing = "processing"
	ExecutionCompleted  = "completed"
)

// ExecutionClaim reports who owns an execution signature. Claimed is true
// only for the caller whose insert created the row.
type ExecutionClaim struct {
	ExecutionID string
	Claimed     bool
	Status      string
	Outcome     []byte
}

// ClaimExecution inserts the execution keyed by signature if absent. A
// loser whose lookup finds the row gone (the winner released its claim)
// tries the insert once more.
func (d *DB) ClaimExecution(ctx context.Context, exec policy.ExecutionObservation, payload []byte) (ExecutionClaim, error) {
	if exec.Signature == "" {
		return ExecutionClaim{}, errors.New("signature required")
	}
	for attempt := 0; ; attempt++ {
		claim, err := d.claimOnce(ctx, exec, payload)
		if errors.Is(err, sql.ErrNoRows) && attempt == 0 {
			continue
		}
		return claim, err
	}
}

func (d *DB) claimOnce(ctx context.Context, exec policy.ExecutionObservation, payload []byte) (ExecutionClaim, error) {
	id := newID("exec")
	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO executions(id, agent_id, signature, payload_json, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature) DO NOTHING
		RETURNING id
	`, id, exec.AgentID, exec.Signature, payload, ExecutionProcessing, time.Now().UTC())
	var got string
	err := row.Scan(&got)
	if err == nil {
		return ExecutionClaim{ExecutionID: got, Claimed: true, Status: ExecutionProcessing}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ExecutionClaim{}, err
	}
	claim := ExecutionClaim{}
	row = d.conn.QueryRowContext(ctx, `
		SELECT id, status, outcome_json FROM executions WHERE signature=$1
	`, exec.Signature)
	if err := row.Scan(&claim.ExecutionID, &claim.Status, &claim.Outcome); err != nil {
		return ExecutionClaim{}, err
	}
	return claim, nil
}

// CompleteExecution stores the final outcome for a claimed execution.
func (d *DB) CompleteExecution(ctx context.Context, executionID string, outcome []byte) error {
	if executionID == "" {
		return errors.New("execution id required")
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE executions SET status=$1, outcome_json=$2, completed_at=$3
		WHERE id=$4 AND status=$5
	`, ExecutionCompleted, nullJSON(outcome), time.Now().UTC(), executionID, ExecutionProcessing)
	return err
}

// ReleaseExecution drops an unfinished claim so the signature can be
// delivered again.
func (d *DB) ReleaseExecution(ctx context.Context, executionID string) error {
	if executionID == "" {
		return errors.New("execution id required")
	}
	_, err := d.conn.ExecContext(ctx, `
		DELETE FROM executions WHERE id=$1 AND status=$2
	`, executionID, ExecutionProcessing)
	return err
}

// AbandonStaleExecutions completes claims still processing that were made
// before claimedBefore, storing outcome for later deliveries.
func (d *DB) AbandonStaleExecutions(ctx context.Context, claimedBefore time.Time, outcome []byte) (int64, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE executions SET status=$1, outcome_json=$2, completed_at=$3
		WHERE status=$4 AND created_at < $5
	`, ExecutionCompleted, nullJSON(outcome), time.Now().UTC(), ExecutionProcessing, claimedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
