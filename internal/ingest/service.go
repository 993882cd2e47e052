package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"r2r/internal/alerts"
	"r2r/internal/audit"
	"r2r/internal/db"
	"r2r/internal/metrics"
	"r2r/internal/policy"
	"r2r/internal/remediation"
)

const (
	StatusNoReceipt  = "no-receipt"
	StatusAllow      = "allow"
	StatusHandled    = "handled"
	StatusProcessing = "processing"
	StatusAbandoned  = "abandoned"
)

const (
	defaultIncidentAttempts = 4
	defaultIncidentBackoff  = 200 * time.Millisecond
)

const (
	IncidentLogged              = "logged"
	IncidentRemediated          = "remediated"
	IncidentPartiallyRemediated = "partially_remediated"
)

// ErrStore marks failures that happen before any side effect; the caller
// may retry the delivery.
var ErrStore = errors.New("store error")

type Store interface {
	ClaimExecution(ctx context.Context, exec policy.ExecutionObservation, payload []byte) (db.ExecutionClaim, error)
	CompleteExecution(ctx context.Context, executionID string, outcome []byte) error
	ReleaseExecution(ctx context.Context, executionID string) error
	LatestReceipt(ctx context.Context, agentID string, asOf time.Time, window time.Duration) (*db.Receipt, error)
	RecordIncident(ctx context.Context, inc db.Incident) (string, error)
	AbandonStaleExecutions(ctx context.Context, claimedBefore time.Time, outcome []byte) (int64, error)
}

type Alerter interface {
	Dispatch(message string) bool
}

type AuditLog interface {
	AppendEvent(ctx context.Context, ev audit.Event) error
}

type EvidenceArchive interface {
	ArchiveEvidence(ctx context.Context, hash string, evidence []byte) (string, error)
}

type Outcome struct {
	Status      string              `json:"status"`
	Decision    *policy.Decision    `json:"decision,omitempty"`
	Violations  []policy.Violation  `json:"violations,omitempty"`
	Remediation *remediation.Result `json:"remediation,omitempty"`
	ReceiptID   string              `json:"receiptId,omitempty"`
	IncidentID  string              `json:"incidentId,omitempty"`
	// IncidentError is set when remediation ran but the incident write
	// failed after every retry.
	IncidentError string `json:"incidentError,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// Service processes execution observations. Each signature is processed
// at most once; repeat deliveries get the stored outcome back.
type Service struct {
	Store         Store
	Evaluator     *policy.Evaluator
	Runner        remediation.Runner
	Alerts        Alerter
	Audit         AuditLog
	Archive       EvidenceArchive
	ReceiptWindow time.Duration
	Now           func() time.Time

	IncidentAttempts int
	IncidentBackoff  time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) Ingest(ctx context.Context, exec policy.ExecutionObservation) (Outcome, error) {
	if s.Store == nil {
		return Outcome{}, fmt.Errorf("%w: no store configured", ErrStore)
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return Outcome{}, err
	}
	claim, err := s.Store.ClaimExecution(ctx, exec, payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: claim execution: %v", ErrStore, err)
	}
	if !claim.Claimed {
		return s.replay(exec, claim), nil
	}

	// The claim is ours; finish the unit of work even if the caller goes away.
	work := context.WithoutCancel(ctx)
	s.appendAudit(work, audit.Event{
		Action:  audit.ActionExecutionIngested,
		AgentID: exec.AgentID,
		Context: map[string]any{"signature": exec.Signature, "execution_id": claim.ExecutionID},
	})

	receipt, err := s.Store.LatestReceipt(work, exec.AgentID, s.now(), s.ReceiptWindow)
	if err != nil {
		if rerr := s.Store.ReleaseExecution(work, claim.ExecutionID); rerr != nil {
			slog.Error("release execution claim failed", "execution_id", claim.ExecutionID, "error", rerr)
		}
		return Outcome{}, fmt.Errorf("%w: receipt lookup: %v", ErrStore, err)
	}
	if receipt == nil {
		slog.Warn("no receipt for agent", "agent_id", exec.AgentID, "signature", exec.Signature)
		return s.complete(work, claim.ExecutionID, Outcome{Status: StatusNoReceipt}), nil
	}

	violations, decision := s.Evaluator.Check(receipt.Plan, exec)
	metrics.PolicyDecisionsTotal.WithLabelValues(string(decision.Severity)).Inc()
	for _, v := range violations {
		metrics.ViolationsTotal.WithLabelValues(string(v.Code)).Inc()
	}
	if decision.Action == policy.ActionAllow {
		return s.complete(work, claim.ExecutionID, Outcome{Status: StatusAllow, ReceiptID: receipt.ID}), nil
	}

	runner := s.Runner
	if runner == nil {
		runner = &remediation.Orchestrator{}
	}
	result := runner.Run(work, remediation.Input{
		Decision:   decision,
		Plan:       receipt.Plan,
		Execution:  exec,
		Violations: violations,
	})
	out := Outcome{
		Status:      StatusHandled,
		Decision:    &decision,
		Violations:  violations,
		Remediation: &result,
		ReceiptID:   receipt.ID,
	}
	out.IncidentID, err = s.recordIncident(work, receipt, claim.ExecutionID, exec, decision, violations, result)
	if err != nil {
		out.IncidentError = err.Error()
	}
	s.archive(work, result)
	out = s.complete(work, claim.ExecutionID, out)

	if s.Alerts != nil {
		s.Alerts.Dispatch(alerts.IncidentMessage(alerts.Incident{
			AgentID:    exec.AgentID,
			Signature:  exec.Signature,
			Codes:      policy.Codes(violations),
			Severity:   string(decision.Severity),
			Playbook:   string(decision.Playbook),
			IncidentID: out.IncidentID,
			Failed:     result.Failed(),
		}))
	}
	return out, nil
}

func (s *Service) replay(exec policy.ExecutionObservation, claim db.ExecutionClaim) Outcome {
	if claim.Status == db.ExecutionCompleted && len(claim.Outcome) > 0 {
		var prior Outcome
		if err := json.Unmarshal(claim.Outcome, &prior); err == nil {
			prior.Replayed = true
			metrics.IngestOutcomesTotal.WithLabelValues("replayed").Inc()
			slog.Info("execution replayed", "signature", exec.Signature, "status", prior.Status)
			return prior
		}
		slog.Error("stored outcome unreadable", "execution_id", claim.ExecutionID)
	}
	metrics.IngestOutcomesTotal.WithLabelValues(StatusProcessing).Inc()
	return Outcome{Status: StatusProcessing, Replayed: true}
}

func (s *Service) complete(ctx context.Context, executionID string, out Outcome) Outcome {
	metrics.IngestOutcomesTotal.WithLabelValues(out.Status).Inc()
	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("encode outcome failed", "execution_id", executionID, "error", err)
		return out
	}
	if err := s.Store.CompleteExecution(ctx, executionID, data); err != nil {
		slog.Error("complete execution failed", "execution_id", executionID, "error", err)
	}
	return out
}

func (s *Service) recordIncident(ctx context.Context, receipt *db.Receipt, executionID string, exec policy.ExecutionObservation,
	decision policy.Decision, violations []policy.Violation, result remediation.Result) (string, error) {
	violationsJSON, _ := json.Marshal(violations)
	remediationJSON, _ := json.Marshal(result)
	status := IncidentLogged
	if decision.Playbook == policy.PlaybookFlattenAndPause {
		status = IncidentRemediated
		if result.Failed() {
			status = IncidentPartiallyRemediated
		}
	}
	inc := db.Incident{
		ID:            db.NewIncidentID(),
		AgentID:       exec.AgentID,
		ReceiptID:     receipt.ID,
		ExecutionID:   executionID,
		Severity:      string(decision.Severity),
		PolicyTrigger: decision.Reason,
		Playbook:      string(decision.Playbook),
		Status:        status,
		Violations:    violationsJSON,
		Remediation:   remediationJSON,
		MemoSignature: result.MemoSignature,
		EvidenceHash:  result.EvidenceHash,
		Evidence:      string(result.Evidence),
	}
	id, err := s.writeIncident(ctx, inc)
	if err != nil {
		metrics.IngestOutcomesTotal.WithLabelValues("incident-unrecorded").Inc()
		slog.Error("record incident failed", "signature", exec.Signature, "evidence_hash", result.EvidenceHash, "error", err)
		s.appendAudit(ctx, audit.Event{
			Action:   audit.ActionIncidentUnrecorded,
			Decision: string(decision.Severity),
			AgentID:  exec.AgentID,
			Context: map[string]any{
				"signature":     exec.Signature,
				"execution_id":  executionID,
				"evidence_hash": result.EvidenceHash,
				"status":        status,
				"error":         err.Error(),
			},
		})
		return "", err
	}
	s.appendAudit(ctx, audit.Event{
		Action:   audit.ActionIncidentRecorded,
		Decision: string(decision.Severity),
		AgentID:  exec.AgentID,
		Context: map[string]any{
			"incident_id":   id,
			"signature":     exec.Signature,
			"evidence_hash": result.EvidenceHash,
			"status":        status,
		},
	})
	return id, nil
}

// writeIncident retries transient store failures with exponential backoff.
// The incident id is fixed up front, so an attempt that landed before its
// error surfaced shows up as ErrIncidentExists on the next one.
func (s *Service) writeIncident(ctx context.Context, inc db.Incident) (string, error) {
	attempts := s.IncidentAttempts
	if attempts <= 0 {
		attempts = defaultIncidentAttempts
	}
	base := s.IncidentBackoff
	if base <= 0 {
		base = defaultIncidentBackoff
	}
	var id string
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		got, err := s.Store.RecordIncident(ctx, inc)
		switch {
		case err == nil:
			id = got
			return nil
		case errors.Is(err, db.ErrIncidentExists):
			id = inc.ID
			return nil
		default:
			slog.Warn("incident write attempt failed", "execution_id", inc.ExecutionID, "error", err)
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		return "", fmt.Errorf("incident not recorded after %d attempts: %w", attempts, err)
	}
	return id, nil
}

func (s *Service) archive(ctx context.Context, result remediation.Result) {
	if s.Archive == nil || result.EvidenceHash == "" || len(result.Evidence) == 0 {
		return
	}
	uri, err := s.Archive.ArchiveEvidence(ctx, result.EvidenceHash, result.Evidence)
	if err != nil {
		slog.Warn("evidence archive failed", "evidence_hash", result.EvidenceHash, "error", err)
		return
	}
	slog.Info("evidence archived", "evidence_hash", result.EvidenceHash, "uri", uri)
}

func (s *Service) appendAudit(ctx context.Context, ev audit.Event) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.AppendEvent(ctx, ev); err != nil {
		slog.Warn("audit append failed", "action", ev.Action, "error", err)
	}
}

// AbandonStale closes claims still processing after maxAge. Their side
// effects are left alone: redeliveries get the abandoned outcome instead of
// remediating again, and any incident already written stays in the ledger.
func (s *Service) AbandonStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	if s.Store == nil {
		return 0, fmt.Errorf("%w: no store configured", ErrStore)
	}
	if maxAge <= 0 {
		return 0, errors.New("max age must be positive")
	}
	data, err := json.Marshal(Outcome{Status: StatusAbandoned})
	if err != nil {
		return 0, err
	}
	n, err := s.Store.AbandonStaleExecutions(ctx, s.now().Add(-maxAge), data)
	if err != nil {
		return 0, fmt.Errorf("%w: abandon stale claims: %v", ErrStore, err)
	}
	if n > 0 {
		metrics.IngestOutcomesTotal.WithLabelValues(StatusAbandoned).Add(float64(n))
		slog.Warn("abandoned stale execution claims", "count", n, "max_age", maxAge)
	}
	return n, nil
}

// RunReaper abandons stale claims every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, maxAge, every time.Duration) error {
	if every <= 0 {
		every = maxAge / 4
	}
	if every <= 0 {
		return errors.New("reaper interval must be positive")
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.AbandonStale(ctx, maxAge); err != nil {
				slog.Warn("stale claim sweep failed", "error", err)
			}
		}
	}
}
