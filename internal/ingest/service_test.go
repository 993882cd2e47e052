package ingest

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"r2r/internal/audit"
	"r2r/internal/db"
	"r2r/internal/policy"
	"r2r/internal/remediation"
)

type memStore struct {
	mu         sync.Mutex
	receipts   []db.Receipt
	executions map[string]*memExecution
	incidents  []db.Incident
	receiptErr error
	claimErr   error
	released   []string
	now        func() time.Time
}

type memExecution struct {
	id        string
	status    string
	outcome   []byte
	createdAt time.Time
}

func newMemStore() *memStore {
	return &memStore{executions: map[string]*memExecution{}}
}

func (m *memStore) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return t0
}

func (m *memStore) ClaimExecution(ctx context.Context, exec policy.ExecutionObservation, payload []byte) (db.ExecutionClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return db.ExecutionClaim{}, m.claimErr
	}
	if e, ok := m.executions[exec.Signature]; ok {
		return db.ExecutionClaim{ExecutionID: e.id, Status: e.status, Outcome: e.outcome}, nil
	}
	e := &memExecution{id: "exec_" + exec.Signature, status: db.ExecutionProcessing, createdAt: m.clock()}
	m.executions[exec.Signature] = e
	return db.ExecutionClaim{ExecutionID: e.id, Claimed: true, Status: e.status}, nil
}

func (m *memStore) CompleteExecution(ctx context.Context, executionID string, outcome []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.id == executionID && e.status == db.ExecutionProcessing {
			e.status = db.ExecutionCompleted
			e.outcome = outcome
		}
	}
	return nil
}

func (m *memStore) ReleaseExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sig, e := range m.executions {
		if e.id == executionID && e.status == db.ExecutionProcessing {
			delete(m.executions, sig)
			m.released = append(m.released, executionID)
		}
	}
	return nil
}

func (m *memStore) LatestReceipt(ctx context.Context, agentID string, asOf time.Time, window time.Duration) (*db.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	var best *db.Receipt
	for i := range m.receipts {
		r := m.receipts[i]
		if r.AgentID != agentID || r.CreatedAt.After(asOf) {
			continue
		}
		if window > 0 && r.CreatedAt.Before(asOf.Add(-window)) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = &r
		}
	}
	return best, nil
}

func (m *memStore) RecordIncident(ctx context.Context, inc db.Incident) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.incidents {
		if existing.ExecutionID == inc.ExecutionID {
			return "", db.ErrIncidentExists
		}
	}
	if inc.ID == "" {
		inc.ID = "inc_" + inc.ExecutionID
	}
	m.incidents = append(m.incidents, inc)
	return inc.ID, nil
}

func (m *memStore) AbandonStaleExecutions(ctx context.Context, claimedBefore time.Time, outcome []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.executions {
		if e.status == db.ExecutionProcessing && e.createdAt.Before(claimedBefore) {
			e.status = db.ExecutionCompleted
			e.outcome = outcome
			n++
		}
	}
	return n, nil
}

// flakyIncidentStore fails the first failures incident writes. With
// landed set, a failing write still stores the incident, as when the
// commit succeeds but the reply is lost.
type flakyIncidentStore struct {
	*memStore
	failures int
	landed   bool
	attempts atomic.Int64
}

func (f *flakyIncidentStore) RecordIncident(ctx context.Context, inc db.Incident) (string, error) {
	n := f.attempts.Add(1)
	if int(n) <= f.failures {
		if f.landed {
			_, _ = f.memStore.RecordIncident(ctx, inc)
		}
		return "", sql.ErrConnDone
	}
	return f.memStore.RecordIncident(ctx, inc)
}

type countingRunner struct {
	calls atomic.Int64
	delay time.Duration
	inner remediation.Orchestrator
}

func (r *countingRunner) Run(ctx context.Context, in remediation.Input) remediation.Result {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.inner.Run(ctx, in)
}

type okCloser struct{ calls atomic.Int64 }

func (c *okCloser) ClosePositions(ctx context.Context, req remediation.CloseRequest) (remediation.CallResult, error) {
	c.calls.Add(1)
	return remediation.CallResult{OK: true, Detail: "flattened"}, nil
}

type okPauser struct{}

func (okPauser) Pause(ctx context.Context, reason string) (remediation.CallResult, error) {
	return remediation.CallResult{OK: true, Detail: "paused"}, nil
}

type fakeAlerts struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeAlerts) Dispatch(message string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return true
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeAudit) AppendEvent(ctx context.Context, ev audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, ev.Action)
	return nil
}

type fakeArchive struct {
	keys []string
	err  error
}

func (f *fakeArchive) ArchiveEvidence(ctx context.Context, hash string, evidence []byte) (string, error) {
	f.keys = append(f.keys, hash)
	return "s3://bucket/evidence/" + hash + ".json", f.err
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newService(store *memStore) (*Service, *countingRunner, *okCloser, *fakeAlerts, *fakeAudit) {
	closer := &okCloser{}
	runner := &countingRunner{inner: remediation.Orchestrator{Venue: closer, Wallet: okPauser{}, Now: func() time.Time { return t0 }}}
	al := &fakeAlerts{}
	au := &fakeAudit{}
	return &Service{
		Store:     store,
		Evaluator: policy.NewEvaluator(policy.DefaultTolerances()),
		Runner:    runner,
		Alerts:    al,
		Audit:     au,
		Now:       func() time.Time { return t0.Add(time.Minute) },
	}, runner, closer, al, au
}

func withReceipt(store *memStore, plan policy.PlanIntent) {
	store.receipts = append(store.receipts, db.Receipt{ID: "rcpt_1", AgentID: "agent-1", ReceiptHash: "h", Plan: plan, CreatedAt: t0})
}

func drift() policy.PlanIntent {
	return policy.PlanIntent{AgentID: "agent-1", Venue: "drift", Market: "SOL-PERP", Side: "long", Size: 10}
}

func execution(sig string) policy.ExecutionObservation {
	return policy.ExecutionObservation{AgentID: "agent-1", Signature: sig, Venue: "drift", Market: "SOL-PERP", Side: "long", Size: 10}
}

func TestIngestNoReceipt(t *testing.T) {
	store := newMemStore()
	svc, runner, _, al, _ := newService(store)
	out, err := svc.Ingest(context.Background(), execution("sig-1"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Status != StatusNoReceipt || out.Decision != nil {
		t.Fatalf("out: %+v", out)
	}
	if runner.calls.Load() != 0 || len(al.messages) != 0 {
		t.Fatalf("no remediation or alert expected")
	}
}

func TestIngestAllow(t *testing.T) {
	store := newMemStore()
	withReceipt(store, drift())
	svc, runner, _, _, _ := newService(store)
	out, err := svc.Ingest(context.Background(), execution("sig-1"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Status != StatusAllow || out.ReceiptID != "rcpt_1" {
		t.Fatalf("out: %+v", out)
	}
	if runner.calls.Load() != 0 || len(store.incidents) != 0 {
		t.Fatalf("allow must not remediate or record")
	}
	if store.executions["sig-1"].status != db.ExecutionCompleted {
		t.Fatalf("execution not completed")
	}
}

func TestIngestCriticalHandled(t *testing.T) {
	store := newMemStore()
	withReceipt(store, drift())
	svc, runner, closer, al, au := newService(store)
	archive := &fakeArchive{}
	svc.Archive = archive
	exec := execution("sig-1")
	exec.Venue = "jupiter"
	out, err := svc.Ingest(context.Background(), exec)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Status != StatusHandled || out.Decision.Severity != policy.SeverityCritical {
		t.Fatalf("out: %+v", out)
	}
	if len(out.Remediation.Steps) != 3 || out.Remediation.Steps[2].Status != remediation.StatusSkipped {
		t.Fatalf("steps: %+v", out.Remediation.Steps)
	}
	if runner.calls.Load() != 1 || closer.calls.Load() != 1 {
		t.Fatalf("runner=%d closer=%d", runner.calls.Load(), closer.calls.Load())
	}
	if len(store.incidents) != 1 {
		t.Fatalf("incidents: %d", len(store.incidents))
	}
	inc := store.incidents[0]
	if inc.Status != IncidentRemediated || inc.PolicyTrigger != "VENUE_MISMATCH" || inc.ReceiptID != "rcpt_1" || inc.ExecutionID != "exec_sig-1" {
		t.Fatalf("incident: %+v", inc)
	}
	if err := audit.VerifyEvidence([]byte(inc.Evidence), inc.EvidenceHash); err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if out.IncidentID == "" || out.IncidentID != inc.ID || !strings.HasPrefix(inc.ID, "inc_") {
		t.Fatalf("incident id: %s stored %s", out.IncidentID, inc.ID)
	}
	if len(al.messages) != 1 || !strings.Contains(al.messages[0], "violations=VENUE_MISMATCH") {
		t.Fatalf("alerts: %v", al.messages)
	}
	if len(archive.keys) != 1 || archive.keys[0] != inc.EvidenceHash {
		t.Fatalf("archive: %v", archive.keys)
	}
	want := []string{audit.ActionExecutionIngested, audit.ActionIncidentRecorded}
	if strings.Join(au.actions, ",") != strings.Join(want, ",") {
		t.Fatalf("audit: %v", au.actions)
	}
}

func TestIngestWarningLogged(t *testing.T) {
	store := newMemStore()
	withReceipt(store, drift())
	svc, runner, closer, al, _ := newService(store)
	exec := execution("sig-2")
	exec.Size = 20
	out, err := svc.Ingest(context.Background(), exec)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Status != StatusHandled || out.Decision.Playbook != policy.PlaybookWarnOnly {
		t.Fatalf("out: %+v", out)
	}
	if runner.calls.Load() != 1 || closer.calls.Load() != 0 {
		t.Fatalf("warn_only must not close positions")
	}
	if store.incidents[0].Status != IncidentLogged {
		t.Fatalf("status: %s", store.incidents[0].Status)
	}
	if len(al.messages) != 1 {
		t.Fatalf("alerts: %v", al.messages)
	}
}

func TestIngestReplayReturnsPriorOutcome(t *testing.T) {
	store := newMemStore()
	withReceipt(store, drift())
	svc, runner, closer, al, _ := newService(store)
	exec := execution("sig-1")
	exec.Side = "short"
	first, err := svc.Ingest(context.Background(), exec)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	second, err := svc.Ingest(context.Background(), exec)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !second.Replayed || second.Status != StatusHandled || second.IncidentID != first.IncidentID {
		t.Fatalf("second: %+v", second)
	}
	if second.Remediation == nil || second.Remediation.EvidenceHash != first.Remediation.EvidenceHash {
		t.Fatalf("remediation not replayed: %+v", second.Remediation)
	}
	if runner.calls.Load() != 1 || closer.calls.Load() != 1 || len(store.incidents) != 1 || len(al.messages) != 1 {
		t.Fatalf("side effects repeated: runner=%d closer=%d incidents=%d alerts=%d",
			runner.calls.Load(), closer.calls.Load(), len(store.incidents), len(al.messages))
	}
}

func TestIngestConcurrentDeliveriesRemediateOnce(t *testing.T) {
	store := newMemStore()
	withReceipt(store, drift())
	svc, runner, closer, _, _ := newService(store)
	runner.delay = 20 * time.Millisecond
	exec := execution("sig-race")
	exec.Venue = "jupiter"

	var wg sync.WaitGroup
	var handled, processing atomic.Int64
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Ingest(context.Background(), exec)
			if err != nil {
				t.Errorf("err: %v", err)
				return
			}
			switch out.Status {
			case StatusHandled:
				handled.Add(1)
			case StatusProcessing:
				processing.Add(1)
			}
		}()
	}
	wg.Wait()
	if runner.calls.Load() != 1 || closer.calls.Load() != 1 {
		t.Fatalf("runner=%d closer=%d", runner.calls.Load(), closer.calls.Load())
	}
	if handled.Load()+processing.Load() != 16 {
		t.Fatalf("handled=%d processing=%d", handled.Load(), processing.Load())
	}
	if len(store.incidents) != 1 {
		t.Fatalf("incidents: %d", len(store.incidents))
	}
}

func TestIngestClaimError(t *testing.T) {
	store := newMemStore()
	store.claimErr = errors.New("db down")
	svc, _, _, _, _ := newService(store)
	if _, err := svc.Ingest(context.Background(), execution("sig-1")); !errors.Is(err, ErrStore) {
		t.Fatalf("err: %v", err)
	}
}

func TestIngestReceiptErrorReleasesClaim(t *testing.T) {
	store := newMemStore()
	store.receiptErr = sql.ErrConnDone
	svc, runner, _, _, _ := newService(store)
	if _, err := svc.Ingest(context.Background(), execution("sig-1")); !errors.Is(err, ErrStore) {
		t.Fatalf("err: %v", err)
	}
	if len(store.released) != 1 || len(store.executions) != 0 {
		t.Fatalf("claim not released: %v", store.released)
	}
	if runner.calls.Load() != 0 {
		t.Fatalf("no remediation expected")
	}

	store.receiptErr = nil
	out, err := svc.Ingest(context.Background(), execution("sig-1"))
	if err != nil || out.Status != StatusNoReceipt || out.Replayed {
		t.Fatalf("retry: out=%+v err=%v", out, err)
	}
}

func TestIngestReceiptWindow(t *testing.T) {
	store := newMemStore()
	withReceipt(store, drift())
	svc, _, _, _, _ := newService(store)
	svc.Now = func() time.Time { return t0.Add(2 * time.Hour) }
	svc.ReceiptWindow = time.Hour
	out, err := svc.Ingest(context.Background(), execution("sig-1"))
	if err != nil || out.Status != StatusNoReceipt {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}

func TestIngestNoStore(t *testing.T) {
	if _, err := (&Service{}).Ingest(context.Background(), execution("sig")); !errors.Is(err, ErrStore) {
		t.Fatalf("err: %v", err)
	}
}

func criticalExecution(sig string) policy.ExecutionObservation {
	exec := execution(sig)
	exec.Venue = "jupiter"
	return exec
}

func TestIngestRetriesIncidentWrite(t *testing.T) {
	base := newMemStore()
	withReceipt(base, drift())
	store := &flakyIncidentStore{memStore: base, failures: 1}
	svc, _, closer, _, au := newService(base)
	svc.Store = store
	svc.IncidentBackoff = time.Millisecond

	out, err := svc.Ingest(context.Background(), criticalExecution("sig-flaky"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.attempts.Load() != 2 || len(base.incidents) != 1 {
		t.Fatalf("attempts=%d incidents=%d", store.attempts.Load(), len(base.incidents))
	}
	if out.IncidentID == "" || out.IncidentID != base.incidents[0].ID || out.IncidentError != "" {
		t.Fatalf("out: %+v", out)
	}
	if closer.calls.Load() != 1 {
		t.Fatalf("closer=%d", closer.calls.Load())
	}
	want := []string{audit.ActionExecutionIngested, audit.ActionIncidentRecorded}
	if strings.Join(au.actions, ",") != strings.Join(want, ",") {
		t.Fatalf("audit: %v", au.actions)
	}

	replay, err := svc.Ingest(context.Background(), criticalExecution("sig-flaky"))
	if err != nil || !replay.Replayed || replay.IncidentID != out.IncidentID {
		t.Fatalf("replay: %+v err=%v", replay, err)
	}
}

func TestIngestIncidentWriteLandedBeforeError(t *testing.T) {
	base := newMemStore()
	withReceipt(base, drift())
	store := &flakyIncidentStore{memStore: base, failures: 1, landed: true}
	svc, _, _, _, _ := newService(base)
	svc.Store = store
	svc.IncidentBackoff = time.Millisecond

	out, err := svc.Ingest(context.Background(), criticalExecution("sig-landed"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(base.incidents) != 1 || out.IncidentID != base.incidents[0].ID || out.IncidentError != "" {
		t.Fatalf("out: %+v incidents=%d", out, len(base.incidents))
	}
}

func TestIngestIncidentWriteExhausted(t *testing.T) {
	base := newMemStore()
	withReceipt(base, drift())
	store := &flakyIncidentStore{memStore: base, failures: 100}
	svc, _, closer, al, au := newService(base)
	svc.Store = store
	svc.IncidentAttempts = 3
	svc.IncidentBackoff = time.Millisecond

	out, err := svc.Ingest(context.Background(), criticalExecution("sig-down"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if store.attempts.Load() != 3 || len(base.incidents) != 0 {
		t.Fatalf("attempts=%d incidents=%d", store.attempts.Load(), len(base.incidents))
	}
	if out.Status != StatusHandled || out.IncidentID != "" || !strings.Contains(out.IncidentError, "after 3 attempts") {
		t.Fatalf("out: %+v", out)
	}
	if out.Remediation == nil || out.Remediation.EvidenceHash == "" || closer.calls.Load() != 1 {
		t.Fatalf("remediation must still be reported: %+v", out.Remediation)
	}
	want := []string{audit.ActionExecutionIngested, audit.ActionIncidentUnrecorded}
	if strings.Join(au.actions, ",") != strings.Join(want, ",") {
		t.Fatalf("audit: %v", au.actions)
	}
	if len(al.messages) != 1 {
		t.Fatalf("alerts: %v", al.messages)
	}

	replay, err := svc.Ingest(context.Background(), criticalExecution("sig-down"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !replay.Replayed || replay.IncidentError == "" || replay.Remediation == nil {
		t.Fatalf("replay must carry the missing incident: %+v", replay)
	}
	if closer.calls.Load() != 1 {
		t.Fatalf("replay must not remediate again")
	}
}

func TestAbandonStaleClaims(t *testing.T) {
	store := newMemStore()
	svc, runner, _, _, _ := newService(store)
	store.executions["sig-stuck"] = &memExecution{id: "exec_sig-stuck", status: db.ExecutionProcessing, createdAt: t0.Add(-time.Hour)}
	store.executions["sig-fresh"] = &memExecution{id: "exec_sig-fresh", status: db.ExecutionProcessing, createdAt: t0.Add(time.Minute)}

	n, err := svc.AbandonStale(context.Background(), 10*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if store.executions["sig-fresh"].status != db.ExecutionProcessing {
		t.Fatal("fresh claim must stay processing")
	}

	out, err := svc.Ingest(context.Background(), execution("sig-stuck"))
	if err != nil || out.Status != StatusAbandoned || !out.Replayed {
		t.Fatalf("out: %+v err=%v", out, err)
	}
	if runner.calls.Load() != 0 {
		t.Fatal("abandoned claim must not remediate")
	}

	if _, err := svc.AbandonStale(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero age")
	}
	if _, err := (&Service{}).AbandonStale(context.Background(), time.Minute); !errors.Is(err, ErrStore) {
		t.Fatalf("err: %v", err)
	}
}

func TestRunReaper(t *testing.T) {
	store := newMemStore()
	svc, _, _, _, _ := newService(store)
	store.executions["sig-stuck"] = &memExecution{id: "exec_sig-stuck", status: db.ExecutionProcessing, createdAt: t0.Add(-time.Hour)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunReaper(ctx, 10*time.Minute, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		status := store.executions["sig-stuck"].status
		store.mu.Unlock()
		if status == db.ExecutionCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reaper did not abandon the stale claim")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err: %v", err)
	}
	if err := svc.RunReaper(context.Background(), 0, 0); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
