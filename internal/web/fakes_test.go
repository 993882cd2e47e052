package web

import (
	"context"
	"sync"

	"r2r/internal/audit"
	"r2r/internal/db"
	"r2r/internal/ingest"
	"r2r/internal/policy"
)

type fakeStore struct {
	mu        sync.Mutex
	receipts  []db.Receipt
	insertErr error
	listData  []byte
	listLimit int
	listErr   error
	incidents map[string][]byte
	getErr    error
}

func (f *fakeStore) InsertReceipt(ctx context.Context, r db.Receipt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.receipts = append(f.receipts, r)
	if r.ID != "" {
		return r.ID, nil
	}
	return "rcpt_test", nil
}

func (f *fakeStore) ListIncidents(ctx context.Context, limit int) ([]byte, error) {
	f.listLimit = limit
	return f.listData, f.listErr
}

func (f *fakeStore) GetIncident(ctx context.Context, id string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.incidents[id], nil
}

type fakeIngester struct {
	calls []policy.ExecutionObservation
	out   ingest.Outcome
	err   error
}

func (f *fakeIngester) Ingest(ctx context.Context, exec policy.ExecutionObservation) (ingest.Outcome, error) {
	f.calls = append(f.calls, exec)
	return f.out, f.err
}

type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAudit) AppendEvent(ctx context.Context, ev audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Action)
	}
	return out
}
