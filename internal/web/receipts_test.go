package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"r2r/internal/audit"
	"r2r/internal/db"
)

const validReceipt = `{"receiptHash":"h1","agentId":"agent-1","reasoning":"momentum","plan":{"venue":"drift","market":"SOL-PERP","side":"long","size":10,"leverage":3}}`

func postReceipt(srv *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Mux.ServeHTTP(w, req)
	return w
}

func TestReceiptCreated(t *testing.T) {
	store := &fakeStore{}
	aud := &fakeAudit{}
	srv := NewServer(store, nil)
	srv.Audit = aud

	w := postReceipt(srv, "/receipts", validReceipt)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["receiptId"] != "rcpt_test" {
		t.Fatalf("receiptId: %q", resp["receiptId"])
	}
	if len(store.receipts) != 1 {
		t.Fatalf("receipts: %d", len(store.receipts))
	}
	got := store.receipts[0]
	if got.Plan.AgentID != "agent-1" {
		t.Fatalf("plan agent should default: %q", got.Plan.AgentID)
	}
	if got.Plan.Leverage == nil || *got.Plan.Leverage != 3 {
		t.Fatalf("leverage: %v", got.Plan.Leverage)
	}
	if actions := aud.actions(); len(actions) != 1 || actions[0] != audit.ActionReceiptRecorded {
		t.Fatalf("audit: %v", actions)
	}
}

func TestReceiptValidationFailed(t *testing.T) {
	srv := NewServer(&fakeStore{}, nil)
	w := postReceipt(srv, "/receipts", `{"agentId":"a","plan":{"venue":"drift","market":"SOL-PERP","side":"long","size":0}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	var resp struct {
		Error   string       `json:"error"`
		Details []FieldError `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "validation-failed" {
		t.Fatalf("error: %q", resp.Error)
	}
	fields := map[string]bool{}
	for _, d := range resp.Details {
		fields[d.Field] = true
	}
	if !fields["receiptHash"] || !fields["plan.size"] {
		t.Fatalf("details: %+v", resp.Details)
	}
}

func TestReceiptInvalidJSON(t *testing.T) {
	srv := NewServer(&fakeStore{}, nil)
	w := postReceipt(srv, "/receipts", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid-json") {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestReceiptAgentMismatch(t *testing.T) {
	store := &fakeStore{}
	srv := NewServer(store, nil)
	body := `{"receiptHash":"h1","agentId":"agent-1","plan":{"agentId":"agent-2","venue":"drift","market":"SOL-PERP","side":"long","size":1}}`
	w := postReceipt(srv, "/receipts", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "plan.agentId") {
		t.Fatalf("body: %s", w.Body.String())
	}
	if len(store.receipts) != 0 {
		t.Fatal("receipt should not be stored")
	}
}

func TestReceiptExists(t *testing.T) {
	srv := NewServer(&fakeStore{insertErr: db.ErrReceiptExists}, nil)
	w := postReceipt(srv, "/receipts", validReceipt)
	if w.Code != http.StatusConflict {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestReceiptStoreError(t *testing.T) {
	srv := NewServer(&fakeStore{insertErr: errors.New("boom")}, nil)
	w := postReceipt(srv, "/receipts", validReceipt)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "store-error") {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestReceiptNoStore(t *testing.T) {
	srv := NewServer(nil, nil)
	w := postReceipt(srv, "/receipts", validReceipt)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestReceiptMethodNotAllowed(t *testing.T) {
	srv := NewServer(&fakeStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/receipts", nil)
	w := httptest.NewRecorder()
	srv.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestReceiptBodyTooLarge(t *testing.T) {
	srv := NewServer(&fakeStore{}, nil)
	big := `{"reasoning":"` + strings.Repeat("x", maxRequestBody) + `"}`
	w := postReceipt(srv, "/receipts", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestSolprismReceiptNormalized(t *testing.T) {
	store := &fakeStore{}
	srv := NewServer(store, nil)
	body := `{"receipt_id":"rcpt_sp","agent_id":"agent-1","reasoning_hash":"rh","plan":{"venue":"drift","market":"SOL-PERP","side":"short","size":"12.5","leverage":"2","max_slippage_bps":30}}`
	w := postReceipt(srv, "/receipts/solprism", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "rcpt_sp") {
		t.Fatalf("body: %s", w.Body.String())
	}
	got := store.receipts[0]
	if got.ReceiptHash != "rh" || got.Plan.MemoHash != "rh" {
		t.Fatalf("hashes: %+v", got)
	}
	if got.Plan.Size != 12.5 {
		t.Fatalf("size: %v", got.Plan.Size)
	}
	if got.Plan.Leverage == nil || *got.Plan.Leverage != 2 {
		t.Fatalf("leverage: %v", got.Plan.Leverage)
	}
	if got.Plan.MaxSlippageBps == nil || *got.Plan.MaxSlippageBps != 30 {
		t.Fatalf("slippage: %v", got.Plan.MaxSlippageBps)
	}
}

func TestSolprismReceiptRejectsNonNumericSize(t *testing.T) {
	srv := NewServer(&fakeStore{}, nil)
	body := `{"agent_id":"agent-1","reasoning_hash":"rh","plan":{"venue":"drift","market":"SOL-PERP","side":"short","size":"lots"}}`
	w := postReceipt(srv, "/receipts/solprism", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestSolprismReceiptRejectsZeroSize(t *testing.T) {
	srv := NewServer(&fakeStore{}, nil)
	body := `{"agent_id":"agent-1","reasoning_hash":"rh","plan":{"venue":"drift","market":"SOL-PERP","side":"short","size":"0"}}`
	w := postReceipt(srv, "/receipts/solprism", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "plan.size") {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestNumberishNull(t *testing.T) {
	var n numberish
	if err := json.Unmarshal([]byte("null"), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.ptr() != nil {
		t.Fatal("null should be unset")
	}
}
