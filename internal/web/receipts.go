package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"r2r/internal/audit"
	"r2r/internal/db"
	"r2r/internal/metrics"
	"r2r/internal/policy"
)

type receiptRequest struct {
	ReceiptID   string            `json:"receiptId"`
	ReceiptHash string            `json:"receiptHash"`
	AgentID     string            `json:"agentId"`
	Plan        policy.PlanIntent `json:"plan"`
	Reasoning   string            `json:"reasoning"`
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !validateOrReject(w, schemaReceipt, body) {
		return
	}
	var req receiptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	s.storeReceipt(w, r, req, schemaReceipt)
}

func (s *Server) handleSolprismReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !validateOrReject(w, schemaSolprism, body) {
		return
	}
	var in solprismReceipt
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	req, fieldErrs := normalizeSolprism(in)
	if len(fieldErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation-failed", "details": fieldErrs})
		return
	}
	s.storeReceipt(w, r, req, schemaSolprism)
}

func (s *Server) storeReceipt(w http.ResponseWriter, r *http.Request, req receiptRequest, schema string) {
	plan := req.Plan
	if plan.AgentID == "" {
		plan.AgentID = req.AgentID
	} else if plan.AgentID != req.AgentID {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation-failed",
			"details": []FieldError{{Field: "plan.agentId", Message: "must match agentId"}},
		})
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store-unavailable")
		return
	}
	id, err := s.Store.InsertReceipt(r.Context(), db.Receipt{
		ID:          req.ReceiptID,
		AgentID:     req.AgentID,
		ReceiptHash: req.ReceiptHash,
		Plan:        plan,
		Reasoning:   req.Reasoning,
	})
	if errors.Is(err, db.ErrReceiptExists) {
		writeError(w, http.StatusConflict, "receipt-exists")
		return
	}
	if err != nil {
		slog.Error("insert receipt failed", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "store-error")
		return
	}
	metrics.ReceiptsRecordedTotal.WithLabelValues(schema).Inc()
	s.appendAudit(r.Context(), audit.Event{
		Action:  audit.ActionReceiptRecorded,
		AgentID: req.AgentID,
		Context: map[string]any{"receipt_id": id, "receipt_hash": req.ReceiptHash, "schema": schema},
	})
	writeJSON(w, http.StatusCreated, map[string]string{"receiptId": id})
}

func validateOrReject(w http.ResponseWriter, schema string, body []byte) bool {
	fieldErrs, err := validateDocument(schema, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return false
	}
	if len(fieldErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation-failed", "details": fieldErrs})
		return false
	}
	return true
}

type solprismReceipt struct {
	ReceiptID     string       `json:"receipt_id"`
	AgentID       string       `json:"agent_id"`
	ReasoningHash string       `json:"reasoning_hash"`
	Reasoning     string       `json:"reasoning"`
	Plan          solprismPlan `json:"plan"`
}

type solprismPlan struct {
	AgentID        string    `json:"agent_id"`
	Venue          string    `json:"venue"`
	Market         string    `json:"market"`
	Side           string    `json:"side"`
	Size           numberish `json:"size"`
	Leverage       numberish `json:"leverage"`
	MaxSlippageBps numberish `json:"max_slippage_bps"`
	MemoHash       string    `json:"memo_hash"`
}

// numberish accepts a JSON number or a decimal string.
type numberish struct {
	value float64
	set   bool
}

func (n *numberish) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		n.value, n.set = v, true
		return nil
	}
	if err := json.Unmarshal(b, &n.value); err != nil {
		return err
	}
	n.set = true
	return nil
}

func (n numberish) ptr() *float64 {
	if !n.set {
		return nil
	}
	v := n.value
	return &v
}

// normalizeSolprism maps the snake_case receipt onto the canonical shape.
func normalizeSolprism(in solprismReceipt) (receiptRequest, []FieldError) {
	var errs []FieldError
	if !in.Plan.Size.set || in.Plan.Size.value <= 0 {
		errs = append(errs, FieldError{Field: "plan.size", Message: "must be greater than 0"})
	}
	if in.Plan.Leverage.set && in.Plan.Leverage.value <= 0 {
		errs = append(errs, FieldError{Field: "plan.leverage", Message: "must be greater than 0"})
	}
	if in.Plan.MaxSlippageBps.set && in.Plan.MaxSlippageBps.value < 0 {
		errs = append(errs, FieldError{Field: "plan.max_slippage_bps", Message: "must be 0 or greater"})
	}
	if len(errs) > 0 {
		return receiptRequest{}, errs
	}
	memoHash := in.Plan.MemoHash
	if memoHash == "" {
		memoHash = in.ReasoningHash
	}
	return receiptRequest{
		ReceiptID:   in.ReceiptID,
		ReceiptHash: in.ReasoningHash,
		AgentID:     in.AgentID,
		Reasoning:   in.Reasoning,
		Plan: policy.PlanIntent{
			AgentID:        in.Plan.AgentID,
			Venue:          in.Plan.Venue,
			Market:         in.Plan.Market,
			Side:           in.Plan.Side,
			Size:           in.Plan.Size.value,
			Leverage:       in.Plan.Leverage.ptr(),
			MaxSlippageBps: in.Plan.MaxSlippageBps.ptr(),
			MemoHash:       memoHash,
		},
	}, nil
}
