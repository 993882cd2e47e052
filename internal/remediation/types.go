package remediation

import (
	"context"
	"encoding/json"

	"r2r/internal/policy"
)

type StepStatus string

const (
	StatusOK      StepStatus = "ok"
	StatusSkipped StepStatus = "skipped"
	StatusError   StepStatus = "error"
)

const (
	DescClosePositions = "close open positions"
	DescPauseWallet    = "pause agent wallet"
	DescAnchorMemo     = "anchor evidence memo"
	DescWarnOnly       = "no remediation required"

	// DetailNoKeypair is returned by a memo anchor that has no signing key.
	DetailNoKeypair = "no-keypair"
	detailMissing   = "not-configured"
)

type Step struct {
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Detail      string     `json:"detail,omitempty"`
}

type Result struct {
	Steps         []Step          `json:"steps"`
	EvidenceHash  string          `json:"evidenceHash"`
	MemoSignature string          `json:"memoSignature,omitempty"`
	Evidence      json.RawMessage `json:"-"`
}

// Failed reports whether any step ended in error.
func (r Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == StatusError {
			return true
		}
	}
	return false
}

type Input struct {
	Decision   policy.Decision
	Plan       policy.PlanIntent
	Execution  policy.ExecutionObservation
	Violations []policy.Violation
}

func (in Input) CloseRequest() CloseRequest {
	return CloseRequest{
		AgentID: in.Execution.AgentID,
		Venue:   in.Execution.Venue,
		Market:  in.Execution.Market,
		Size:    in.Execution.Size,
	}
}

func (in Input) PauseReason() string {
	if in.Decision.Reason != "" {
		return in.Decision.Reason
	}
	return "policy-breach"
}

// CallResult is what an outbound collaborator reports back.
type CallResult struct {
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type CloseRequest struct {
	AgentID string  `json:"agentId"`
	Venue   string  `json:"venue,omitempty"`
	Market  string  `json:"market"`
	Size    float64 `json:"size"`
}

type VenueCloser interface {
	ClosePositions(ctx context.Context, req CloseRequest) (CallResult, error)
}

type WalletPauser interface {
	Pause(ctx context.Context, reason string) (CallResult, error)
}

type MemoAnchor interface {
	Anchor(ctx context.Context, message string) (CallResult, error)
}

// Runner executes a playbook for a policy decision.
type Runner interface {
	Run(ctx context.Context, in Input) Result
}
