package policy

import "encoding/json"

// PlanIntent is the trade an agent committed to in a reasoning receipt.
type PlanIntent struct {
	AgentID        string   `json:"agentId,omitempty"`
	Venue          string   `json:"venue"`
	Market         string   `json:"market"`
	Side           string   `json:"side"`
	Size           float64  `json:"size"`
	Leverage       *float64 `json:"leverage,omitempty"`
	MaxSlippageBps *float64 `json:"maxSlippageBps,omitempty"`
	MemoHash       string   `json:"memoHash,omitempty"`
}

// ExecutionObservation is a trade seen on-chain for an agent.
type ExecutionObservation struct {
	AgentID   string          `json:"agentId"`
	Signature string          `json:"signature"`
	Venue     string          `json:"venue"`
	Market    string          `json:"market"`
	Side      string          `json:"side"`
	Size      float64         `json:"size"`
	Leverage  *float64        `json:"leverage,omitempty"`
	Memo      string          `json:"memo,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

type Code string

const (
	CodeVenueMismatch      Code = "VENUE_MISMATCH"
	CodeSideMismatch       Code = "SIDE_MISMATCH"
	CodeSizeBreach         Code = "SIZE_BREACH"
	CodeLeverageBreach     Code = "LEVERAGE_BREACH"
	CodeAttestationMissing Code = "ATTESTATION_MISSING"
)

type Violation struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Action string

const (
	ActionAllow         Action = "allow"
	ActionAlert         Action = "alert"
	ActionAutoRemediate Action = "autoRemediate"
)

type Playbook string

const (
	PlaybookFlattenAndPause Playbook = "flatten_and_pause"
	PlaybookWarnOnly        Playbook = "warn_only"
)

type Decision struct {
	Severity Severity `json:"severity"`
	Action   Action   `json:"action"`
	Playbook Playbook `json:"playbook,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Codes returns the violation codes in order.
func Codes(violations []Violation) []string {
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		out = append(out, string(v.Code))
	}
	return out
}
