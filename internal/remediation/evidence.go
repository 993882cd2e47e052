package remediation

import (
	"encoding/json"
	"time"

	"r2r/internal/audit"
	"r2r/internal/policy"
)

// Evidence is the sealed record whose digest becomes the evidence hash.
// Field order is part of the hash.
type Evidence struct {
	Timestamp  string                      `json:"timestamp"`
	Decision   policy.Decision             `json:"decision"`
	Plan       policy.PlanIntent           `json:"plan"`
	Execution  policy.ExecutionObservation `json:"execution"`
	Violations []policy.Violation          `json:"violations"`
}

// Memo is the message anchored on the ledger.
type Memo struct {
	EvidenceHash       string `json:"evidenceHash"`
	AgentID            string `json:"agentId"`
	ExecutionSignature string `json:"executionSignature"`
}

func MemoFor(evidenceHash string, in Input) Memo {
	return Memo{
		EvidenceHash:       evidenceHash,
		AgentID:            in.Execution.AgentID,
		ExecutionSignature: in.Execution.Signature,
	}
}

func (m Memo) String() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// SealEvidence serializes the evidence record once and hashes those bytes.
func SealEvidence(at time.Time, in Input) (string, []byte, error) {
	violations := in.Violations
	if violations == nil {
		violations = []policy.Violation{}
	}
	raw, err := json.Marshal(Evidence{
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
		Decision:   in.Decision,
		Plan:       in.Plan,
		Execution:  in.Execution,
		Violations: violations,
	})
	if err != nil {
		return "", nil, err
	}
	return audit.Digest(raw), raw, nil
}
