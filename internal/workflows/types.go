package workflows

import "r2r/internal/remediation"

const (
	ActivityClosePositions = "ClosePositions"
	ActivityPauseWallet    = "PauseWallet"
	ActivityAnchorMemo     = "AnchorMemo"

	DefaultTaskQueue = "r2r-remediation"
)

type RemediationInput struct {
	Close       remediation.CloseRequest `json:"close"`
	PauseReason string                   `json:"pauseReason"`
	Memo        remediation.Memo         `json:"memo"`
}

type RemediationOutput struct {
	Steps         []remediation.Step `json:"steps"`
	MemoSignature string             `json:"memoSignature,omitempty"`
}

type AnchorOutput struct {
	Step      remediation.Step `json:"step"`
	Signature string           `json:"signature,omitempty"`
}

func errorStep(desc string, err error) remediation.Step {
	return remediation.Step{Description: desc, Status: remediation.StatusError, Detail: err.Error()}
}
