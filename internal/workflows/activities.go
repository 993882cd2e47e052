package workflows

import (
	"context"

	"r2r/internal/remediation"
)

// Activities adapts the in-process orchestrator steps for a Temporal
// worker. Step failures are reported in the returned step, not as errors.
type Activities struct {
	Orchestrator *remediation.Orchestrator
}

func (a *Activities) orchestrator() *remediation.Orchestrator {
	if a == nil || a.Orchestrator == nil {
		return &remediation.Orchestrator{}
	}
	return a.Orchestrator
}

func (a *Activities) ClosePositions(ctx context.Context, req remediation.CloseRequest) (remediation.Step, error) {
	return a.orchestrator().ClosePositions(ctx, req), nil
}

func (a *Activities) PauseWallet(ctx context.Context, reason string) (remediation.Step, error) {
	return a.orchestrator().PauseWallet(ctx, reason), nil
}

func (a *Activities) AnchorMemo(ctx context.Context, memo remediation.Memo) (AnchorOutput, error) {
	step, sig := a.orchestrator().AnchorMemo(ctx, memo)
	return AnchorOutput{Step: step, Signature: sig}, nil
}
