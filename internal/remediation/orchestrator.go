package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"r2r/internal/metrics"
	"r2r/internal/policy"
)

const (
	defaultStepTimeout   = 10 * time.Second
	defaultAnchorTimeout = 30 * time.Second
)

// Orchestrator runs playbooks in-process. Each outbound step is bounded by a
// timeout and recovered from panics so every step ends ok, skipped or error.
type Orchestrator struct {
	Venue         VenueCloser
	Wallet        WalletPauser
	Anchor        MemoAnchor
	StepTimeout   time.Duration
	AnchorTimeout time.Duration
	Now           func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Seal computes the evidence hash for in. Steps are left empty.
func (o *Orchestrator) Seal(in Input) (Result, error) {
	hash, raw, err := SealEvidence(o.now(), in)
	if err != nil {
		return Result{}, err
	}
	return Result{EvidenceHash: hash, Evidence: raw}, nil
}

func WarnOnlySteps() []Step {
	return []Step{{Description: DescWarnOnly, Status: StatusSkipped}}
}

func (o *Orchestrator) Run(ctx context.Context, in Input) Result {
	res, err := o.Seal(in)
	sealed := err == nil
	if !sealed {
		slog.Error("evidence seal failed", "signature", in.Execution.Signature, "error", err)
	}

	if in.Decision.Playbook != policy.PlaybookFlattenAndPause {
		res.Steps = WarnOnlySteps()
		if !sealed {
			res.Steps = append(res.Steps, Step{Description: "seal evidence", Status: StatusError, Detail: err.Error()})
		}
		return res
	}

	closeStep := o.ClosePositions(ctx, in.CloseRequest())
	pauseStep := o.PauseWallet(ctx, in.PauseReason())
	var anchorStep Step
	if sealed {
		anchorStep, res.MemoSignature = o.AnchorMemo(ctx, MemoFor(res.EvidenceHash, in))
	} else {
		anchorStep = Step{Description: DescAnchorMemo, Status: StatusError, Detail: "seal evidence: " + err.Error()}
	}
	res.Steps = []Step{closeStep, pauseStep, anchorStep}
	return res
}

func (o *Orchestrator) ClosePositions(ctx context.Context, req CloseRequest) Step {
	if o.Venue == nil {
		return record(Step{Description: DescClosePositions, Status: StatusSkipped, Detail: detailMissing})
	}
	step, _ := o.call(ctx, DescClosePositions, o.stepTimeout(), func(ctx context.Context) (CallResult, error) {
		return o.Venue.ClosePositions(ctx, req)
	})
	return record(step)
}

func (o *Orchestrator) PauseWallet(ctx context.Context, reason string) Step {
	if o.Wallet == nil {
		return record(Step{Description: DescPauseWallet, Status: StatusSkipped, Detail: detailMissing})
	}
	step, _ := o.call(ctx, DescPauseWallet, o.stepTimeout(), func(ctx context.Context) (CallResult, error) {
		return o.Wallet.Pause(ctx, reason)
	})
	return record(step)
}

// AnchorMemo returns the step and, when anchoring succeeded, the ledger signature.
func (o *Orchestrator) AnchorMemo(ctx context.Context, memo Memo) (Step, string) {
	if o.Anchor == nil {
		return record(Step{Description: DescAnchorMemo, Status: StatusSkipped, Detail: DetailNoKeypair}), ""
	}
	timeout := o.AnchorTimeout
	if timeout <= 0 {
		timeout = defaultAnchorTimeout
	}
	step, res := o.call(ctx, DescAnchorMemo, timeout, func(ctx context.Context) (CallResult, error) {
		return o.Anchor.Anchor(ctx, memo.String())
	})
	if step.Status == StatusError && res.Detail == DetailNoKeypair {
		step = Step{Description: DescAnchorMemo, Status: StatusSkipped, Detail: DetailNoKeypair}
	}
	sig := ""
	if step.Status == StatusOK {
		sig = res.Signature
		if step.Detail == "" {
			step.Detail = sig
		}
	}
	return record(step), sig
}

func (o *Orchestrator) stepTimeout() time.Duration {
	if o.StepTimeout > 0 {
		return o.StepTimeout
	}
	return defaultStepTimeout
}

type callOutcome struct {
	res CallResult
	err error
}

// call runs fn on its own goroutine so a collaborator that ignores its
// context still cannot hold the step past timeout.
func (o *Orchestrator) call(ctx context.Context, desc string, timeout time.Duration, fn func(context.Context) (CallResult, error)) (Step, CallResult) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := fn(cctx)
		done <- callOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return Step{Description: desc, Status: StatusError, Detail: fmt.Sprintf("timeout after %s", timeout)}, out.res
			}
			return Step{Description: desc, Status: StatusError, Detail: out.err.Error()}, out.res
		}
		if !out.res.OK {
			return Step{Description: desc, Status: StatusError, Detail: out.res.Detail}, out.res
		}
		return Step{Description: desc, Status: StatusOK, Detail: out.res.Detail}, out.res
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Step{Description: desc, Status: StatusError, Detail: fmt.Sprintf("timeout after %s", timeout)}, CallResult{}
		}
		return Step{Description: desc, Status: StatusError, Detail: cctx.Err().Error()}, CallResult{}
	}
}

func record(step Step) Step {
	metrics.RemediationStepsTotal.WithLabelValues(step.Description, string(step.Status)).Inc()
	if step.Status == StatusError {
		slog.Warn("remediation step failed", "step", step.Description, "detail", step.Detail)
	}
	return step
}
