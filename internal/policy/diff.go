package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Tolerances are relative deviation ceilings; a deviation equal to the
// ceiling passes.
type Tolerances struct {
	Notional float64 `json:"notional" yaml:"notional"`
	Leverage float64 `json:"leverage" yaml:"leverage"`
}

func DefaultTolerances() Tolerances {
	return Tolerances{Notional: 0.15, Leverage: 0.20}
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Diff compares a plan with an observed execution. Violations come back in
// fixed order: venue, side, size, leverage, attestation.
func Diff(plan PlanIntent, exec ExecutionObservation, tol Tolerances) []Violation {
	out := make([]Violation, 0, 5)

	if plan.Venue != "" && exec.Venue != "" && plan.Venue != exec.Venue {
		out = append(out, Violation{
			Code:    CodeVenueMismatch,
			Message: fmt.Sprintf("expected venue %s but saw %s", plan.Venue, exec.Venue),
		})
	}
	if plan.Side != "" && exec.Side != "" && plan.Side != exec.Side {
		out = append(out, Violation{
			Code:    CodeSideMismatch,
			Message: fmt.Sprintf("plan side %s vs execution %s", plan.Side, exec.Side),
		})
	}

	if dev := deviation(exec.Size, plan.Size); dev.GreaterThan(decimal.NewFromFloat(tol.Notional)) {
		out = append(out, Violation{
			Code: CodeSizeBreach,
			Message: fmt.Sprintf("execution size %s deviates %s%% from plan %s",
				formatNumber(exec.Size), dev.Mul(hundred).Round(0).String(), formatNumber(plan.Size)),
		})
	}

	if present(plan.Leverage) && present(exec.Leverage) {
		if dev := deviation(*exec.Leverage, *plan.Leverage); dev.GreaterThan(decimal.NewFromFloat(tol.Leverage)) {
			out = append(out, Violation{
				Code: CodeLeverageBreach,
				Message: fmt.Sprintf("leverage %s vs plan %s",
					formatNumber(*exec.Leverage), formatNumber(*plan.Leverage)),
			})
		}
	}

	if plan.MemoHash != "" && !strings.Contains(exec.Memo, plan.MemoHash) {
		out = append(out, Violation{
			Code:    CodeAttestationMissing,
			Message: "execution memo does not reference reasoning hash",
		})
	}
	return out
}

// deviation is |observed-planned| / planned, with a zero plan floored to 1.
func deviation(observed, planned float64) decimal.Decimal {
	p := decimal.NewFromFloat(planned)
	base := p
	if base.IsZero() {
		base = one
	}
	return decimal.NewFromFloat(observed).Sub(p).Abs().Div(base)
}

func present(v *float64) bool {
	return v != nil && *v != 0
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
