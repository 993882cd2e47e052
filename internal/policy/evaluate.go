package policy

import "strings"

var criticalCodes = map[Code]struct{}{
	CodeVenueMismatch: {},
	CodeSideMismatch:  {},
}

func IsCritical(code Code) bool {
	_, ok := criticalCodes[code]
	return ok
}

// Evaluate maps a violation set to a decision.
func Evaluate(violations []Violation) Decision {
	if len(violations) == 0 {
		return Decision{Severity: SeverityNone, Action: ActionAllow}
	}
	critical := false
	for _, v := range violations {
		if IsCritical(v.Code) {
			critical = true
			break
		}
	}
	reason := strings.Join(Codes(violations), ",")
	if critical {
		return Decision{
			Severity: SeverityCritical,
			Action:   ActionAutoRemediate,
			Playbook: PlaybookFlattenAndPause,
			Reason:   reason,
		}
	}
	return Decision{
		Severity: SeverityWarning,
		Action:   ActionAlert,
		Playbook: PlaybookWarnOnly,
		Reason:   reason,
	}
}

// Evaluator binds tolerances to Diff and Evaluate.
type Evaluator struct {
	Tolerances Tolerances
}

func NewEvaluator(tol Tolerances) *Evaluator {
	return &Evaluator{Tolerances: tol}
}

func (e *Evaluator) Check(plan PlanIntent, exec ExecutionObservation) ([]Violation, Decision) {
	tol := DefaultTolerances()
	if e != nil {
		tol = e.Tolerances
	}
	violations := Diff(plan, exec, tol)
	return violations, Evaluate(violations)
}
