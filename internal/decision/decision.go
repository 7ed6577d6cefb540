// Package decision aggregates rule hits into the final decision for a case.
package decision

import (
	"sort"

	"github.com/opensource-finance/fds/internal/domain"
)

// Input contains everything needed to resolve a decision for one case.
type Input struct {
	Kind     domain.CaseKind
	CaseID   string
	Outcomes []domain.RuleOutcome
}

// Process resolves the rule outcomes of one case into a Result.
// Faults count as no hit but are kept on the Result.
func Process(input *Input) *domain.Result {
	hits := make([]domain.Hit, 0, len(input.Outcomes))
	var faults []domain.RuleFault

	for _, o := range input.Outcomes {
		switch o.Kind {
		case domain.OutcomeHit:
			if o.Hit != nil {
				hits = append(hits, *o.Hit)
			}
		case domain.OutcomeFault:
			msg := "unknown error"
			if o.Err != nil {
				msg = o.Err.Error()
			}
			faults = append(faults, domain.RuleFault{RuleID: o.RuleID, Error: msg})
		}
	}

	sort.Slice(faults, func(i, j int) bool { return faults[i].RuleID < faults[j].RuleID })

	result := Aggregate(hits)
	result.Kind = input.Kind
	result.CaseID = input.CaseID
	result.Faults = faults
	return result
}

// Aggregate sorts hits and folds them into a Result. The input slice is not modified.
func Aggregate(hits []domain.Hit) *domain.Result {
	sorted := SortHits(hits)

	result := &domain.Result{
		Decision: domain.DecisionAllow,
		Reasons:  make([]string, 0, len(sorted)),
		Hits:     sorted,
	}

	for _, h := range sorted {
		if h.Decision.Stronger(result.Decision) {
			result.Decision = h.Decision
		}
		result.Reasons = append(result.Reasons, FormatReason(h))
	}

	result.RegisterBlocklist, result.RegisterParams = MergeRegisterParams(sorted)
	return result
}

// SortHits returns a copy of hits ordered by severity, strongest first, then by rule id.
func SortHits(hits []domain.Hit) []domain.Hit {
	sorted := make([]domain.Hit, len(hits))
	copy(sorted, hits)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Decision != sorted[j].Decision {
			return sorted[i].Decision < sorted[j].Decision
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})
	return sorted
}

// FormatReason renders one hit as "[ruleId] reason", or "[ruleId]" without a reason.
func FormatReason(h domain.Hit) string {
	if h.Reason == "" {
		return "[" + h.RuleID + "]"
	}
	return "[" + h.RuleID + "] " + h.Reason
}

// MergeRegisterParams merges the parameters of every hit that requested registration,
// in the given order. The first hit to supply a field wins.
func MergeRegisterParams(hits []domain.Hit) (bool, domain.RegisterParams) {
	var register bool
	var params domain.RegisterParams

	for _, h := range hits {
		if !h.RegisterBlocklist {
			continue
		}
		register = true
		params = params.Merge(h.RegisterParams)
	}

	return register, params
}

// ShouldBlock returns true if the result blocks the case.
func ShouldBlock(result *domain.Result) bool {
	return result.Decision == domain.DecisionBlock
}
