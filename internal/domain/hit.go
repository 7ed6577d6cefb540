package domain

// Hit is the evidence that one rule matched a case.
type Hit struct {
	RuleID            string         `json:"ruleId"`
	Decision          Decision       `json:"decision"`
	Reason            string         `json:"reason,omitempty"`
	RegisterTargets   RegisterTarget `json:"registerTargets,omitempty"`
	RegisterBlocklist bool           `json:"registerBlocklist"`
	RegisterParams    RegisterParams `json:"registerParams"`
}

// OutcomeKind classifies the evaluation of one rule.
type OutcomeKind int

const (
	OutcomeNoHit OutcomeKind = iota
	OutcomeHit
	OutcomeFault
)

// RuleOutcome is the result of evaluating a single rule predicate.
// A Fault is treated as no hit by aggregation.
type RuleOutcome struct {
	RuleID string
	Kind   OutcomeKind
	Hit    *Hit
	Err    error
}

// RuleFault records a predicate failure for observability.
type RuleFault struct {
	RuleID string `json:"ruleId"`
	Error  string `json:"error"`
}
