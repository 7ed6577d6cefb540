package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is the outcome of a detection. Lower values are more restrictive.
type Decision int

const (
	DecisionBlock Decision = iota
	DecisionReview
	DecisionAllow
)

// String returns the lower-case wire form.
func (d Decision) String() string {
	switch d {
	case DecisionBlock:
		return "block"
	case DecisionReview:
		return "review"
	case DecisionAllow:
		return "allow"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Stronger reports whether d is more restrictive than other.
func (d Decision) Stronger(other Decision) bool {
	return d < other
}

// ParseDecision parses "block", "review" or "allow" in any case.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return DecisionBlock, nil
	case "review":
		return DecisionReview, nil
	case "allow":
		return DecisionAllow, nil
	default:
		return DecisionAllow, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, s)
	}
}

// NormalizeAction maps a stored rule action to a rule decision.
// An empty action means BLOCK; anything else that is not BLOCK is REVIEW.
func NormalizeAction(action string) Decision {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "", "BLOCK":
		return DecisionBlock
	default:
		return DecisionReview
	}
}

func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Decision) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDecision(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
