package domain

import (
	"strings"
	"time"
)

// RuleDefinition is a rule row as stored. Action and Target are kept raw;
// the rule cache normalizes them on load.
type RuleDefinition struct {
	ID     string `json:"id" yaml:"id"`
	Reason string `json:"reason,omitempty" yaml:"reason"`

	// CEL boolean expression over case facts
	Expression string `json:"expression" yaml:"expression"`

	Action string `json:"action" yaml:"action"` // BLOCK | REVIEW
	Target string `json:"target" yaml:"target"` // order | purchase

	RegisterBlocklist bool   `json:"registerBlocklist" yaml:"register_blocklist"`
	RegisterTargets   string `json:"registerTargets,omitempty" yaml:"register_targets"` // e.g. "user,device"

	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Rule is a normalized rule held in a cache snapshot. Never modified after load.
type Rule struct {
	ID                string         `json:"id"`
	Expression        string         `json:"expression"`
	Reason            string         `json:"reason,omitempty"`
	Action            Decision       `json:"action"`
	Target            CaseKind       `json:"target"`
	RegisterBlocklist bool           `json:"registerBlocklist"`
	RegisterTargets   RegisterTarget `json:"registerTargets"`
}

// RegisterTarget is a bitmask of the identifiers a hit asks to blocklist.
type RegisterTarget uint8

const (
	RegisterUser RegisterTarget = 1 << iota
	RegisterDevice
	RegisterCard

	RegisterNone RegisterTarget = 0
	RegisterAll                 = RegisterUser | RegisterDevice | RegisterCard
)

// Has reports whether t includes flag.
func (t RegisterTarget) Has(flag RegisterTarget) bool {
	return t&flag != 0
}

// String renders the mask as a comma-separated list.
func (t RegisterTarget) String() string {
	var parts []string
	if t.Has(RegisterUser) {
		parts = append(parts, "user")
	}
	if t.Has(RegisterDevice) {
		parts = append(parts, "device")
	}
	if t.Has(RegisterCard) {
		parts = append(parts, "card")
	}
	return strings.Join(parts, ",")
}

// ParseRegisterTargets parses "user,device,card". Empty input means all targets.
// Unknown names are ignored.
func ParseRegisterTargets(s string) RegisterTarget {
	if strings.TrimSpace(s) == "" {
		return RegisterAll
	}
	var t RegisterTarget
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "user":
			t |= RegisterUser
		case "device":
			t |= RegisterDevice
		case "card":
			t |= RegisterCard
		case "all":
			t |= RegisterAll
		}
	}
	return t
}
