package domain

import "time"

// RegisterParams carries the identifiers to register into blocklists.
// An empty string means the field is absent.
type RegisterParams struct {
	User   string `json:"user,omitempty"`
	Device string `json:"device,omitempty"`
	Card   string `json:"card,omitempty"`
}

// IsEmpty reports whether no identifier is present.
func (p RegisterParams) IsEmpty() bool {
	return p.User == "" && p.Device == "" && p.Card == ""
}

// Merge fills fields of p that are still absent from other. Present fields are never overwritten.
func (p RegisterParams) Merge(other RegisterParams) RegisterParams {
	if p.User == "" {
		p.User = other.User
	}
	if p.Device == "" {
		p.Device = other.Device
	}
	if p.Card == "" {
		p.Card = other.Card
	}
	return p
}

// Result is the aggregated decision for one case.
type Result struct {
	Kind              CaseKind       `json:"kind"`
	CaseID            string         `json:"caseId"`
	Decision          Decision       `json:"decision"`
	Reasons           []string       `json:"reasons"`
	RegisterBlocklist bool           `json:"registerBlocklist"`
	RegisterParams    RegisterParams `json:"registerParams"`
	Hits              []Hit          `json:"hits,omitempty"`
	Faults            []RuleFault    `json:"faults,omitempty"`
}

// DetectionLog is the persisted audit record of a decision.
type DetectionLog struct {
	ID        string    `json:"id"`
	CaseKind  CaseKind  `json:"caseKind"`
	CaseID    string    `json:"caseId"`
	Decision  Decision  `json:"decision"`
	Reasons   []string  `json:"reasons"`
	Hits      []Hit     `json:"hits"`
	Source    string    `json:"source"` // sync | worker
	CreatedAt time.Time `json:"createdAt"`
}

const (
	SourceSync   = "sync"
	SourceWorker = "worker"
)

// NewDetectionLog builds the audit record of res.
func NewDetectionLog(res *Result, source string) *DetectionLog {
	return &DetectionLog{
		CaseKind: res.Kind,
		CaseID:   res.CaseID,
		Decision: res.Decision,
		Reasons:  res.Reasons,
		Hits:     res.Hits,
		Source:   source,
	}
}
