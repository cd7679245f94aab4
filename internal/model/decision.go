package model

import "time"

// DecisionKind represents the outcome severity of one evaluation
type DecisionKind string

const (
	DecisionNone  DecisionKind = "none"
	DecisionWarn  DecisionKind = "warn"
	DecisionBlock DecisionKind = "block"
)

func (k DecisionKind) rank() int {
	switch k {
	case DecisionBlock:
		return 2
	case DecisionWarn:
		return 1
	default:
		return 0
	}
}

// Exceeds reports whether k is more severe than other
func (k DecisionKind) Exceeds(other DecisionKind) bool {
	return k.rank() > other.rank()
}

// ValidDecisionKind reports whether s names a configurable severity
func ValidDecisionKind(s string) bool {
	return s == string(DecisionWarn) || s == string(DecisionBlock)
}

// TriggeredRule records one breached rule inside a decision
type TriggeredRule struct {
	Rule      string  `json:"rule"`
	Measured  float64 `json:"measured"`
	Threshold float64 `json:"threshold"`
}

// Evidence is the aggregate snapshot a decision was derived from
type Evidence struct {
	From         time.Time          `json:"from,omitempty"`
	To           time.Time          `json:"to,omitempty"`
	Buckets      int                `json:"buckets,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	Capped       bool               `json:"capped,omitempty"`
}

// Empty reports whether no aggregate data backed the evaluation
func (e Evidence) Empty() bool {
	return e.Buckets == 0 && len(e.Measurements) == 0
}

// Decision represents the result of evaluating one client against its policy tier
type Decision struct {
	ID             string          `json:"id"`
	Kind           DecisionKind    `json:"kind"`
	ClientID       string          `json:"client_id"`
	Tier           string          `json:"tier"`
	TriggeredRules []TriggeredRule `json:"triggered_rules,omitempty"`
	Evidence       Evidence        `json:"evidence"`
	DecidedAt      time.Time       `json:"decided_at"`
}
