package model

import (
	"time"

	prommodel "github.com/prometheus/common/model"
)

// RuleSetting is one configured rule inside a policy tier. Dimension names
// the aggregate measurement, Lookback the window it is computed over, and a
// measurement strictly greater than Threshold breaches the rule.
type RuleSetting struct {
	Dimension string             `yaml:"dimension" json:"dimension"`
	Lookback  prommodel.Duration `yaml:"lookback" json:"lookback"`
	Threshold float64            `yaml:"threshold" json:"threshold"`
	Severity  DecisionKind       `yaml:"severity" json:"severity"`
}

// LookbackDuration returns the rule lookback as a time.Duration
func (r RuleSetting) LookbackDuration() time.Duration {
	return time.Duration(r.Lookback)
}

// PolicyTier groups the rules and emission pacing applied to a set of clients
type PolicyTier struct {
	Name     string             `yaml:"name" json:"name"`
	Cooldown prommodel.Duration `yaml:"cooldown" json:"cooldown"`
	Rules    []RuleSetting      `yaml:"rules" json:"rules"`
}

// CooldownDuration returns the tier cooldown as a time.Duration
func (t *PolicyTier) CooldownDuration() time.Duration {
	return time.Duration(t.Cooldown)
}

// PolicySet is the validated per-run policy configuration. It is immutable
// after loading; tier resolution never fails at evaluation time.
type PolicySet struct {
	DefaultTier string
	Tiers       map[string]*PolicyTier
	Overrides   map[string]string
}

// TierFor resolves the policy tier governing clientID
func (p *PolicySet) TierFor(clientID string) *PolicyTier {
	if name, ok := p.Overrides[clientID]; ok {
		if tier, ok := p.Tiers[name]; ok {
			return tier
		}
	}
	return p.Tiers[p.DefaultTier]
}

// MaxLookback returns the longest rule lookback across all tiers
func (p *PolicySet) MaxLookback() time.Duration {
	var max time.Duration
	for _, tier := range p.Tiers {
		for _, rule := range tier.Rules {
			if d := rule.LookbackDuration(); d > max {
				max = d
			}
		}
	}
	return max
}

// RiskCategory labels a group of destination domains that clients should
// not be reaching through the proxy
type RiskCategory struct {
	Name    string   `yaml:"name" json:"name"`
	Domains []string `yaml:"domains" json:"domains"`
}
