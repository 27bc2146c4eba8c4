package escalation

import (
	"fmt"
	"time"
)

const (
	ProfileStandard = "standard"
	ProfileDemo     = "demo"

	// MaxLevel is the escalation ceiling: level 1 reaches tier 2, level 2
	// reaches the department head.
	MaxLevel = 2
)

// Policy holds the SLA window of each staff tier.
type Policy struct {
	Tier1 time.Duration `yaml:"tier1" validate:"gt=0"`
	Tier2 time.Duration `yaml:"tier2" validate:"gt=0"`
}

func StandardPolicy() Policy {
	return Policy{Tier1: 72 * time.Hour, Tier2: 168 * time.Hour}
}

// DemoPolicy compresses the windows to minutes.
func DemoPolicy() Policy {
	return Policy{Tier1: 5 * time.Minute, Tier2: 10 * time.Minute}
}

func PolicyFor(profile string) (Policy, error) {
	switch profile {
	case "", ProfileStandard:
		return StandardPolicy(), nil
	case ProfileDemo:
		return DemoPolicy(), nil
	default:
		return Policy{}, fmt.Errorf("unknown SLA profile %q", profile)
	}
}

// Window returns the SLA window for a tier. Tiers above 2 use the tier-2 window.
func (p Policy) Window(tier int) time.Duration {
	if tier <= 1 {
		return p.Tier1
	}
	return p.Tier2
}

func (p Policy) Deadline(from time.Time, tier int) time.Time {
	return from.Add(p.Window(tier)).UTC()
}
