// Package guardian implements the inactivity dead-man's-switch. One pure
// state machine, Evaluate, is driven by two variants: Local keeps its state
// on the owner's device and Registered keeps it in the registry so recipient
// devices can drive it after the owner's device is gone.
package guardian

import (
	"fmt"
	"time"
)

// Phase is the position of the dead-man's-switch.
type Phase int

const (
	Disabled Phase = iota
	Active
	GraceStarted
	ReleaseEligible
)

func (p Phase) String() string {
	switch p {
	case Disabled:
		return "disabled"
	case Active:
		return "active"
	case GraceStarted:
		return "grace"
	case ReleaseEligible:
		return "eligible"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// PumpInterval is the spacing of weekly releases once eligible.
const PumpInterval = 7 * 24 * time.Hour

// Settings are the thresholds of the switch.
type Settings struct {
	Enabled          bool
	InactivityMonths int
	GraceWeeks       int
}

// GracePeriod returns the grace length as a duration.
func (s Settings) GracePeriod() time.Duration {
	return time.Duration(max(s.GraceWeeks, 1)) * 7 * 24 * time.Hour
}

// State is the bookkeeping the switch reads.
type State struct {
	LastActive        time.Time
	GraceStartedAt    *time.Time
	LastWeeklyRelease *time.Time
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Phase Phase
	// StartGrace asks the caller to record GraceStartedAt = now.
	StartGrace bool
	// PumpDue asks the caller to release one item and stamp the week.
	PumpDue     bool
	GraceEndsAt time.Time
}

// Evaluate computes the next step of the switch at now. It never mutates s;
// the caller persists whatever the decision asks for.
func Evaluate(s State, cfg Settings, now time.Time) Decision {
	if !cfg.Enabled {
		return Decision{Phase: Disabled}
	}
	if s.GraceStartedAt == nil {
		deadline := s.LastActive.AddDate(0, max(cfg.InactivityMonths, 1), 0)
		if now.Before(deadline) {
			return Decision{Phase: Active}
		}
		return Decision{Phase: GraceStarted, StartGrace: true, GraceEndsAt: now.Add(cfg.GracePeriod())}
	}

	graceEnds := s.GraceStartedAt.Add(cfg.GracePeriod())
	if now.Before(graceEnds) {
		return Decision{Phase: GraceStarted, GraceEndsAt: graceEnds}
	}
	due := s.LastWeeklyRelease == nil || now.Sub(*s.LastWeeklyRelease) >= PumpInterval
	return Decision{Phase: ReleaseEligible, PumpDue: due, GraceEndsAt: graceEnds}
}
