package release

import (
	"time"

	"github.com/lazypower/heirloom/internal/store"
)

// State is the position of an item in the release state machine. It is
// derived from the stored item, never persisted.
type State int

const (
	Unscheduled State = iota
	PendingAutoRelease
	Released
	Watched
)

func (s State) String() string {
	switch s {
	case Unscheduled:
		return "unscheduled"
	case PendingAutoRelease:
		return "pending"
	case Released:
		return "released"
	case Watched:
		return "watched"
	}
	return "unknown"
}

// StateOf derives the state of it.
func StateOf(it store.Item) State {
	switch {
	case it.Watched && it.Released:
		return Watched
	case it.Released:
		return Released
	case it.Policy.Kind == store.PolicyVault:
		return Unscheduled
	default:
		return PendingAutoRelease
	}
}

// AgeInYears returns the number of whole years between birth and now.
func AgeInYears(birth, now time.Time) int {
	birth, now = birth.UTC(), now.UTC()
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	return years
}

// Verdict explains the outcome of evaluating an item's policy.
type Verdict int

const (
	NotDue Verdict = iota
	Due
	// Blocked means the policy cannot be evaluated, e.g. an age policy whose
	// recipient has no birth date.
	Blocked
	// External means the policy is never fired by the date and age check.
	External
)

// Evaluate decides whether the date and age rules release it at now.
// recipients resolves recipient ids; unknown ids block age policies.
func Evaluate(it store.Item, now time.Time, recipients func(id string) (store.Recipient, bool)) Verdict {
	switch it.Policy.Kind {
	case store.PolicyImmediate:
		return Due
	case store.PolicyOnDate:
		if it.Policy.Date == nil {
			return Blocked
		}
		if now.Before(*it.Policy.Date) {
			return NotDue
		}
		return Due
	case store.PolicyOnRecipientAge:
		if len(it.Recipients) == 0 {
			return Blocked
		}
		for _, id := range it.Recipients {
			r, ok := recipients(id)
			if !ok || r.BirthDate == nil {
				return Blocked
			}
			if AgeInYears(*r.BirthDate, now) < it.Policy.Years {
				return NotDue
			}
		}
		return Due
	default:
		return External
	}
}

// Unrestricted reports whether it may be released by the dead-man's-switch
// pump: unreleased, addressed to someone, and not governed by a date or age.
func Unrestricted(it store.Item) bool {
	if it.Released || len(it.Recipients) == 0 {
		return false
	}
	return it.Policy.Kind == store.PolicyVault || it.Policy.Kind == store.PolicyHeartbeatQueue
}
