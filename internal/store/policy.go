package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PolicyKind names a release policy variant.
type PolicyKind string

const (
	PolicyImmediate      PolicyKind = "immediate"
	PolicyOnDate         PolicyKind = "on_date"
	PolicyOnRecipientAge PolicyKind = "on_recipient_age"
	PolicyVault          PolicyKind = "vault"
	PolicyHeartbeatQueue PolicyKind = "heartbeat_queue"
)

// ReleasePolicy decides when an item becomes visible. Only the fields of
// the active Kind are meaningful.
type ReleasePolicy struct {
	Kind        PolicyKind `json:"kind"`
	Date        *time.Time `json:"date,omitempty"`
	Years       int        `json:"years,omitempty"`
	RecipientID string     `json:"recipient_id,omitempty"`
}

func Immediate() ReleasePolicy { return ReleasePolicy{Kind: PolicyImmediate} }
func Vault() ReleasePolicy     { return ReleasePolicy{Kind: PolicyVault} }

func OnDate(t time.Time) ReleasePolicy {
	d := t.UTC()
	return ReleasePolicy{Kind: PolicyOnDate, Date: &d}
}

func OnRecipientAge(years int) ReleasePolicy {
	return ReleasePolicy{Kind: PolicyOnRecipientAge, Years: years}
}

func HeartbeatQueue(recipientID string) ReleasePolicy {
	return ReleasePolicy{Kind: PolicyHeartbeatQueue, RecipientID: recipientID}
}

// Validate checks that the fields required by Kind are present.
func (p ReleasePolicy) Validate() error {
	switch p.Kind {
	case PolicyImmediate, PolicyVault:
		return nil
	case PolicyOnDate:
		if p.Date == nil {
			return fmt.Errorf("%w: on_date requires a date", ErrInvalidPolicy)
		}
	case PolicyOnRecipientAge:
		if p.Years <= 0 {
			return fmt.Errorf("%w: on_recipient_age requires years > 0", ErrInvalidPolicy)
		}
	case PolicyHeartbeatQueue:
		if p.RecipientID == "" {
			return fmt.Errorf("%w: heartbeat_queue requires a recipient", ErrInvalidPolicy)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPolicy, p.Kind)
	}
	return nil
}

// Equal compares two policies by their meaningful fields.
func (p ReleasePolicy) Equal(o ReleasePolicy) bool {
	if p.Kind != o.Kind || p.Years != o.Years || p.RecipientID != o.RecipientID {
		return false
	}
	return timePtrEqual(p.Date, o.Date)
}

// String renders the policy in the form ParsePolicy accepts.
func (p ReleasePolicy) String() string {
	switch p.Kind {
	case PolicyOnDate:
		if p.Date != nil {
			return "date:" + p.Date.Format(time.DateOnly)
		}
	case PolicyOnRecipientAge:
		return "age:" + strconv.Itoa(p.Years)
	case PolicyHeartbeatQueue:
		return "heartbeat:" + p.RecipientID
	}
	return string(p.Kind)
}

// ParsePolicy reads "vault", "immediate", "date:YYYY-MM-DD", "age:N" or
// "heartbeat:RECIPIENT".
func ParsePolicy(s string) (ReleasePolicy, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	var p ReleasePolicy
	switch kind {
	case "vault":
		p = Vault()
	case "immediate":
		p = Immediate()
	case "date":
		t, err := time.Parse(time.DateOnly, arg)
		if err != nil {
			return ReleasePolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		p = OnDate(t)
	case "age":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return ReleasePolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		p = OnRecipientAge(n)
	case "heartbeat":
		p = HeartbeatQueue(arg)
	default:
		return ReleasePolicy{}, fmt.Errorf("%w: unknown policy %q", ErrInvalidPolicy, s)
	}
	return p, p.Validate()
}
