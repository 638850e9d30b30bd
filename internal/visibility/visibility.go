// Package visibility decides whether an item may be shown to the current
// viewer. It is a pure function of the store snapshot.
package visibility

import (
	"fmt"

	"github.com/lazypower/heirloom/internal/store"
)

// Role is who is looking at the collection.
type Role int

const (
	Owner Role = iota
	Recipient
)

func (r Role) String() string {
	switch r {
	case Owner:
		return "owner"
	case Recipient:
		return "recipient"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole accepts "owner" or "recipient".
func ParseRole(s string) (Role, error) {
	switch s {
	case "owner":
		return Owner, nil
	case "recipient":
		return Recipient, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// IsVisible reports whether item may be rendered for role. Owners see every
// item. A recipient sees an item only once it is released and addressed to
// them; an item without recipients is therefore never visible to anyone but
// an owner.
func IsVisible(role Role, item store.Item, recipientID string) bool {
	if role == Owner {
		return true
	}
	return item.Released && item.Targets(recipientID)
}

// Filter returns the items visible to role, preserving order.
func Filter(role Role, items []store.Item, recipientID string) []store.Item {
	out := make([]store.Item, 0, len(items))
	for _, it := range items {
		if IsVisible(role, it, recipientID) {
			out = append(out, it)
		}
	}
	return out
}
