// Package notify schedules local notifications. Delivery is an external
// collaborator; the Outbox persists what should be shown and when.
package notify

import (
	"context"
	"time"

	"github.com/lazypower/heirloom/internal/store"
)

// Well-known notification ids.
const (
	GraceStartID = "guardian.grace-start"
	GraceEndID   = "guardian.grace-end"
)

// ReleaseID is the notification id announcing the release of an item.
func ReleaseID(itemID string) string {
	return "release." + itemID
}

// Notification is a message to show at FireAt.
type Notification struct {
	ID     string
	Title  string
	Body   string
	FireAt time.Time
}

// Notifier schedules and cancels notifications by id. Scheduling an id that
// already exists replaces it.
type Notifier interface {
	Schedule(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, ids ...string) error
}

// Outbox is a Notifier that writes to the local store's notification table.
type Outbox struct {
	db *store.DB
}

// NewOutbox returns an Outbox over db.
func NewOutbox(db *store.DB) *Outbox {
	return &Outbox{db: db}
}

func (o *Outbox) Schedule(ctx context.Context, n Notification) error {
	return o.db.ScheduleNotification(ctx, store.Notification{
		ID:     n.ID,
		Title:  n.Title,
		Body:   n.Body,
		FireAt: n.FireAt,
	})
}

func (o *Outbox) Cancel(ctx context.Context, ids ...string) error {
	return o.db.CancelNotifications(ctx, ids...)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Schedule(context.Context, Notification) error { return nil }
func (Nop) Cancel(context.Context, ...string) error      { return nil }
