package store

import (
	"slices"
	"time"
)

// Partition is an independently replicating slice of the store.
type Partition string

const (
	PartitionPrivate Partition = "private"
	PartitionShared  Partition = "shared"
)

// Scope selects which partitions a query reads.
type Scope int

const (
	ScopeBoth Scope = iota
	ScopePrivate
	ScopeShared
)

func (s Scope) includes(p Partition) bool {
	switch s {
	case ScopePrivate:
		return p == PartitionPrivate
	case ScopeShared:
		return p == PartitionShared
	default:
		return true
	}
}

// Permission is the access a capability grants over a zone.
type Permission string

const (
	PermissionNone      Permission = "none"
	PermissionReadOnly  Permission = "read_only"
	PermissionReadWrite Permission = "read_write"
)

// Zone is a container of records owned by one identity.
type Zone struct {
	ID           string
	OwnerID      string
	Name         string
	Partition    Partition
	Permission   Permission
	CapabilityID string
	Cursor       int64
	CreatedAt    time.Time
}

// Writable reports whether local writes to the zone are allowed.
func (z Zone) Writable() bool {
	return z.Partition == PartitionPrivate || z.Permission == PermissionReadWrite
}

// ZoneID builds the local key of a zone.
func ZoneID(ownerID, name string) string {
	return ownerID + "/" + name
}

// DefaultZoneName is the private zone every identity writes its keepsakes to.
const DefaultZoneName = "keepsakes"

// ItemClocks holds the unix-millis write time of each item field group.
type ItemClocks struct {
	Content    int64 `json:"content"`
	Recipients int64 `json:"recipients"`
	Policy     int64 `json:"policy"`
	Release    int64 `json:"release"`
	Watch      int64 `json:"watch"`
}

// Item is a keepsake addressed to zero or more recipients.
type Item struct {
	ID         string        `json:"id"`
	ZoneID     string        `json:"zone_id"`
	Partition  Partition     `json:"-"`
	ContentRef string        `json:"content_ref"`
	Recipients []string      `json:"recipients"`
	Policy     ReleasePolicy `json:"policy"`
	Released   bool          `json:"released"`
	ReleasedAt *time.Time    `json:"released_at,omitempty"`
	Watched    bool          `json:"watched"`
	WatchedAt  *time.Time    `json:"watched_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Clocks     ItemClocks    `json:"clocks"`

	Version   int64 `json:"-"`
	RemoteSeq int64 `json:"-"`
	Dirty     bool  `json:"-"`
}

// Targets reports whether recipientID is among the item's recipients.
func (it Item) Targets(recipientID string) bool {
	return slices.Contains(it.Recipients, recipientID)
}

// RecipientClocks holds the unix-millis write time of each recipient field group.
type RecipientClocks struct {
	Profile       int64 `json:"profile"`
	Heartbeats    int64 `json:"heartbeats"`
	HeartbeatMark int64 `json:"heartbeat_mark"`
}

// Recipient is a person keepsakes are addressed to. Created by owners only.
type Recipient struct {
	ID                        string          `json:"id"`
	ZoneID                    string          `json:"zone_id"`
	Partition                 Partition       `json:"-"`
	Name                      string          `json:"name"`
	BirthDate                 *time.Time      `json:"birth_date,omitempty"`
	HeartbeatsEnabled         bool            `json:"heartbeats_enabled"`
	HeartbeatsStartDate       *time.Time      `json:"heartbeats_start_date,omitempty"`
	HeartbeatsLastReleaseDate *time.Time      `json:"heartbeats_last_release_date,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
	Clocks                    RecipientClocks `json:"clocks"`

	Version   int64 `json:"-"`
	RemoteSeq int64 `json:"-"`
	Dirty     bool  `json:"-"`
}

// GuardianState is the on-device dead-man's-switch bookkeeping.
type GuardianState struct {
	LastActive        *time.Time
	GraceStartedAt    *time.Time
	LastWeeklyRelease *time.Time
}

// Notification is a locally scheduled notification waiting for delivery.
type Notification struct {
	ID        string
	Title     string
	Body      string
	FireAt    time.Time
	CreatedAt time.Time
	Cancelled bool
}
