package store

import (
	"slices"
	"time"
)

// MergeItem resolves a local and a remote copy of the same item, one field
// group at a time. The newer group wins; on a tie the local value stays.
// Released and watched never go back to false.
func MergeItem(local, remote Item) Item {
	out := local
	out.Recipients = slices.Clone(local.Recipients)

	if remote.Clocks.Content > local.Clocks.Content {
		out.ContentRef = remote.ContentRef
		out.Clocks.Content = remote.Clocks.Content
	}
	if remote.Clocks.Recipients > local.Clocks.Recipients {
		out.Recipients = slices.Clone(remote.Recipients)
		out.Clocks.Recipients = remote.Clocks.Recipients
	}
	if remote.Clocks.Policy > local.Clocks.Policy {
		out.Policy = remote.Policy
		out.Clocks.Policy = remote.Clocks.Policy
	}
	if remote.Released && (!local.Released || remote.Clocks.Release > local.Clocks.Release) {
		out.Released = true
		out.ReleasedAt = remote.ReleasedAt
		out.Clocks.Release = remote.Clocks.Release
	}
	if remote.Watched && (!local.Watched || remote.Clocks.Watch > local.Clocks.Watch) {
		out.Watched = true
		out.WatchedAt = remote.WatchedAt
		out.Clocks.Watch = remote.Clocks.Watch
	}
	return out
}

// MergeRecipient is MergeItem for recipients.
func MergeRecipient(local, remote Recipient) Recipient {
	out := local
	if remote.Clocks.Profile > local.Clocks.Profile {
		out.Name = remote.Name
		out.BirthDate = remote.BirthDate
		out.Clocks.Profile = remote.Clocks.Profile
	}
	if remote.Clocks.Heartbeats > local.Clocks.Heartbeats {
		out.HeartbeatsEnabled = remote.HeartbeatsEnabled
		out.HeartbeatsStartDate = remote.HeartbeatsStartDate
		out.Clocks.Heartbeats = remote.Clocks.Heartbeats
	}
	if remote.Clocks.HeartbeatMark > local.Clocks.HeartbeatMark {
		out.HeartbeatsLastReleaseDate = remote.HeartbeatsLastReleaseDate
		out.Clocks.HeartbeatMark = remote.Clocks.HeartbeatMark
	}
	return out
}

// sameItem compares replicated fields, ignoring local bookkeeping.
func sameItem(a, b Item) bool {
	return a.ContentRef == b.ContentRef &&
		slices.Equal(a.Recipients, b.Recipients) &&
		a.Policy.Equal(b.Policy) &&
		a.Released == b.Released && timePtrEqual(a.ReleasedAt, b.ReleasedAt) &&
		a.Watched == b.Watched && timePtrEqual(a.WatchedAt, b.WatchedAt) &&
		a.Clocks == b.Clocks
}

func sameRecipient(a, b Recipient) bool {
	return a.Name == b.Name && timePtrEqual(a.BirthDate, b.BirthDate) &&
		a.HeartbeatsEnabled == b.HeartbeatsEnabled &&
		timePtrEqual(a.HeartbeatsStartDate, b.HeartbeatsStartDate) &&
		timePtrEqual(a.HeartbeatsLastReleaseDate, b.HeartbeatsLastReleaseDate) &&
		a.Clocks == b.Clocks
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
