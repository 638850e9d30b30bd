// Package registry defines the world-readable registry that maps short codes
// to redemption addresses and hosts guardian records independently of any
// device.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for codes that are unknown or not yet visible.
	// Callers should treat it as retryable while a code may still be propagating.
	ErrNotFound        = errors.New("registry: not found")
	ErrCodeTaken       = errors.New("registry: code already taken")
	ErrTooManyAttempts = errors.New("registry: too many code collisions")
	ErrStale           = errors.New("registry: record changed concurrently")
)

// Registry is implemented by the remote service's storage backends and by the
// HTTP client devices use to reach it.
type Registry interface {
	// ClaimCode maps code to target unless the code is already live.
	ClaimCode(ctx context.Context, code, target string) error
	LookupCode(ctx context.Context, code string) (string, error)

	CreateGuardian(ctx context.Context, rec GuardianRecord) error
	Guardian(ctx context.Context, code string) (GuardianRecord, error)
	// TouchGuardian records owner activity and aborts any grace period.
	TouchGuardian(ctx context.Context, code string, at time.Time) error
	// StartGrace sets the grace start unless one is already running.
	StartGrace(ctx context.Context, code string, at time.Time) error
	EnableWeeklyRelease(ctx context.Context, code string) error
	// ConfigureGuardian replaces the owner's switch settings on the record.
	ConfigureGuardian(ctx context.Context, code string, s GuardianSettings) error
	// StampWeeklyRelease sets the weekly release time only if it still equals
	// prev, returning ErrStale otherwise.
	StampWeeklyRelease(ctx context.Context, code string, prev *time.Time, at time.Time) error
}

// GuardianRecord is the device-independent dead-man's-switch authority.
type GuardianRecord struct {
	Code                      string     `json:"code"`
	OwnerID                   string     `json:"owner_id"`
	Zone                      string     `json:"zone"`
	Enabled                   bool       `json:"enabled"`
	InactivityThresholdMonths int        `json:"inactivity_threshold_months"`
	GracePeriodWeeks          int        `json:"grace_period_weeks"`
	LastActive                time.Time  `json:"last_active"`
	GraceStartedAt            *time.Time `json:"grace_started_at,omitempty"`
	WeeklyReleaseEnabled      bool       `json:"weekly_release_enabled"`
	WeeklyLastRelease         *time.Time `json:"weekly_last_release,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
}

// GuardianSettings are the owner-controlled fields of a GuardianRecord.
type GuardianSettings struct {
	Enabled                   bool `json:"enabled"`
	InactivityThresholdMonths int  `json:"inactivity_threshold_months"`
	GracePeriodWeeks          int  `json:"grace_period_weeks"`
}

// Configure applies owner settings. Thresholds are clamped to 1. Disabling
// the switch also aborts a running grace period and weekly release.
func (r *GuardianRecord) Configure(s GuardianSettings) {
	r.Enabled = s.Enabled
	r.InactivityThresholdMonths = max(s.InactivityThresholdMonths, 1)
	r.GracePeriodWeeks = max(s.GracePeriodWeeks, 1)
	if !s.Enabled {
		r.GraceStartedAt = nil
		r.WeeklyReleaseEnabled = false
	}
}

// Touch applies owner activity to the record.
func (r *GuardianRecord) Touch(at time.Time) {
	r.LastActive = at.UTC()
	r.GraceStartedAt = nil
	r.WeeklyReleaseEnabled = false
}

// BeginGrace starts the grace period and reports whether it changed anything.
func (r *GuardianRecord) BeginGrace(at time.Time) bool {
	if r.GraceStartedAt != nil {
		return false
	}
	t := at.UTC()
	r.GraceStartedAt = &t
	return true
}

// Stamp records a weekly release if the previous stamp still matches.
func (r *GuardianRecord) Stamp(prev *time.Time, at time.Time) error {
	if !sameTime(r.WeeklyLastRelease, prev) {
		return ErrStale
	}
	t := at.UTC()
	r.WeeklyLastRelease = &t
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
