package config

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// Keys of the persisted release settings.
const (
	KeyAutoReleaseEnabled = "autorelease.enabled"
	KeyInactivityMonths   = "autorelease.inactivity_months"
	KeyGraceWeeks         = "autorelease.grace_weeks"
)

// ReleaseSettings configures the on-device dead-man's-switch.
type ReleaseSettings struct {
	Enabled          bool
	InactivityMonths int
	GraceWeeks       int
}

// DefaultReleaseSettings is used for keys that were never written.
func DefaultReleaseSettings() ReleaseSettings {
	return ReleaseSettings{Enabled: false, InactivityMonths: 6, GraceWeeks: 4}
}

// KV is a persisted string key/value store.
type KV interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// ClampMin returns v, or min when v is smaller.
func ClampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// LoadReleaseSettings reads the release settings from kv. Thresholds that are
// zero, negative or unparsable are clamped to 1 rather than rejected; values
// that do not parse are logged as warnings.
func LoadReleaseSettings(ctx context.Context, kv KV, log zerolog.Logger) (ReleaseSettings, error) {
	s := DefaultReleaseSettings()

	if v, ok, err := kv.GetSetting(ctx, KeyAutoReleaseEnabled); err != nil {
		return s, err
	} else if ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			log.Warn().Str("key", KeyAutoReleaseEnabled).Str("value", v).Msg("unparsable setting, switch left disabled")
		}
		s.Enabled = enabled
	}

	months, err := intSetting(ctx, kv, KeyInactivityMonths, s.InactivityMonths, log)
	if err != nil {
		return s, err
	}
	weeks, err := intSetting(ctx, kv, KeyGraceWeeks, s.GraceWeeks, log)
	if err != nil {
		return s, err
	}
	s.InactivityMonths = ClampMin(months, 1)
	s.GraceWeeks = ClampMin(weeks, 1)
	return s, nil
}

// SaveReleaseSettings writes s to kv after clamping.
func SaveReleaseSettings(ctx context.Context, kv KV, s ReleaseSettings) error {
	for key, value := range map[string]string{
		KeyAutoReleaseEnabled: strconv.FormatBool(s.Enabled),
		KeyInactivityMonths:   strconv.Itoa(ClampMin(s.InactivityMonths, 1)),
		KeyGraceWeeks:         strconv.Itoa(ClampMin(s.GraceWeeks, 1)),
	} {
		if err := kv.SetSetting(ctx, key, value); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return nil
}

func intSetting(ctx context.Context, kv KV, key string, def int, log zerolog.Logger) (int, error) {
	v, ok, err := kv.GetSetting(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("unparsable threshold, clamped to 1")
		return 0, nil
	}
	return n, nil
}
