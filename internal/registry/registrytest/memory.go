package registrytest

import (
	"context"
	"sync"
	"time"

	"github.com/lazypower/heirloom/internal/registry"
)

// Memory is an in-process Registry for tests. Hidden codes simulate
// propagation delay: they exist but lookups fail with ErrNotFound a set
// number of times.
type Memory struct {
	mu        sync.Mutex
	codes     map[string]string
	guardians map[string]registry.GuardianRecord
	hidden    map[string]int
}

// NewMemory returns an empty Memory registry.
func NewMemory() *Memory {
	return &Memory{
		codes:     make(map[string]string),
		guardians: make(map[string]registry.GuardianRecord),
		hidden:    make(map[string]int),
	}
}

// HideFor makes the next n lookups of code fail with ErrNotFound.
func (m *Memory) HideFor(code string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hidden[code] = n
}

func (m *Memory) visible(code string) bool {
	if n := m.hidden[code]; n > 0 {
		m.hidden[code] = n - 1
		return false
	}
	return true
}

func (m *Memory) ClaimCode(_ context.Context, code, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code]; ok {
		return registry.ErrCodeTaken
	}
	m.codes[code] = target
	return nil
}

func (m *Memory) LookupCode(_ context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.codes[code]
	if !ok || !m.visible(code) {
		return "", registry.ErrNotFound
	}
	return target, nil
}

func (m *Memory) CreateGuardian(_ context.Context, rec registry.GuardianRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guardians[rec.Code]; ok {
		return registry.ErrCodeTaken
	}
	m.guardians[rec.Code] = rec
	return nil
}

func (m *Memory) Guardian(_ context.Context, code string) (registry.GuardianRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.guardians[code]
	if !ok || !m.visible(code) {
		return registry.GuardianRecord{}, registry.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) TouchGuardian(_ context.Context, code string, at time.Time) error {
	return m.update(code, func(rec *registry.GuardianRecord) error {
		rec.Touch(at)
		return nil
	})
}

func (m *Memory) StartGrace(_ context.Context, code string, at time.Time) error {
	return m.update(code, func(rec *registry.GuardianRecord) error {
		rec.BeginGrace(at)
		return nil
	})
}

func (m *Memory) EnableWeeklyRelease(_ context.Context, code string) error {
	return m.update(code, func(rec *registry.GuardianRecord) error {
		rec.WeeklyReleaseEnabled = true
		return nil
	})
}

func (m *Memory) ConfigureGuardian(_ context.Context, code string, s registry.GuardianSettings) error {
	return m.update(code, func(rec *registry.GuardianRecord) error {
		rec.Configure(s)
		return nil
	})
}

func (m *Memory) StampWeeklyRelease(_ context.Context, code string, prev *time.Time, at time.Time) error {
	return m.update(code, func(rec *registry.GuardianRecord) error {
		return rec.Stamp(prev, at)
	})
}

func (m *Memory) update(code string, fn func(*registry.GuardianRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.guardians[code]
	if !ok {
		return registry.ErrNotFound
	}
	if err := fn(&rec); err != nil {
		return err
	}
	m.guardians[code] = rec
	return nil
}
