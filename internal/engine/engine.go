// Package engine is the trigger surface of the schedulers. Every entry point
// is safe to call redundantly: concurrent calls share one run and a run with
// nothing due changes nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lazypower/heirloom/internal/guardian"
	"github.com/lazypower/heirloom/internal/heartbeat"
	"github.com/lazypower/heirloom/internal/release"
	"github.com/lazypower/heirloom/internal/replica"
	"github.com/lazypower/heirloom/internal/store"
)

// Components are the schedulers an Engine drives. Registered and Replica
// may be nil when no remote service is configured.
type Components struct {
	Release    *release.Engine
	Heartbeat  *heartbeat.Scheduler
	Local      *guardian.Local
	Registered *guardian.Registered
	Replica    *replica.Replicator
}

// Engine orchestrates release checks, heartbeats, the guardian switch and
// replication.
type Engine struct {
	db    *store.DB
	c     Components
	log   zerolog.Logger
	group singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Engine.
func New(db *store.DB, c Components, log zerolog.Logger) *Engine {
	return &Engine{
		db:     db,
		c:      c,
		log:    log.With().Str("component", "engine").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Report summarizes one pass over every scheduler.
type Report struct {
	Refresh   replica.Stats
	Released  []store.Item
	Heartbeat []store.Item
	Guardian  []guardian.Result
}

// ReleasedCount is the number of items any scheduler released.
func (r Report) ReleasedCount() int {
	n := len(r.Released) + len(r.Heartbeat)
	for _, g := range r.Guardian {
		if g.Released != nil {
			n++
		}
	}
	return n
}

// RunReleaseCheckIfNeeded releases every pending item whose date or age rule
// is due.
func (e *Engine) RunReleaseCheckIfNeeded(ctx context.Context) ([]store.Item, error) {
	v, err, _ := e.group.Do("release", func() (any, error) {
		return e.c.Release.Check(ctx)
	})
	items, _ := v.([]store.Item)
	return items, err
}

// RunHeartbeatCheckIfNeeded releases the next queued item for one recipient
// if its weekly heartbeat is due.
func (e *Engine) RunHeartbeatCheckIfNeeded(ctx context.Context, recipientID string) (store.Item, bool, error) {
	type result struct {
		item store.Item
		ok   bool
	}
	v, err, _ := e.group.Do("heartbeat:"+recipientID, func() (any, error) {
		it, ok, err := e.c.Heartbeat.Check(ctx, recipientID)
		return result{it, ok}, err
	})
	r, _ := v.(result)
	return r.item, r.ok, err
}

// RunHeartbeatChecksIfNeeded runs the heartbeat check for every recipient
// with heartbeats enabled.
func (e *Engine) RunHeartbeatChecksIfNeeded(ctx context.Context) ([]store.Item, error) {
	v, err, _ := e.group.Do("heartbeat", func() (any, error) {
		return e.c.Heartbeat.CheckAll(ctx)
	})
	items, _ := v.([]store.Item)
	return items, err
}

// RunGuardianCheckIfNeeded evaluates the owner's on-device switch and every
// followed guardian record.
func (e *Engine) RunGuardianCheckIfNeeded(ctx context.Context) ([]guardian.Result, error) {
	v, err, _ := e.group.Do("guardian", func() (any, error) {
		return e.guardianChecks(ctx)
	})
	results, _ := v.([]guardian.Result)
	return results, err
}

func (e *Engine) guardianChecks(ctx context.Context) ([]guardian.Result, error) {
	var results []guardian.Result
	var errs []error
	if e.c.Local != nil {
		res, err := e.c.Local.Check(ctx)
		switch {
		case errors.Is(err, replica.ErrUnreachable):
			e.log.Warn().Err(err).Msg("registry unreachable, weekly release deferred")
			results = append(results, res)
		case err != nil:
			errs = append(errs, fmt.Errorf("local guardian: %w", err))
		default:
			results = append(results, res)
		}
	}
	if e.c.Registered == nil {
		return results, errors.Join(errs...)
	}
	codes, err := guardian.Following(ctx, e.db)
	if err != nil {
		return results, errors.Join(append(errs, err)...)
	}
	for _, code := range codes {
		res, err := e.c.Registered.Check(ctx, code)
		if err != nil {
			if errors.Is(err, replica.ErrUnreachable) {
				e.log.Warn().Err(err).Str("code", code).Msg("registry unreachable, guardian check deferred")
				continue
			}
			errs = append(errs, fmt.Errorf("guardian %s: %w", code, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Refresh replicates with the remote service when one is configured.
func (e *Engine) Refresh(ctx context.Context) (replica.Stats, error) {
	if e.c.Replica == nil {
		return replica.Stats{}, nil
	}
	v, err, _ := e.group.Do("refresh", func() (any, error) {
		return e.c.Replica.Refresh(ctx)
	})
	st, _ := v.(replica.Stats)
	return st, err
}

// Tick runs one pass: refresh, then every scheduler. A failing step is
// logged and the remaining steps still run.
func (e *Engine) Tick(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	note := func(step string, err error) {
		if err != nil {
			e.log.Warn().Err(err).Str("step", step).Msg("scheduler step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	var err error
	rep.Refresh, err = e.Refresh(ctx)
	note("refresh", err)
	rep.Released, err = e.RunReleaseCheckIfNeeded(ctx)
	note("release", err)
	rep.Heartbeat, err = e.RunHeartbeatChecksIfNeeded(ctx)
	note("heartbeat", err)
	rep.Guardian, err = e.RunGuardianCheckIfNeeded(ctx)
	note("guardian", err)

	// Push what the schedulers changed.
	if rep.ReleasedCount() > 0 {
		_, err = e.Refresh(ctx)
		note("refresh", err)
	}
	return rep, errors.Join(errs...)
}

// Foreground is the app-foreground event: the owner is active, so the
// switch is reset locally and on the registry before a full pass.
func (e *Engine) Foreground(ctx context.Context) (Report, error) {
	if e.c.Local != nil {
		if err := e.c.Local.MarkActive(ctx); err != nil {
			e.log.Warn().Err(err).Msg("mark active")
		}
	}
	if e.c.Registered != nil {
		code, ok, err := guardian.OwnCode(ctx, e.db)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Msg("read guardian code")
		case ok:
			if err := e.c.Registered.UpdateLastActive(ctx, code); err != nil {
				e.log.Warn().Err(err).Str("code", code).Msg("touch guardian record")
			}
		}
	}
	return e.Tick(ctx)
}

// StartTimers runs Tick every tick interval and an extra refresh every
// refresh interval until Stop. A non-positive refresh interval disables the
// extra refresh.
func (e *Engine) StartTimers(tick, refresh time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		var refreshC <-chan time.Time
		if refresh > 0 {
			rt := time.NewTicker(refresh)
			defer rt.Stop()
			refreshC = rt.C
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-e.stopCh
			cancel()
		}()

		for {
			select {
			case <-ticker.C:
				rep, err := e.Tick(ctx)
				if err == nil && rep.ReleasedCount() > 0 {
					e.log.Info().Int("released", rep.ReleasedCount()).Msg("tick")
				}
			case <-refreshC:
				if _, err := e.Refresh(ctx); err != nil {
					e.log.Warn().Err(err).Msg("refresh")
				}
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the engine's background goroutines and waits for a
// running tick to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
