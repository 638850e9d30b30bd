package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazypower/heirloom/internal/capability"
	"github.com/lazypower/heirloom/internal/config"
	"github.com/lazypower/heirloom/internal/engine"
	"github.com/lazypower/heirloom/internal/guardian"
	"github.com/lazypower/heirloom/internal/heartbeat"
	"github.com/lazypower/heirloom/internal/logging"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/notify"
	"github.com/lazypower/heirloom/internal/release"
	"github.com/lazypower/heirloom/internal/remote"
	"github.com/lazypower/heirloom/internal/replica"
	"github.com/lazypower/heirloom/internal/store"
)

// keyIdentity persists the generated identity when none is configured.
const keyIdentity = "identity"

var errOffline = errors.New("no remote service configured (set remote.url or HEIRLOOM_REMOTE_URL)")

// app is the local agent wired for one CLI invocation.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	db       *store.DB
	metrics  *metrics.Metrics
	identity string
	zone     store.Zone

	client     *remote.Client
	outbox     *notify.Outbox
	release    *release.Engine
	heartbeat  *heartbeat.Scheduler
	local      *guardian.Local
	registered *guardian.Registered
	replica    *replica.Replicator
	exchange   *capability.Exchange
	engine     *engine.Engine
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}

// openDB is a helper that opens the local store for CLI commands.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(dbPath)
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     logging.New("heirloom", cfg.LogLevel),
		db:      db,
		metrics: metrics.New(),
	}
	if a.identity, err = resolveIdentity(ctx, db, cfg.Identity); err != nil {
		db.Close()
		return nil, err
	}
	if a.zone, err = db.EnsurePrivateZone(ctx, a.identity); err != nil {
		db.Close()
		return nil, err
	}

	a.outbox = notify.NewOutbox(db)
	a.release = release.New(db, a.outbox, a.metrics, a.log)
	a.heartbeat = heartbeat.New(db, a.release, a.log)
	a.local = guardian.NewLocal(db, a.identity, a.release, a.outbox, a.metrics, a.log)

	comps := engine.Components{Release: a.release, Heartbeat: a.heartbeat, Local: a.local}
	if cfg.Remote.URL != "" {
		a.client = remote.NewClient(cfg.Remote.URL, a.identity, cfg.Remote.Timeout)
		a.replica = replica.New(db, a.client, a.metrics, a.log)
		a.registered = guardian.NewRegistered(a.client, db, a.release, a.outbox, a.metrics, cfg.ResolvePolicy(), a.log)
		a.exchange = capability.New(db, a.identity, a.client, a.client, a.replica, cfg.ResolvePolicy(), a.metrics, a.log)
		comps.Registered = a.registered
		a.local.UseRegistry(a.client)
		comps.Replica = a.replica
	}
	a.engine = engine.New(db, comps, a.log)
	return a, nil
}

func (a *app) Close() error {
	a.engine.Stop()
	return a.db.Close()
}

// zoneOr returns zoneID, or the app's private zone when empty.
func (a *app) zoneOr(zoneID string) string {
	if zoneID == "" {
		return a.zone.ID
	}
	return zoneID
}

func (a *app) online() error {
	if a.client == nil {
		return errOffline
	}
	return nil
}

// resolveIdentity prefers the configured identity, then the one generated
// on first use.
func resolveIdentity(ctx context.Context, db *store.DB, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, ok, err := db.GetSetting(ctx, keyIdentity)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := db.SetSetting(ctx, keyIdentity, id); err != nil {
		return "", err
	}
	return id, nil
}

// withApp runs fn with an opened app and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
