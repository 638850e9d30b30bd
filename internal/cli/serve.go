package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/config"
	"github.com/lazypower/heirloom/internal/logging"
	"github.com/lazypower/heirloom/internal/metrics"
	"github.com/lazypower/heirloom/internal/registry"
	"github.com/lazypower/heirloom/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remote service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New("heirloom-server", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if err := startService(ctx, g, cfg, log); err != nil {
		return err
	}
	return g.Wait()
}

// startService opens the service storage and serves it on cfg's listen
// address until ctx is done.
func startService(ctx context.Context, g *errgroup.Group, cfg config.Config, log zerolog.Logger) error {
	dbPath := cfg.Server.DBPath
	if dbPath == "" {
		var err error
		dbPath, err = cloud.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := cloud.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open service database: %w", err)
	}

	var reg registry.Registry = db
	if cfg.Registry.Backend == "redis" {
		rdb, err := registry.DialRedis(ctx, cfg.Registry.RedisURL)
		if err != nil {
			db.Close()
			return err
		}
		reg = registry.NewRedis(rdb)
		g.Go(func() error {
			<-ctx.Done()
			return rdb.Close()
		})
	}

	srv := server.New(db, reg, metrics.New(), log, VersionString())
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Str("db", dbPath).Str("registry", cfg.Registry.Backend).Msg("heirloom serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		return errors.Join(err, db.Close())
	})
	return nil
}
