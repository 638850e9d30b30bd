package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runWithServer bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent: a foreground pass now, then periodic ticks",
	RunE:  runAgent,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one foreground pass of every scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			rep, err := a.engine.Foreground(cmd.Context())
			printReport(cmd, rep)
			return err
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runWithServer, "with-server", false, "Also host the remote service in this process")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	if runWithServer {
		if err := startService(ctx, g, a.cfg, a.log); err != nil {
			return err
		}
	}

	g.Go(func() error {
		rep, err := a.engine.Foreground(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("foreground pass")
		}
		printReport(cmd, rep)
		a.engine.StartTimers(a.cfg.Scheduler.TickInterval, a.cfg.Scheduler.RefreshInterval)
		a.log.Info().
			Str("identity", a.identity).
			Dur("tick", a.cfg.Scheduler.TickInterval).
			Bool("online", a.client != nil).
			Msg("agent running")
		<-ctx.Done()
		a.engine.Stop()
		return nil
	})
	return g.Wait()
}
