package cli

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/heirloom/internal/capability"
	"github.com/lazypower/heirloom/internal/config"
	"github.com/lazypower/heirloom/internal/guardian"
	"github.com/lazypower/heirloom/internal/replica"
)

var (
	guardianMonths int
	guardianWeeks  int
)

var guardianCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Configure the inactivity release switch",
}

var guardianEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Turn the switch on and register it so recipients can drive it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			rs, err := config.LoadReleaseSettings(ctx, a.db, a.log)
			if err != nil {
				return err
			}
			rs.Enabled = true
			if cmd.Flags().Changed("months") {
				rs.InactivityMonths = guardianMonths
			}
			if cmd.Flags().Changed("weeks") {
				rs.GraceWeeks = guardianWeeks
			}
			if err := config.SaveReleaseSettings(ctx, a.db, rs); err != nil {
				return err
			}
			if err := a.local.MarkActive(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "guardian enabled: %d months inactive, %d weeks grace\n",
				config.ClampMin(rs.InactivityMonths, 1), config.ClampMin(rs.GraceWeeks, 1))

			if a.registered == nil {
				return nil
			}
			if code, ok, err := guardian.OwnCode(ctx, a.db); err != nil {
				return err
			} else if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "guardian code %s\n", code)
				return pushGuardianSettings(cmd, a)
			}
			cfg, err := a.local.Settings(ctx)
			if err != nil {
				return err
			}
			code, err := a.registered.GenerateCode(ctx, a.identity, a.zone.ID, cfg)
			if err != nil {
				return err
			}
			if err := guardian.SetOwnCode(ctx, a.db, code); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "guardian code %s (give it to your recipients)\n", code)
			return nil
		})
	},
}

var guardianDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn the switch off on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			rs, err := config.LoadReleaseSettings(ctx, a.db, a.log)
			if err != nil {
				return err
			}
			rs.Enabled = false
			if err := config.SaveReleaseSettings(ctx, a.db, rs); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "guardian disabled")
			return pushGuardianSettings(cmd, a)
		})
	},
}

var guardianSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Change the inactivity and grace thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			rs, err := config.LoadReleaseSettings(ctx, a.db, a.log)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("months") {
				rs.InactivityMonths = guardianMonths
			}
			if cmd.Flags().Changed("weeks") {
				rs.GraceWeeks = guardianWeeks
			}
			if err := config.SaveReleaseSettings(ctx, a.db, rs); err != nil {
				return err
			}
			rs, err = config.LoadReleaseSettings(ctx, a.db, a.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d months inactive, %d weeks grace (enabled: %t)\n",
				rs.InactivityMonths, rs.GraceWeeks, rs.Enabled)
			return pushGuardianSettings(cmd, a)
		})
	},
}

var guardianActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Record that you are still around",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			rep, err := a.engine.Foreground(cmd.Context())
			printReport(cmd, rep)
			return err
		})
	},
}

var guardianFollowCmd = &cobra.Command{
	Use:   "follow CODE",
	Short: "Drive someone's switch from this device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			if err := a.online(); err != nil {
				return err
			}
			rec, err := a.registered.Lookup(ctx, capability.NormalizeCode(args[0]))
			if err != nil {
				return err
			}
			if err := guardian.Follow(ctx, a.db, rec.Code); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "following %s for zone %s, owner last active %s\n",
				rec.Code, rec.Zone, humanize.Time(rec.LastActive))
			return nil
		})
	},
}

var guardianStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the switch state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			out := cmd.OutOrStdout()
			cfg, err := a.local.Settings(ctx)
			if err != nil {
				return err
			}
			st, err := a.db.GuardianState(ctx)
			if err != nil {
				return err
			}
			phase := guardian.Disabled
			if cfg.Enabled && st.LastActive != nil {
				d := guardian.Evaluate(guardian.State{
					LastActive:        *st.LastActive,
					GraceStartedAt:    st.GraceStartedAt,
					LastWeeklyRelease: st.LastWeeklyRelease,
				}, cfg, a.db.Now())
				phase = d.Phase
				if st.GraceStartedAt != nil {
					fmt.Fprintf(out, "grace ends %s\n", humanize.Time(d.GraceEndsAt))
				}
			}
			fmt.Fprintf(out, "phase %s (%d months inactive, %d weeks grace)\n", phase, cfg.InactivityMonths, cfg.GraceWeeks)
			fmt.Fprintf(out, "last active %s, last weekly release %s\n", when(st.LastActive), when(st.LastWeeklyRelease))

			if code, ok, err := guardian.OwnCode(ctx, a.db); err != nil {
				return err
			} else if ok {
				fmt.Fprintf(out, "own code %s\n", code)
			}
			following, err := guardian.Following(ctx, a.db)
			if err != nil {
				return err
			}
			for _, code := range following {
				line := "following " + code
				if a.client != nil {
					if rec, err := a.client.Guardian(ctx, code); err == nil {
						line += fmt.Sprintf(", owner last active %s", humanize.Time(rec.LastActive))
					}
				}
				fmt.Fprintln(out, line)
			}
			return nil
		})
	},
}

// pushGuardianSettings copies the local switch settings to the owner's
// registry record, which is what followers evaluate. Without a remote the
// record keeps its old settings until the next push.
func pushGuardianSettings(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	code, ok, err := guardian.OwnCode(ctx, a.db)
	if err != nil || !ok {
		return err
	}
	if a.registered == nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: offline, guardian code %s keeps its previous settings\n", code)
		return nil
	}
	cfg, err := a.local.Settings(ctx)
	if err != nil {
		return err
	}
	if err := a.registered.Configure(ctx, code, cfg); err != nil {
		if errors.Is(err, replica.ErrUnreachable) {
			a.log.Warn().Err(err).Str("code", code).Msg("guardian settings not pushed")
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: remote unreachable, guardian code %s keeps its previous settings\n", code)
			return nil
		}
		return fmt.Errorf("update guardian %s: %w", code, err)
	}
	return nil
}

func init() {
	guardianEnableCmd.Flags().IntVar(&guardianMonths, "months", 6, "Months of inactivity before the grace period")
	guardianEnableCmd.Flags().IntVar(&guardianWeeks, "weeks", 4, "Weeks of grace before weekly releases")
	guardianSettingsCmd.Flags().IntVar(&guardianMonths, "months", 6, "Months of inactivity before the grace period")
	guardianSettingsCmd.Flags().IntVar(&guardianWeeks, "weeks", 4, "Weeks of grace before weekly releases")

	guardianCmd.AddCommand(guardianEnableCmd, guardianDisableCmd, guardianSettingsCmd, guardianActiveCmd, guardianFollowCmd, guardianStatusCmd)
}
