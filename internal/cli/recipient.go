package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/heirloom/internal/store"
)

var (
	recipientBorn string
	recipientZone string

	heartbeatsEnable  bool
	heartbeatsDisable bool
	heartbeatsStart   string
)

var recipientCmd = &cobra.Command{
	Use:   "recipient",
	Short: "Manage the people keepsakes are addressed to",
}

var recipientAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		born, err := parseDate(recipientBorn)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			r := store.NewRecipient(a.zoneOr(recipientZone), args[0], born)
			if err := a.db.Save(cmd.Context(), store.SaveRecipient(r)); err != nil {
				return err
			}
			saved, err := a.db.Recipient(cmd.Context(), r.ID)
			if err != nil {
				return err
			}
			printRecipient(cmd, saved)
			return nil
		})
	},
}

var recipientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipients",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(listScope)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			rs, err := a.db.Recipients(cmd.Context(), scope, nil)
			if err != nil {
				return err
			}
			for _, r := range rs {
				printRecipient(cmd, r)
			}
			return nil
		})
	},
}

var recipientHeartbeatsCmd = &cobra.Command{
	Use:   "heartbeats ID",
	Short: "Turn weekly heartbeat releases on or off for a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if heartbeatsEnable == heartbeatsDisable {
			return fmt.Errorf("pass exactly one of --enable or --disable")
		}
		start, err := parseDate(heartbeatsStart)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			var r store.Recipient
			var err error
			if heartbeatsEnable {
				from := a.db.Now()
				if start != nil {
					from = *start
				}
				r, err = a.heartbeat.Enable(cmd.Context(), args[0], from)
			} else {
				r, err = a.heartbeat.Disable(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			printRecipient(cmd, r)
			if heartbeatsEnable && r.HeartbeatsStartDate != nil && r.HeartbeatsStartDate.After(a.db.Now()) {
				fmt.Fprintf(cmd.OutOrStdout(), "first release %s\n", when(r.HeartbeatsStartDate))
			}
			return nil
		})
	},
}

func init() {
	recipientAddCmd.Flags().StringVar(&recipientBorn, "born", "", "Birth date, YYYY-MM-DD")
	recipientAddCmd.Flags().StringVar(&recipientZone, "zone", "", "Zone to write to (default: your private zone)")

	recipientListCmd.Flags().StringVar(&listScope, "scope", "both", "private, shared or both")

	recipientHeartbeatsCmd.Flags().BoolVar(&heartbeatsEnable, "enable", false, "Enable heartbeats")
	recipientHeartbeatsCmd.Flags().BoolVar(&heartbeatsDisable, "disable", false, "Disable heartbeats")
	recipientHeartbeatsCmd.Flags().StringVar(&heartbeatsStart, "start", "", "First release date, YYYY-MM-DD (default: now)")

	recipientCmd.AddCommand(recipientAddCmd, recipientListCmd, recipientHeartbeatsCmd)
}
