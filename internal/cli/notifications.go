package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var notificationsAll bool

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List scheduled notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ns, err := a.db.Notifications(cmd.Context(), notificationsAll)
			if err != nil {
				return err
			}
			for _, n := range ns {
				status := humanize.Time(n.FireAt)
				if n.Cancelled {
					status = "cancelled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s  %s: %s\n", status, n.Title, n.Body)
			}
			return nil
		})
	},
}

func init() {
	notificationsCmd.Flags().BoolVar(&notificationsAll, "all", false, "Include cancelled notifications")
}
