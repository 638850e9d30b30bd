package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "heirloom",
	Short: "Keepsakes released to the people you leave them for",
	Long: "Heirloom keeps private keepsakes for your recipients and releases them on a date, " +
		"at an age, one per week, or when you stop showing up.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.heirloom/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(itemCmd)
	rootCmd.AddCommand(recipientCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(guardianCmd)
	rootCmd.AddCommand(notificationsCmd)
}
