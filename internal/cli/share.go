package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/heirloom/internal/store"
)

var (
	shareZone       string
	sharePermission string
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Share a zone with another device or person",
}

var shareCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Share a zone and print the code to redeem it with",
	RunE: func(cmd *cobra.Command, args []string) error {
		perm := store.Permission(sharePermission)
		if perm != store.PermissionReadOnly && perm != store.PermissionReadWrite {
			return fmt.Errorf("permission %q: want read_only or read_write", sharePermission)
		}
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.online(); err != nil {
				return err
			}
			code, c, err := a.exchange.Share(cmd.Context(), a.zoneOr(shareZone), perm)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "share code %s (%s, capability %s)\n", code, c.Permission, c.ID)
			return nil
		})
	},
}

var shareRedeemCmd = &cobra.Command{
	Use:   "redeem CODE",
	Short: "Redeem a share code and attach the shared zone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.online(); err != nil {
				return err
			}
			z, err := a.exchange.RedeemCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attached %s (%s)\n", z.ID, z.Permission)
			return nil
		})
	},
}

var shareRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Stop sharing a zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.online(); err != nil {
				return err
			}
			zone := a.zoneOr(shareZone)
			if err := a.exchange.Unshare(cmd.Context(), zone); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked sharing of %s\n", zone)
			return nil
		})
	},
}

var shareZonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "List local zones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			zones, err := a.db.Zones(cmd.Context(), store.ScopeBoth)
			if err != nil {
				return err
			}
			for _, z := range zones {
				perm := string(z.Permission)
				if z.Partition == store.PartitionPrivate {
					perm = "owner"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s  %-7s  %-10s  cursor %s  since %s\n",
					z.ID, z.Partition, perm, humanize.Comma(z.Cursor), humanize.Time(z.CreatedAt))
			}
			return nil
		})
	},
}

func init() {
	shareCreateCmd.Flags().StringVar(&shareZone, "zone", "", "Zone to share (default: your private zone)")
	shareCreateCmd.Flags().StringVar(&sharePermission, "permission", string(store.PermissionReadOnly), "read_only or read_write")
	shareRevokeCmd.Flags().StringVar(&shareZone, "zone", "", "Zone to stop sharing (default: your keepsakes zone)")

	shareCmd.AddCommand(shareCreateCmd, shareRedeemCmd, shareRevokeCmd, shareZonesCmd)
}
