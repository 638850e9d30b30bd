package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/heirloom/internal/store"
	"github.com/lazypower/heirloom/internal/visibility"
)

var (
	itemContent string
	itemTo      []string
	itemPolicy  string
	itemZone    string

	listScope     string
	listRole      string
	listRecipient string
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Create, list and release keepsakes",
}

var itemAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a keepsake",
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := store.ParsePolicy(itemPolicy)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			it := store.NewItem(a.zoneOr(itemZone), itemContent, itemTo, policy)
			if err := a.db.Save(cmd.Context(), store.SaveItem(it)); err != nil {
				return err
			}
			saved, err := a.db.Item(cmd.Context(), it.ID)
			if err != nil {
				return err
			}
			printItem(cmd, saved)
			return nil
		})
	},
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keepsakes",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(listScope)
		if err != nil {
			return err
		}
		role, err := visibility.ParseRole(listRole)
		if err != nil {
			return err
		}
		if role == visibility.Recipient && listRecipient == "" {
			return fmt.Errorf("--recipient is required with --role recipient")
		}
		return withApp(cmd.Context(), func(a *app) error {
			items, err := a.db.Items(cmd.Context(), scope, nil)
			if err != nil {
				return err
			}
			for _, it := range visibility.Filter(role, items, listRecipient) {
				printItem(cmd, it)
			}
			return nil
		})
	},
}

var itemReleaseCmd = &cobra.Command{
	Use:   "release ID",
	Short: "Release a keepsake now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			it, changed, err := a.release.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintln(cmd.OutOrStdout(), "already released")
			}
			printItem(cmd, it)
			return nil
		})
	},
}

var itemWatchCmd = &cobra.Command{
	Use:   "watch ID",
	Short: "Mark a released keepsake as watched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			it, err := a.release.MarkWatched(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printItem(cmd, it)
			return nil
		})
	},
}

var itemPolicyCmd = &cobra.Command{
	Use:   "policy ID POLICY",
	Short: "Change the release policy of a keepsake",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := store.ParsePolicy(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			it, err := a.release.ChangePolicy(cmd.Context(), args[0], policy)
			if err != nil {
				return err
			}
			printItem(cmd, it)
			return nil
		})
	},
}

func parseScope(s string) (store.Scope, error) {
	switch s {
	case "", "both":
		return store.ScopeBoth, nil
	case "private":
		return store.ScopePrivate, nil
	case "shared":
		return store.ScopeShared, nil
	}
	return 0, fmt.Errorf("unknown scope %q (want private, shared or both)", s)
}

func init() {
	itemAddCmd.Flags().StringVar(&itemContent, "content", "", "Reference to the keepsake content")
	itemAddCmd.Flags().StringSliceVar(&itemTo, "to", nil, "Recipient ids")
	itemAddCmd.Flags().StringVar(&itemPolicy, "policy", "vault", "vault, immediate, date:YYYY-MM-DD, age:N or heartbeat:RECIPIENT")
	itemAddCmd.Flags().StringVar(&itemZone, "zone", "", "Zone to write to (default: your private zone)")
	_ = itemAddCmd.MarkFlagRequired("content")

	itemListCmd.Flags().StringVar(&listScope, "scope", "both", "private, shared or both")
	itemListCmd.Flags().StringVar(&listRole, "role", "owner", "View as owner or recipient")
	itemListCmd.Flags().StringVar(&listRecipient, "recipient", "", "Recipient id to view as")

	itemCmd.AddCommand(itemAddCmd, itemListCmd, itemReleaseCmd, itemWatchCmd, itemPolicyCmd)
}
