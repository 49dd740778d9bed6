package roles

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

var setUsersCmd = &cobra.Command{
	Use:   "set-users <role> [username...]",
	Short: "Replace the members of a role",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		role, err := lookupRole(cmd, app, args[0])
		if err != nil {
			return err
		}

		userIDs := make([]string, 0, len(args)-1)
		for _, username := range args[1:] {
			res := app.Service.FindUser(cmd.Context(), username)
			if err := cmdutil.Check(res); err != nil {
				return fmt.Errorf("failed to look up user %q: %w", username, err)
			}
			if res.Data == nil {
				return fmt.Errorf("user %q not found", username)
			}
			userIDs = append(userIDs, res.Data.(iam.UserView).ID)
		}

		res := app.Service.SetRoleUsers(cmd.Context(), cmdutil.Actor(), role.ID, userIDs)
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to set role members: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Role %s now has %d member(s)\n", role.Name, len(userIDs))
		return nil
	},
}

var (
	menuIDs        []string
	operationIDs   []string
	applicationIDs []string
)

var grantsCmd = &cobra.Command{
	Use:   "set-grants <role>",
	Short: "Replace the resource grants of a role",
	Long: `Replaces every menu, operation and application grant of a role. Operation
grants become the role's permission rules in the policy store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		role, err := lookupRole(cmd, app, args[0])
		if err != nil {
			return err
		}
		res := app.Service.SetRoleResourceGrants(cmd.Context(), cmdutil.Actor(), role.ID, iam.ResourceGrantsRequest{
			MenuIDs:        menuIDs,
			OperationIDs:   operationIDs,
			ApplicationIDs: applicationIDs,
		})
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to set grants: %w", err)
		}
		return cmdutil.PrintJSON(cmd, res.Data)
	},
}
