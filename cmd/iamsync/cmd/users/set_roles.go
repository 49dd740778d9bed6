package users

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

var setRolesCmd = &cobra.Command{
	Use:   "set-roles <username> [role...]",
	Short: "Replace the roles of a user",
	Long:  `Replaces the role set of a user with the named roles. Passing no roles removes every membership.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		user, err := lookupUser(cmd, app, args[0])
		if err != nil {
			return err
		}
		roleIDs, err := resolveRoles(cmd, app, args[1:])
		if err != nil {
			return err
		}

		res := app.Service.SetUserRoles(cmd.Context(), cmdutil.Actor(), user.ID, roleIDs)
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to set roles: %w", err)
		}
		updated := res.Data.(iam.UserView)
		fmt.Fprintf(cmd.OutOrStdout(), "Roles of %s: %s\n", updated.Username, strings.Join(updated.Roles, ", "))
		return nil
	},
}
