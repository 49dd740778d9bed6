package roles

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

var descriptionFlag string

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		res := app.Service.CreateRole(cmd.Context(), cmdutil.Actor(), iam.RoleRequest{Name: args[0], Description: descriptionFlag})
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		role := res.Data.(iam.RoleView)
		fmt.Fprintf(cmd.OutOrStdout(), "Role %s created (id %s)\n", role.Name, role.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a role with its memberships and grants",
	Args:  cobra.ExactArgs(1),
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
		if err := cmdutil.Check(app.Service.DeleteRole(cmd.Context(), cmdutil.Actor(), role.ID)); err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Role %s deleted\n", role.Name)
		return nil
	},
}
