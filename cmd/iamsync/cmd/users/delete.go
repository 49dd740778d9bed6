package users

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Delete a user from the identity provider and the local database",
	Args:  cobra.ExactArgs(1),
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
		if err := cmdutil.Check(app.Service.DeleteUser(cmd.Context(), cmdutil.Actor(), user.ID)); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted\n", args[0])
		return nil
	},
}
