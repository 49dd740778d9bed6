package users

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/db/models"
)

var setStatusCmd = &cobra.Command{
	Use:       "set-status <username> <enabled|disabled>",
	Short:     "Enable or disable a user",
	Long:      `Sets the account status locally and on the identity provider. If the identity provider rejects the change the local status is left untouched.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(models.UserStatusEnabled), string(models.UserStatusDisabled)},
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.UserStatus(args[1])
		if !status.Valid() {
			return fmt.Errorf("status must be %q or %q", models.UserStatusEnabled, models.UserStatusDisabled)
		}

		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		user, err := lookupUser(cmd, app, args[0])
		if err != nil {
			return err
		}
		if err := cmdutil.Check(app.Service.SetUserStatus(cmd.Context(), cmdutil.Actor(), user.ID, status)); err != nil {
			return fmt.Errorf("failed to set status: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %s is now %s\n", user.Username, status)
		return nil
	},
}
