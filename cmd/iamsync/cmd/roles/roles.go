package roles

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

var newApp cmdutil.Factory

// RolesCmd is the parent command for role management operations
var RolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Manage roles, their members and their resource grants",
}

// Setup binds the factory used to build the application for each command.
func Setup(f cmdutil.Factory) {
	newApp = f
}

func init() {
	createCmd.Flags().StringVar(&descriptionFlag, "description", "", "Role description")

	grantsCmd.Flags().StringSliceVar(&menuIDs, "menu", nil, "Granted menu id(s)")
	grantsCmd.Flags().StringSliceVar(&operationIDs, "operation", nil, "Granted operation id(s); these become permission rules")
	grantsCmd.Flags().StringSliceVar(&applicationIDs, "application", nil, "Granted application id(s)")

	RolesCmd.AddCommand(createCmd)
	RolesCmd.AddCommand(listCmd)
	RolesCmd.AddCommand(deleteCmd)
	RolesCmd.AddCommand(setUsersCmd)
	RolesCmd.AddCommand(grantsCmd)
	RolesCmd.AddCommand(inspectCmd)
}

// lookupRole resolves a role name to its view.
func lookupRole(cmd *cobra.Command, app *cmdutil.App, name string) (iam.RoleView, error) {
	res := app.Service.ListRoles(cmd.Context())
	if err := cmdutil.Check(res); err != nil {
		return iam.RoleView{}, fmt.Errorf("failed to fetch roles: %w", err)
	}
	for _, r := range res.Data.([]iam.RoleView) {
		if r.Name == name {
			return r, nil
		}
	}
	return iam.RoleView{}, fmt.Errorf("role %q not found", name)
}
