package users

import (
	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
)

var newApp cmdutil.Factory

// UsersCmd is the parent command for user management operations
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users",
	Long:  `Commands for managing users, their roles and their status directly against the database and identity provider.`,
}

// Setup binds the factory used to build the application for each command.
func Setup(f cmdutil.Factory) {
	newApp = f
}

func init() {
	createCmd.Flags().StringVar(&usernameFlag, "username", "", "Login name of the user (required)")
	createCmd.Flags().StringVar(&displayNameFlag, "display-name", "", "Display name of the user")
	createCmd.Flags().StringVar(&emailFlag, "email", "", "Email address of the user")
	createCmd.Flags().StringVar(&phoneFlag, "phone", "", "Phone number of the user")
	createCmd.Flags().StringVar(&passwordFlag, "password", "", "Password for the user (use --stdin to avoid shell history); a temporary one is generated when empty")
	createCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin instead of --password flag")
	createCmd.Flags().StringSliceVar(&rolesInput, "role", []string{}, "Additional role(s) to assign, by name")

	listCmd.Flags().StringVar(&searchFlag, "search", "", "Filter by username, display name or email")
	listCmd.Flags().IntVar(&pageFlag, "page", 1, "Page number (1-based)")
	listCmd.Flags().IntVar(&pageSizeFlag, "page-size", 50, "Users per page")

	UsersCmd.AddCommand(createCmd)
	UsersCmd.AddCommand(listCmd)
	UsersCmd.AddCommand(setRolesCmd)
	UsersCmd.AddCommand(setStatusCmd)
	UsersCmd.AddCommand(deleteCmd)
}
