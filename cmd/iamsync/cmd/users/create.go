package users

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

var (
	usernameFlag    string
	displayNameFlag string
	emailFlag       string
	phoneFlag       string
	passwordFlag    string
	rolesInput      []string
	stdinFlag       bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user in the identity provider and the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if usernameFlag == "" {
			return fmt.Errorf("--username flag is required")
		}

		password := passwordFlag
		if stdinFlag {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
			if scanner.Scan() {
				password = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}

		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()
		actor := cmdutil.Actor()

		res := app.Service.CreateUser(ctx, actor, iam.CreateUserRequest{
			Username:    usernameFlag,
			DisplayName: displayNameFlag,
			Email:       emailFlag,
			Phone:       phoneFlag,
			Password:    password,
		})
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		user := res.Data.(iam.UserView)

		if len(rolesInput) > 0 {
			roleIDs, err := resolveRoles(cmd, app, rolesInput)
			if err != nil {
				return err
			}
			res = app.Service.SetUserRoles(ctx, actor, user.ID, append(user.RoleIDs, roleIDs...))
			if err := cmdutil.Check(res); err != nil {
				return fmt.Errorf("user created but role assignment failed: %w", err)
			}
			temporary := user.TemporaryPassword
			user = res.Data.(iam.UserView)
			user.TemporaryPassword = temporary
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "User created successfully!")
		fmt.Fprintln(out, "----------------------------------------")
		fmt.Fprintf(out, "User ID: %s\n", user.ID)
		fmt.Fprintf(out, "Username: %s\n", user.Username)
		if user.ExternalID != "" {
			fmt.Fprintf(out, "IdP ID: %s\n", user.ExternalID)
		}
		fmt.Fprintf(out, "Roles: %s\n", strings.Join(user.Roles, ", "))
		if user.TemporaryPassword != "" {
			fmt.Fprintf(out, "Temporary password: %s\n", user.TemporaryPassword)
		}
		fmt.Fprintln(out, "----------------------------------------")
		return nil
	},
}

// resolveRoles maps role names to ids, failing on unknown names.
func resolveRoles(cmd *cobra.Command, app *cmdutil.App, names []string) ([]string, error) {
	res := app.Service.ListRoles(cmd.Context())
	if err := cmdutil.Check(res); err != nil {
		return nil, fmt.Errorf("failed to fetch roles: %w", err)
	}
	byName := make(map[string]string)
	var valid []string
	for _, r := range res.Data.([]iam.RoleView) {
		byName[r.Name] = r.ID
		valid = append(valid, r.Name)
	}

	var ids, invalid []string
	for _, name := range names {
		if id, ok := byName[name]; ok {
			ids = append(ids, id)
		} else {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid role(s): %s\nValid roles are: %s",
			strings.Join(invalid, ", "), strings.Join(valid, ", "))
	}
	return ids, nil
}
