package roles

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		res := app.Service.ListRoles(cmd.Context())
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to list roles: %w", err)
		}

		w := cmdutil.NewTable(cmd.OutOrStdout(), "ID\tNAME\tBUILT-IN\tDESCRIPTION")
		for _, r := range res.Data.([]iam.RoleView) {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.ID, r.Name, r.BuiltIn, r.Description)
		}
		return w.Flush()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <name>",
	Short: "Show the members and resource grants of a role",
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
		res := app.Service.GetRole(cmd.Context(), role.ID)
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to get role: %w", err)
		}
		role = res.Data.(iam.RoleView)

		res = app.Service.GetRoleResources(cmd.Context(), role.ID)
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to get role resources: %w", err)
		}
		grants := res.Data.(iam.RoleResources)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Role: %s (%s)\n", role.Name, role.ID)
		fmt.Fprintf(out, "Built-in: %t\n", role.BuiltIn)
		fmt.Fprintf(out, "Members: %d\n", len(role.UserIDs))
		fmt.Fprintf(out, "Menus: %s\n", strings.Join(grants.MenuIDs, ", "))
		fmt.Fprintf(out, "Operations: %s\n", strings.Join(grants.OperationIDs, ", "))
		fmt.Fprintf(out, "Applications: %s\n", strings.Join(grants.ApplicationIDs, ", "))
		return nil
	},
}
