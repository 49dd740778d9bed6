package users

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

var (
	searchFlag   string
	pageFlag     int
	pageSizeFlag int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List users with their roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		res := app.Service.ListUsers(cmd.Context(), pageFlag, pageSizeFlag, searchFlag)
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		page := res.Data.(iam.UserPage)

		w := cmdutil.NewTable(cmd.OutOrStdout(), "ID\tUSERNAME\tSTATUS\tROLES\tCREATED AT")
		for _, u := range page.Items {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Username, u.Status, strings.Join(u.Roles, ","), u.CreatedAt.Format(time.RFC3339))
		}
		_ = w.Flush()
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d users\n", len(page.Items), page.Total)
		return nil
	},
}

// lookupUser resolves a username to its view.
func lookupUser(cmd *cobra.Command, app *cmdutil.App, username string) (iam.UserView, error) {
	res := app.Service.FindUser(cmd.Context(), username)
	if err := cmdutil.Check(res); err != nil {
		return iam.UserView{}, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	if res.Data == nil {
		return iam.UserView{}, fmt.Errorf("user %q not found", username)
	}
	return res.Data.(iam.UserView), nil
}
