package policy

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

var newApp cmdutil.Factory

// PolicyCmd groups commands that inspect the policy store
var PolicyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and reconcile the policy store",
}

// Setup binds the factory used to build the application for each command.
func Setup(f cmdutil.Factory) {
	newApp = f
}

var repairFlag bool

func init() {
	reconcileCmd.Flags().BoolVar(&repairFlag, "repair", false, "Apply the commands that remove the drift")

	PolicyCmd.AddCommand(reconcileCmd)
	PolicyCmd.AddCommand(checkCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare the local rule mirror with the policy store",
	Long: `Compares the grouping and permission rules recorded in the database with
the rules held by the policy store and reports the difference. With --repair
the missing rules are added and the extra ones removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.Reconciler.Run(cmd.Context(), repairFlag)
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}

		out := cmd.OutOrStdout()
		w := cmdutil.NewTable(out, "CHANGE\tRULE")
		for _, r := range report.MissingGrouping {
			_, _ = fmt.Fprintf(w, "missing\t%s\n", r)
		}
		for _, r := range report.ExtraGrouping {
			_, _ = fmt.Fprintf(w, "extra\t%s\n", r)
		}
		for _, r := range report.MissingPermissions {
			_, _ = fmt.Fprintf(w, "missing\t%s\n", r)
		}
		for _, r := range report.ExtraPermissions {
			_, _ = fmt.Fprintf(w, "extra\t%s\n", r)
		}
		_ = w.Flush()

		switch {
		case !report.Drift():
			fmt.Fprintln(out, "No drift")
		case report.Repaired:
			fmt.Fprintln(out, "Drift repaired")
		default:
			fmt.Fprintln(out, "Drift detected; rerun with --repair to fix it")
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <username> <operation>",
	Short: "Ask the policy store whether a user may perform an operation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		res := app.Service.CheckPermission(cmd.Context(), args[0], args[1])
		if err := cmdutil.Check(res); err != nil {
			return fmt.Errorf("permission check failed: %w", err)
		}
		check := res.Data.(iam.PermissionCheck)
		verdict := "denied"
		if check.Allowed {
			verdict = "allowed"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", check.Username, verdict, check.Operation)
		return nil
	},
}
