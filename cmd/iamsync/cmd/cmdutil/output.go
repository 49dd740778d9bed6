package cmdutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/internal/services/iam"
)

// Actor identifies CLI invocations in the operation log.
func Actor() iam.Actor {
	operator := os.Getenv("USER")
	if operator == "" {
		operator = iam.SystemActor.Operator
	}
	return iam.Actor{Operator: "cli:" + operator, OriginIP: iam.SystemActor.OriginIP}
}

// Check turns a failed Result into an error carrying its message.
func Check(res iam.Result) error {
	if res.Result {
		return nil
	}
	if err := res.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%s", res.Message)
}

// NewTable returns a tabwriter over w with the given header row.
func NewTable(w io.Writer, header string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, header)
	return tw
}

// PrintJSON writes v indented to the command's output.
func PrintJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
