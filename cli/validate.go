package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/stepflow/loader"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a flow file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	out := cmd.OutOrStdout()

	g, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitUsage, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			for _, d := range diagErr.Diagnostics {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s [%s] %s: %s\n", d.Severity, d.Code, d.Path, d.Message)
			}
			return exitError(exitUsage, "validation failed")
		}
		return exitError(exitUsage, "%v", err)
	}

	terminals := 0
	for _, id := range g.NodeIDs() {
		if g.IsTerminal(id) {
			terminals++
		}
	}
	fmt.Fprintf(out, "OK: %q has %d node(s), %d terminal\n", g.ID, len(g.NodeIDs()), terminals)
	return nil
}
