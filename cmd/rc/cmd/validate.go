package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/l2succes/remote-claude-sub003/internal/backends"
	"github.com/l2succes/remote-claude-sub003/internal/term"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every backend block in the provider file",
	Long: `Decode and check each provider entry without contacting any backend.

Disabled entries are checked too, but only an invalid enabled entry makes
the command exit non-zero.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		file := loadFile(cmd)
		reports := backends.Validate(file, backends.Deps(file, newLogger(cmd), nil))
		if writeReports(cmd.OutOrStdout(), reports) {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// writeReports prints a summary table followed by each message. It reports
// whether any enabled entry failed.
func writeReports(w io.Writer, reports []backends.Report) bool {
	failed := false
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		state := "ok"
		if !r.Result.Valid {
			state = "error"
			if r.Enabled {
				failed = true
			}
		}
		rows = append(rows, []string{r.Name, r.Type, strconv.FormatBool(r.Enabled), term.Status(state)})
	}
	term.Table(w, []string{"NAME", "TYPE", "ENABLED", "CONFIG"}, rows)

	for _, r := range reports {
		for _, e := range r.Result.Errors {
			fmt.Fprintf(w, "%s %s: %s\n", term.Red("error"), r.Name, e)
		}
		for _, msg := range r.Result.Warnings {
			fmt.Fprintf(w, "%s %s: %s\n", term.Yellow("warning"), r.Name, msg)
		}
	}
	return failed
}
