package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/term"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List live backends and their capabilities",
	Long: `Initialize every enabled backend and list the ones that came up, in
configuration order. The default backend is marked with *.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg, _, log := openRegistry(cmd)
		defer closeRegistry(cmd, reg, log)

		def, _ := reg.DefaultProviderName()
		printCandidates(cmd.OutOrStdout(), reg.Candidates(), def)
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func printCandidates(w io.Writer, candidates []compute.Candidate, def string) {
	if len(candidates) == 0 {
		fmt.Fprintln(w, term.Dim("no backends enabled"))
		return
	}
	rows := make([][]string, 0, len(candidates))
	for _, c := range candidates {
		name := c.Name
		if name == def {
			name += "*"
		}
		caps := c.Capabilities
		rows = append(rows, []string{
			name,
			traits(caps),
			fmt.Sprintf("%.2f", caps.CostPerHour),
			durationRange(caps.MinDuration, caps.MaxDuration),
			strings.Join(caps.Regions, ","),
		})
	}
	term.Table(w, []string{"NAME", "TRAITS", "COST/H", "DURATION", "REGIONS"}, rows)
}

func traits(c compute.Capabilities) string {
	var out []string
	if c.SupportsGPU {
		out = append(out, "gpu")
	}
	if c.SupportsSpot {
		out = append(out, "spot")
	}
	if c.LowLatency {
		out = append(out, "low-latency")
	}
	if c.CostOptimized {
		out = append(out, "cheap")
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

func durationRange(lo, hi time.Duration) string {
	switch {
	case lo == 0 && hi == 0:
		return "any"
	case hi == 0:
		return ">=" + lo.String()
	case lo == 0:
		return "<=" + hi.String()
	default:
		return lo.String() + "-" + hi.String()
	}
}
