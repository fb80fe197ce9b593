package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Show which backend a task would be routed to",
	Long: `Apply the routing rules to the live backends and print the chosen name.

Short tasks prefer low-latency backends, GPU tasks need a GPU-capable
backend, and a budget prefers cost-optimized backends whose estimate fits.
Otherwise the production default wins, then the first backend.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg, _, log := openRegistry(cmd)
		defer closeRegistry(cmd, reg, log)

		name, err := reg.SelectForTask(hintsFromFlags(cmd))
		if errors.Is(err, compute.ErrNoCapableProvider) {
			closeRegistry(cmd, reg, log)
			Fatal("no backend can run this task: %v", err)
		}
		if err != nil {
			closeRegistry(cmd, reg, log)
			Fatal("%v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), name)
	},
}

func init() {
	addHintFlags(selectCmd)
	rootCmd.AddCommand(selectCmd)
}

func addHintFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("duration", 0, "expected task duration")
	cmd.Flags().Bool("gpu", false, "task needs a GPU")
	cmd.Flags().Float64("budget", 0, "maximum cost for the expected duration")
	cmd.Flags().String("region", "", "preferred region")
}

func hintsFromFlags(cmd *cobra.Command) compute.TaskHints {
	d, _ := cmd.Flags().GetDuration("duration")
	gpu, _ := cmd.Flags().GetBool("gpu")
	budget, _ := cmd.Flags().GetFloat64("budget")
	region, _ := cmd.Flags().GetString("region")
	return compute.TaskHints{
		ExpectedDuration: d,
		RequiresGPU:      gpu,
		MaxBudget:        budget,
		PreferredRegion:  region,
	}
}
