package cmd

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/fleet"
	"github.com/l2succes/remote-claude-sub003/internal/term"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Inspect shared container fleets",
}

var fleetStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show resource usage of managed containers on every host",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg, _, log := openRegistry(cmd)
		defer closeRegistry(cmd, reg, log)

		name, _ := cmd.Flags().GetString("provider")
		p, err := fleetProvider(reg, name)
		if err != nil {
			closeRegistry(cmd, reg, log)
			Fatal("%v", err)
		}
		stats, err := p.Stats(cmd.Context())
		if err != nil {
			// Hosts that answered are still shown.
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		writeStats(cmd.OutOrStdout(), stats)
	},
}

var fleetContainersCmd = &cobra.Command{
	Use:   "containers",
	Short: "List managed containers on every host",
	Long: `List the containers the runtime on each fleet host reports as managed
by rc, in any state. This reads the hosts directly, so it also shows
containers created by other rc processes.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg, _, log := openRegistry(cmd)
		defer closeRegistry(cmd, reg, log)

		name, _ := cmd.Flags().GetString("provider")
		p, err := fleetProvider(reg, name)
		if err != nil {
			closeRegistry(cmd, reg, log)
			Fatal("%v", err)
		}
		found, err := p.Discover(cmd.Context())
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		writeContainers(cmd.OutOrStdout(), found)
	},
}

func init() {
	for _, c := range []*cobra.Command{fleetStatsCmd, fleetContainersCmd} {
		c.Flags().StringP("provider", "p", "", "fleet backend name (default: the first live fleet)")
	}
	fleetCmd.AddCommand(fleetStatsCmd, fleetContainersCmd)
	rootCmd.AddCommand(fleetCmd)
}

// fleetProvider resolves a shared-fleet backend by name, or the first live
// one when name is empty.
func fleetProvider(src compute.ProviderSource, name string) (*fleet.Provider, error) {
	if name != "" {
		p, err := src.Provider(name)
		if err != nil {
			return nil, err
		}
		fp, ok := p.(*fleet.Provider)
		if !ok {
			return nil, fmt.Errorf("backend %s is not a %s backend", name, fleet.ProviderType)
		}
		return fp, nil
	}
	for _, n := range src.AvailableProviders() {
		p, err := src.Provider(n)
		if err != nil {
			continue
		}
		if fp, ok := p.(*fleet.Provider); ok {
			return fp, nil
		}
	}
	return nil, fmt.Errorf("no live %s backend", fleet.ProviderType)
}

func writeStats(w io.Writer, stats []fleet.ContainerStats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, term.Dim("no managed containers"))
		return
	}
	slices.SortFunc(stats, func(a, b fleet.ContainerStats) int {
		return cmp.Or(cmp.Compare(a.Host, b.Host), cmp.Compare(a.Name, b.Name))
	})
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.Host,
			s.Name,
			fmt.Sprintf("%.1f%%", s.CPUPercent),
			units.BytesSize(float64(s.MemoryUsage)) + " / " + units.BytesSize(float64(s.MemoryLimit)),
			units.HumanSize(float64(s.NetIn)) + " / " + units.HumanSize(float64(s.NetOut)),
		})
	}
	term.Table(w, []string{"HOST", "CONTAINER", "CPU", "MEMORY", "NET I/O"}, rows)
}

func writeContainers(w io.Writer, found []fleet.RuntimeContainer) {
	if len(found) == 0 {
		fmt.Fprintln(w, term.Dim("no managed containers"))
		return
	}
	slices.SortFunc(found, func(a, b fleet.RuntimeContainer) int {
		return cmp.Or(cmp.Compare(a.Host, b.Host), cmp.Compare(a.Name, b.Name))
	})
	rows := make([][]string, 0, len(found))
	for _, c := range found {
		rows = append(rows, []string{c.Host, c.Name, term.Status(c.State), c.Key, c.Status})
	}
	term.Table(w, []string{"HOST", "CONTAINER", "STATE", "KEY", "STATUS"}, rows)
}
