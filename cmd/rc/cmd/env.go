package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
	"github.com/l2succes/remote-claude-sub003/internal/term"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environments",
}

var envCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an environment and print its ID",
	Long: `Create an environment on the named backend, or on the default one.

The environment is left running. On fleet and local backends it lives only
as long as this process, so prefer "rc task run" there.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		opts, err := environmentOptions(cmd)
		if err != nil {
			Fatal("%v", err)
		}
		reg, file, log := openRegistry(cmd)
		m := newManager(reg, file, log)

		env, err := m.CreateEnvironment(cmd.Context(), opts)
		if err != nil {
			Fatal("%v", err)
		}
		printEnvironment(cmd, env)
	},
}

var envGetCmd = &cobra.Command{
	Use:   "get <env-id>",
	Short: "Show one environment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg, file, log := openRegistry(cmd)
		m := newManager(reg, file, log)

		env, err := m.GetEnvironment(cmd.Context(), args[0])
		if err != nil {
			Fatal("%v", err)
		}
		printEnvironment(cmd, env)
	},
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments across every live backend",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg, file, log := openRegistry(cmd)
		m := newManager(reg, file, log)

		envs, err := m.ListEnvironments(cmd.Context())
		if err != nil {
			Fatal("%v", err)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			writeJSON(cmd.OutOrStdout(), envs)
			return
		}
		writeEnvironments(cmd.OutOrStdout(), envs, time.Now())
	},
}

var envDestroyCmd = &cobra.Command{
	Use:   "destroy <env-id>... | --all",
	Short: "Destroy environments",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 0) {
			Fatal("give environment IDs or --all")
		}
		reg, file, log := openRegistry(cmd)
		m := newManager(reg, file, log)

		if all {
			// Listing fills the manager's cache, which Cleanup drains.
			envs, err := m.ListEnvironments(cmd.Context())
			if err != nil {
				Fatal("%v", err)
			}
			if err := m.Cleanup(cmd.Context()); err != nil {
				Fatal("%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "destroyed %d environments\n", len(envs))
			return
		}

		failed := false
		for _, id := range args {
			if err := m.DestroyEnvironment(cmd.Context(), id); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s: %v\n", id, err)
				failed = true
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", id)
		}
		if failed {
			Fatal("some environments were not destroyed")
		}
	},
}

func init() {
	addEnvironmentFlags(envCreateCmd)
	for _, c := range []*cobra.Command{envCreateCmd, envGetCmd, envListCmd} {
		c.Flags().Bool("json", false, "output JSON")
	}
	envDestroyCmd.Flags().Bool("all", false, "destroy every listed environment")
	envCmd.AddCommand(envCreateCmd, envGetCmd, envListCmd, envDestroyCmd)
	rootCmd.AddCommand(envCmd)
}

func addEnvironmentFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("provider", "p", "", "backend name (default: configured default)")
	cmd.Flags().String("name", "", "environment name")
	cmd.Flags().String("repo", "", "repository to check out")
	cmd.Flags().String("branch", "", "branch to check out")
	cmd.Flags().String("image", "", "container image")
	cmd.Flags().Float64("cpus", 0, "CPU limit")
	cmd.Flags().Int("memory", 0, "memory limit in MiB")
	cmd.Flags().Int("gpus", 0, "GPU count")
	cmd.Flags().StringArrayP("env", "e", nil, "environment variable KEY=VALUE (repeatable)")
}

func environmentOptions(cmd *cobra.Command) (compute.EnvironmentOptions, error) {
	f := cmd.Flags()
	pairs, _ := f.GetStringArray("env")
	env, err := parseEnv(pairs)
	if err != nil {
		return compute.EnvironmentOptions{}, err
	}
	var opts compute.EnvironmentOptions
	opts.Provider, _ = f.GetString("provider")
	opts.Name, _ = f.GetString("name")
	opts.Repository, _ = f.GetString("repo")
	opts.Branch, _ = f.GetString("branch")
	opts.Image, _ = f.GetString("image")
	opts.Resources.CPUs, _ = f.GetFloat64("cpus")
	opts.Resources.MemoryMB, _ = f.GetInt("memory")
	opts.Resources.GPUs, _ = f.GetInt("gpus")
	opts.Env = env
	return opts, nil
}

// parseEnv turns KEY=VALUE pairs into a map. Later pairs win.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func printEnvironment(cmd *cobra.Command, env *compute.Environment) {
	w := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		writeJSON(w, env)
		return
	}
	fmt.Fprintf(w, "%s  %s\n", term.Bold(env.ID), term.Status(string(env.Status)))
	fmt.Fprintf(w, "  provider: %s\n", env.Provider)
	fmt.Fprintf(w, "  created:  %s\n", env.CreatedAt.Format(time.RFC3339))
	for _, k := range slices.Sorted(maps.Keys(env.Metadata)) {
		fmt.Fprintf(w, "  %s: %s\n", k, env.Metadata[k])
	}
}

func writeEnvironments(w io.Writer, envs []compute.Environment, now time.Time) {
	if len(envs) == 0 {
		fmt.Fprintln(w, term.Dim("no environments"))
		return
	}
	rows := make([][]string, 0, len(envs))
	for _, e := range envs {
		rows = append(rows, []string{e.ID, e.Provider, term.Status(string(e.Status)), age(now.Sub(e.CreatedAt))})
	}
	term.Table(w, []string{"ID", "PROVIDER", "STATUS", "AGE"}, rows)
}

// age renders a duration at the coarsest useful unit.
func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
