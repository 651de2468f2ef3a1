package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents loaded from the catalog",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tools",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(agentsCmd, toolsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	agents := a.Agents.List()
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents configured")
		return nil
	}
	for _, ag := range agents {
		line := fmt.Sprintf("%-16s %-28s %s", ag.ID, ag.Model, ag.Name)
		if len(ag.Tools) > 0 {
			line += "  [" + strings.Join(ag.Tools, ", ") + "]"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runTools(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, name := range a.Tools.List() {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}
