package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/conductor/pkg/agent"
)

var (
	runThreadID    string
	runPersonaID   string
	runStream      bool
	runTemperature float64
	runMaxTokens   int
	runToolChoice  string
	runSystem      string
	runJSON        bool
)

var runCmd = &cobra.Command{
	Use:   "run <agent-id> <input...>",
	Short: "Run an agent once",
	Long: `Run an agent against a memory thread. Without --thread a new thread is
created; its id is printed so the conversation can be resumed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVar(&runThreadID, "thread", "", "thread id to resume or create")
	runCmd.Flags().StringVar(&runPersonaID, "persona", "", "persona id overriding the agent's persona")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "print text as it is generated")
	runCmd.Flags().Float64Var(&runTemperature, "temperature", -1, "sampling temperature in [0,2]")
	runCmd.Flags().IntVar(&runMaxTokens, "max-tokens", 0, "maximum output tokens")
	runCmd.Flags().StringVar(&runToolChoice, "tool-choice", "", "auto, none, required or a tool name")
	runCmd.Flags().StringVar(&runSystem, "system", "", "replace the agent's instructions for this run")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, cleanup, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := agent.RunOptions{
		ThreadID:             runThreadID,
		PersonaID:            runPersonaID,
		ToolChoice:           runToolChoice,
		SystemPromptOverride: runSystem,
	}
	if cmd.Flags().Changed("temperature") {
		t := runTemperature
		opts.Temperature = &t
	}
	if runMaxTokens > 0 {
		n := runMaxTokens
		opts.MaxTokens = &n
	}

	out := cmd.OutOrStdout()
	input := strings.Join(args[1:], " ")

	var result *agent.RunResult
	if runStream {
		stream := a.Orchestrator.RunStream(ctx, args[0], input, opts)
		for ev := range stream.Events() {
			switch ev.Type {
			case agent.EventText:
				fmt.Fprint(out, ev.Text)
			case agent.EventToolCall:
				fmt.Fprintf(out, "\n[tool] %s\n", ev.ToolCall.Name)
			}
		}
		fmt.Fprintln(out)
		result, err = stream.Wait()
	} else {
		result, err = a.Orchestrator.Run(ctx, args[0], input, opts)
	}
	if err != nil {
		return err
	}

	if runJSON {
		return printJSON(out, result)
	}
	if !runStream {
		fmt.Fprintln(out, result.Output)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "thread: %s  finish: %s  tools: %d\n", result.ThreadID, result.FinishReason, len(result.ToolCalls))
	return nil
}
