package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	threadLimit  int
	threadOffset int
)

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Inspect and manage memory threads",
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, most recently updated first",
	Args:  cobra.NoArgs,
	RunE:  runThreadList,
}

var threadShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print a thread's messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadShow,
}

var threadStateCmd = &cobra.Command{
	Use:   "state <thread-id> <agent-id>",
	Short: "Print the saved agent state of a thread",
	Args:  cobra.ExactArgs(2),
	RunE:  runThreadState,
}

var threadDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Delete a thread with its messages and agent state",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadDelete,
}

func init() {
	threadListCmd.Flags().IntVar(&threadLimit, "limit", 20, "maximum number of threads")
	threadListCmd.Flags().IntVar(&threadOffset, "offset", 0, "number of threads to skip")

	threadCmd.AddCommand(threadListCmd, threadShowCmd, threadStateCmd, threadDeleteCmd)
	rootCmd.AddCommand(threadCmd)
}

func runThreadList(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	threads, err := a.Threads.ListThreads(cmd.Context(), threadLimit, threadOffset)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(threads) == 0 {
		fmt.Fprintln(out, "No threads")
		return nil
	}
	for _, t := range threads {
		fmt.Fprintf(out, "%s  %s  %s\n", t.ID, t.UpdatedAt.Format("2006-01-02 15:04:05"), t.Name)
	}
	return nil
}

func runThreadShow(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	msgs, err := a.Threads.LoadMessages(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), msgs)
}

func runThreadState(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	state, err := a.Threads.LoadAgentState(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No state saved")
		return nil
	}
	return printJSON(cmd.OutOrStdout(), state)
}

func runThreadDelete(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	deleted, err := a.Threads.DeleteThread(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("thread %s not found", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted thread %s\n", args[0])
	return nil
}
