package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/conductor/pkg/workflow"
)

var (
	wfDescription  string
	wfStepInput    string
	wfStepThread   string
	wfRename       string
	wfLimit        int
	wfOffset       int
	wfRunInput     string
	wfChainOutput  bool
	wfSharedThread bool
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create, inspect and run multi-step workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowCreate,
}

var workflowAddStepCmd = &cobra.Command{
	Use:   "add-step <workflow-id> <agent-id>",
	Short: "Append a step to a workflow",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkflowAddStep,
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Print a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowGet,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows in creation order",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowList,
}

var workflowUpdateCmd = &cobra.Command{
	Use:   "update <workflow-id>",
	Short: "Rename a workflow or change its description",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowUpdate,
}

var workflowDeleteCmd = &cobra.Command{
	Use:   "delete <workflow-id>",
	Short: "Delete a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowDelete,
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Execute a workflow's steps in order",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowRun,
}

func init() {
	workflowCreateCmd.Flags().StringVar(&wfDescription, "description", "", "workflow description")

	workflowAddStepCmd.Flags().StringVar(&wfStepInput, "input", "", "fixed input for the step")
	workflowAddStepCmd.Flags().StringVar(&wfStepThread, "thread", "", "thread the step always runs in")

	workflowListCmd.Flags().IntVar(&wfLimit, "limit", 20, "maximum number of workflows")
	workflowListCmd.Flags().IntVar(&wfOffset, "offset", 0, "number of workflows to skip")

	workflowUpdateCmd.Flags().StringVar(&wfRename, "name", "", "new name")
	workflowUpdateCmd.Flags().StringVar(&wfDescription, "description", "", "new description")

	workflowRunCmd.Flags().StringVar(&wfRunInput, "input", "", "input for the first step")
	workflowRunCmd.Flags().BoolVar(&wfChainOutput, "chain", false, "feed each step's output to the next step")
	workflowRunCmd.Flags().BoolVar(&wfSharedThread, "shared-thread", false, "run steps without a thread in one shared thread")

	workflowCmd.AddCommand(
		workflowCreateCmd,
		workflowAddStepCmd,
		workflowGetCmd,
		workflowListCmd,
		workflowUpdateCmd,
		workflowDeleteCmd,
		workflowRunCmd,
	)
	rootCmd.AddCommand(workflowCmd)
}

func runWorkflowCreate(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	wf, err := a.Workflows.Create(cmd.Context(), workflow.CreateInput{Name: args[0], Description: wfDescription})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), wf.ID)
	return nil
}

func runWorkflowAddStep(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if !a.Agents.Exists(args[1]) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: agent %s is not in the current catalog\n", args[1])
	}

	wf, err := a.Workflows.AddStep(cmd.Context(), args[0], workflow.StepInput{
		AgentID:  args[1],
		Input:    wfStepInput,
		ThreadID: wfStepThread,
	})
	if err != nil {
		return err
	}
	step := wf.Steps[len(wf.Steps)-1]
	fmt.Fprintf(cmd.OutOrStdout(), "%s  position %d\n", step.ID, step.Position)
	return nil
}

func runWorkflowGet(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	wf, err := a.Workflows.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), wf)
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	wfs, err := a.Workflows.List(cmd.Context(), wfLimit, wfOffset)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(wfs) == 0 {
		fmt.Fprintln(out, "No workflows")
		return nil
	}
	for _, wf := range wfs {
		fmt.Fprintf(out, "%s  %-24s  %d steps\n", wf.ID, wf.Name, len(wf.Steps))
	}
	return nil
}

func runWorkflowUpdate(cmd *cobra.Command, args []string) error {
	var patch workflow.Patch
	if cmd.Flags().Changed("name") {
		patch.Name = &wfRename
	}
	if cmd.Flags().Changed("description") {
		patch.Description = &wfDescription
	}
	if patch.Name == nil && patch.Description == nil {
		return fmt.Errorf("nothing to update: pass --name or --description")
	}

	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	wf, err := a.Workflows.Update(cmd.Context(), args[0], patch)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), wf)
}

func runWorkflowDelete(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	deleted, err := a.Workflows.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("workflow %s not found", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted workflow %s\n", args[0])
	return nil
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	exec, err := a.Executor.Execute(cmd.Context(), args[0], workflow.ExecuteOptions{
		Input:        wfRunInput,
		ChainOutput:  wfChainOutput,
		SharedThread: wfSharedThread,
	})
	if exec != nil {
		if printErr := printJSON(cmd.OutOrStdout(), exec); printErr != nil {
			return printErr
		}
	}
	return err
}
