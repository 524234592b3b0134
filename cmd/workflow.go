package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/workflow"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run dependency-ordered tool workflows",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow definition against a target",
	Long: `Run a workflow from a YAML definition or one of the bundled workflows.
Tasks start as soon as all of their dependencies have completed; tasks
without a dependency relationship run in parallel.

Examples:
  webprobe workflow run -f recon.yaml
  webprobe workflow run --builtin comprehensive --target https://app.example.com --save`,
	RunE: runWorkflow,
}

var workflowAdaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List the tool adapters workflows can use",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.closeWithTimeout(5 * time.Second)

		for _, name := range a.adapters.List() {
			fmt.Fprintln(os.Stdout, name)
		}
		return nil
	},
}

var workflowBuiltinsCmd = &cobra.Command{
	Use:   "builtins",
	Short: "List the bundled workflow definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		builtins := workflow.Builtin()
		names := make([]string, 0, len(builtins))
		for name := range builtins {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(os.Stdout, "%-15s %s\n", color.CyanString(name), builtins[name].Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowRunCmd, workflowAdaptersCmd, workflowBuiltinsCmd)

	f := workflowRunCmd.Flags()
	f.StringP("file", "f", "", "workflow definition file (YAML)")
	f.String("builtin", "", "bundled workflow name")
	f.String("target", "", "target, overrides the definition's target")
	f.Bool("save", false, "save results under workflow.results_dir")
	f.String("output", "text", "output format (text, json, yaml)")
}

func loadWorkflowDefinition(cmd *cobra.Command) (*workflow.Definition, error) {
	file, _ := cmd.Flags().GetString("file")
	builtin, _ := cmd.Flags().GetString("builtin")
	target, _ := cmd.Flags().GetString("target")

	var def *workflow.Definition
	switch {
	case file != "" && builtin != "":
		return nil, fmt.Errorf("--file and --builtin are mutually exclusive")
	case file != "":
		d, err := workflow.LoadDefinition(file)
		if err != nil {
			return nil, err
		}
		def = d
	case builtin != "":
		d, ok := workflow.Builtin()[builtin]
		if !ok {
			return nil, fmt.Errorf("unknown builtin workflow %q", builtin)
		}
		def = d
	default:
		return nil, fmt.Errorf("one of --file or --builtin is required")
	}
	if target != "" {
		def.Target = target
	}
	return def, nil
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	switch output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}
	def, err := loadWorkflowDefinition(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.closeWithTimeout(10 * time.Second)

	wf, err := a.workflows.Apply(def)
	if err != nil {
		return err
	}
	if err := a.workflows.ExecuteWorkflow(wf.ID); err != nil {
		return err
	}
	if output == "text" {
		color.Cyan("Running workflow %s (%s) with %d tasks against %s\n", def.Name, wf.ID, len(wf.Tasks), def.Target)
	}

	final, err := a.workflows.Wait(ctx, wf.ID)
	if err != nil {
		if output == "text" {
			color.Yellow("\nInterrupted, cancelling workflow...\n")
		}
		if cerr := a.workflows.CancelWorkflow(wf.ID); cerr != nil {
			log.Warnw("Failed to cancel workflow", "workflow_id", wf.ID, "error", cerr)
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if final, err = a.workflows.Wait(waitCtx, wf.ID); err != nil {
			return fmt.Errorf("workflow did not stop: %w", err)
		}
	}

	if save, _ := cmd.Flags().GetBool("save"); save {
		dir, err := a.workflows.SaveWorkflowResults(final.ID)
		if err != nil {
			return err
		}
		if output == "text" {
			color.Green("Results saved to %s\n", dir)
		}
	}

	switch output {
	case "json", "yaml":
		data, err := a.workflows.Export(final.ID, output)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	page, err := a.workflows.GetFindings(final.ID, workflow.FindingFilter{PageSize: 500})
	if err != nil {
		return err
	}
	printWorkflowSummary(final, page.Findings)
	if final.Status == types.WorkflowStatusFailed {
		return fmt.Errorf("workflow failed")
	}
	return nil
}

func printWorkflowSummary(wf *workflow.Workflow, findings []types.Finding) {
	fmt.Fprintf(os.Stdout, "\n%s %s  %s\n", color.New(color.Bold).Sprint("Workflow"), wf.Name, colorStatus(string(wf.Status)))
	for _, t := range wf.Tasks {
		label := t.Name
		if label == "" {
			label = t.ID
		}
		line := fmt.Sprintf("  %-20s %-10s %s", label, t.Adapter, colorStatus(string(t.Status)))
		if t.StartTime != nil && t.EndTime != nil {
			line += fmt.Sprintf("  %s", t.EndTime.Sub(*t.StartTime).Round(time.Millisecond))
		}
		fmt.Fprintln(os.Stdout, line)
		if t.Error != "" {
			fmt.Fprintf(os.Stdout, "      %s %s\n", color.RedString("error:"), t.Error)
		}
	}
	for _, id := range wf.Blocked {
		t, _ := wf.Task(id)
		fmt.Fprintf(os.Stdout, "  %s %s never ran, a dependency did not complete\n", color.YellowString("blocked:"), t.Adapter)
	}

	summary := types.Summarize(findings)
	fmt.Fprintf(os.Stdout, "\n%s %d\n", color.New(color.Bold).Sprint("Findings:"), summary.Total)
	displaySeverityCounts(os.Stdout, summary)
	if len(findings) > 0 {
		fmt.Fprintln(os.Stdout)
		displayTopFindings(os.Stdout, findings, 10)
	}
}
