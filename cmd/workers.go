package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/worker"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/workflow"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/shutdown"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Run queue workers that execute submitted scans and workflows",
	Long: `Start a pool of workers that pop scan and workflow jobs from the Redis
queue and run them in this process. Use "workers submit" to enqueue jobs
from anywhere that can reach the same Redis.

Examples:
  webprobe workers --count 4
  webprobe workers submit scan https://app.example.com --priority 5
  webprobe workers submit workflow recon https://app.example.com
  webprobe workers stats`,
	RunE: runWorkers,
}

var workersSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Enqueue a job for the worker pool",
}

var workersSubmitScanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Enqueue a scan job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modules, _ := cmd.Flags().GetStringSlice("modules")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		excludes, _ := cmd.Flags().GetStringSlice("exclude")
		depth, _ := cmd.Flags().GetInt("depth")
		stealth, _ := cmd.Flags().GetString("stealth")

		base, err := scope.NormalizeTarget(args[0])
		if err != nil {
			return err
		}
		target := scope.Target{BaseURL: base, Scope: scopes, Exclusions: excludes}
		return submitJob(cmd, worker.JobTypeScan, worker.ScanPayload{
			Target:       target,
			Modules:      modules,
			MaxDepth:     depth,
			StealthLevel: stealth,
		})
	},
}

var workersSubmitWorkflowCmd = &cobra.Command{
	Use:   "workflow <builtin> <target>",
	Short: "Enqueue a bundled workflow against a target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := workflow.Builtin()[args[0]]; !ok {
			return fmt.Errorf("unknown builtin workflow %q", args[0])
		}
		return submitJob(cmd, worker.JobTypeWorkflow, worker.WorkflowPayload{
			Builtin: args[0],
			Target:  args[1],
		})
	},
}

var workersStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := jobs.NewRedisQueue(cfg.Redis, cfg.Worker.MaxRetries, log)
		if err != nil {
			return err
		}
		defer queue.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		stats, err := queue.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue stats: %w", err)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, stats)
		}
		fmt.Fprintf(os.Stdout, "Pending:    %d\n", stats.Pending)
		fmt.Fprintf(os.Stdout, "Processing: %d\n", stats.Processing)
		fmt.Fprintf(os.Stdout, "Failed:     %s\n", failedCount(stats.Failed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersSubmitCmd, workersStatsCmd)
	workersSubmitCmd.AddCommand(workersSubmitScanCmd, workersSubmitWorkflowCmd)

	workersCmd.Flags().Int("count", 0, "number of workers (default from config)")
	workersSubmitCmd.PersistentFlags().Int("priority", 0, "job priority, higher runs first")

	f := workersSubmitScanCmd.Flags()
	f.StringSlice("modules", nil, "test modules to run, in order")
	f.StringSlice("scope", nil, "scope patterns")
	f.StringSlice("exclude", nil, "exclusion patterns")
	f.Int("depth", 0, "maximum link depth (default from the worker's config)")
	f.String("stealth", "", "stealth level")

	workersStatsCmd.Flags().Bool("json", false, "print stats as JSON")
}

func failedCount(n int64) string {
	if n > 0 {
		return color.RedString("%d", n)
	}
	return "0"
}

func submitJob(cmd *cobra.Command, jobType string, payload interface{}) error {
	priority, _ := cmd.Flags().GetInt("priority")
	job, err := worker.NewJob(jobType, payload, priority)
	if err != nil {
		return err
	}

	queue, err := jobs.NewRedisQueue(cfg.Redis, cfg.Worker.MaxRetries, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := queue.Push(ctx, job); err != nil {
		return err
	}
	color.Green("Queued %s job %s\n", jobType, job.ID)
	return nil
}

func runWorkers(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		count = cfg.Worker.Count
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue, err := jobs.NewRedisQueue(cfg.Redis, cfg.Worker.MaxRetries, log)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		queue.Close()
		return err
	}

	handlers := map[string]worker.Handler{
		worker.JobTypeScan:     worker.ScanHandler(a.scans, cfg.Scan),
		worker.JobTypeWorkflow: worker.WorkflowHandler(a.workflows),
	}
	pool := worker.NewPool(queue, handlers, a.telemetry, cfg.Worker.QueuePollInterval, log)
	if err := pool.Start(ctx, count); err != nil {
		a.closeWithTimeout(10 * time.Second)
		queue.Close()
		return err
	}

	// Runs in reverse: workers drain before the app and queue close.
	handler := shutdown.NewHandler(log)
	handler.Register("queue", func(context.Context) error { return queue.Close() })
	handler.Register("app", a.Close)
	handler.Register("workers", func(context.Context) error {
		cancel()
		return pool.Stop()
	})

	log.Infow("Workers running", "count", count, "redis", cfg.Redis.Addr, "job_types", []string{worker.JobTypeScan, worker.JobTypeWorkflow})
	if err := handler.WaitForShutdown(context.Background(), cfg.Scan.ShutdownGrace+20*time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
