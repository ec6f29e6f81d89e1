package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/NHSDigital/azure-fhir-server/internal/bootstrap"
	"github.com/NHSDigital/azure-fhir-server/internal/jobstore"
)

func newRunCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Claim a job and run its export in this process",
		Long: `Claim a job and run its export in this process.

A QUEUED job is started; a RUNNING job is taken over and resumes from its last
checkpoint. Interrupting the command leaves the job resumable.

Examples:
  exportctl run 6f1c0a4e-2c55-4a8e-9d8e-2f0c5a0c1d11
  exportctl run 6f1c0a4e-2c55-4a8e-9d8e-2f0c5a0c1d11 --timeout 30m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			jobs := jobstore.NewStore(a.db, a.logger)
			snapshot, err := jobs.ClaimJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("claim job: %w", err)
			}

			heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
			go sendHeartbeats(heartbeatCtx, a, jobs, args[0])

			orchestrator := bootstrap.NewOrchestrator(&a.cfg.Export, a.db, a.logger)
			runErr := orchestrator.Run(ctx, snapshot)
			stopHeartbeat()

			// Report the stored state even when the run failed or was interrupted
			current, err := jobs.GetJobByID(context.WithoutCancel(ctx), args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			printJob(cmd.OutOrStdout(), current.Job)

			return runErr
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop the export after this long (0 for no limit)")
	return cmd
}

// sendHeartbeats keeps the job out of the stale list while it runs here
func sendHeartbeats(ctx context.Context, a *app, jobs *jobstore.Store, jobID string) {
	interval := a.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jobs.UpdateHeartbeat(ctx, jobID); err != nil {
				a.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
