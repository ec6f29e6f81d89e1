package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/jobstore"
)

func newStaleCmd(a *app) *cobra.Command {
	var (
		olderThan time.Duration
		requeue   bool
	)

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List RUNNING jobs whose worker stopped sending heartbeats",
		Long: `List RUNNING jobs whose worker stopped sending heartbeats.

With --requeue each stale job is published to the job queue again; the next
worker to receive it takes the job over and resumes from its last checkpoint.

Examples:
  exportctl stale
  exportctl stale --older-than 15m --requeue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = a.cfg.Worker.StaleAfter
			}

			jobs, err := jobstore.NewStore(a.db, a.logger).ListStaleJobs(cmd.Context(), a.now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("list stale jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No stale jobs")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tRESOURCE TYPE\tPAGES\tUPDATED")
			for _, job := range jobs {
				var pages int64
				if job.Progress != nil {
					pages = job.Progress.Page
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", job.JobID, job.ResourceType, pages, job.UpdatedAt.Format(time.RFC3339))
			}
			tw.Flush()

			if !requeue {
				return nil
			}

			publisher, err := a.queue()
			if err != nil {
				return err
			}
			for _, job := range jobs {
				body, err := json.Marshal(domain.JobMessage{JobID: job.JobID})
				if err != nil {
					return fmt.Errorf("encode job message: %w", err)
				}
				if err := publisher.PublishWithRetry(cmd.Context(), body, "application/json"); err != nil {
					return fmt.Errorf("requeue job %s: %w", job.JobID, err)
				}
			}
			fmt.Fprintf(out, "Requeued %d jobs\n", len(jobs))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "heartbeat age that marks a job stale (defaults to worker.stale_after)")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "publish each stale job to the job queue again")
	return cmd
}
