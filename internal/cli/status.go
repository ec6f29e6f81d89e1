package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/NHSDigital/azure-fhir-server/internal/api/dto"
	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/jobstore"
)

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the stored state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := jobstore.NewStore(a.db, a.logger).GetJobByID(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(dto.FromJob(snapshot.Job))
			}

			printJob(cmd.OutOrStdout(), snapshot.Job)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job as JSON")
	return cmd
}

var (
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787")).Bold(true)
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF005F")).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
)

// statusText colors a status for terminal output
func statusText(status domain.JobStatus) string {
	switch status {
	case domain.JobStatusCompleted:
		return completedStyle.Render(string(status))
	case domain.JobStatusFailed:
		return failedStyle.Render(string(status))
	case domain.JobStatusCanceled:
		return mutedStyle.Render(string(status))
	default:
		return runningStyle.Render(string(status))
	}
}

func printJob(w io.Writer, job *domain.ExportJob) {
	view := dto.FromJob(job)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s\n", view.JobID)
	fmt.Fprintf(tw, "Status:\t%s\n", statusText(job.Status))
	if view.ResourceType != "" {
		fmt.Fprintf(tw, "Resource type:\t%s\n", view.ResourceType)
	}
	fmt.Fprintf(tw, "Queued:\t%s\n", view.QueuedAt)
	if view.EndedAt != "" {
		fmt.Fprintf(tw, "Ended:\t%s\n", view.EndedAt)
	}
	if view.Progress != nil {
		fmt.Fprintf(tw, "Pages:\t%d\n", view.Progress.Page)
	}
	fmt.Fprintf(tw, "Records:\t%d\n", view.TotalCount)
	tw.Flush()

	if len(view.Output) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCOUNT\tBYTES\tURL")
	for _, f := range view.Output {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", f.Type, f.Count, f.Bytes, f.URL)
	}
	tw.Flush()
}
