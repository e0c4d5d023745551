package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"kiln/cli/api"
	"kiln/cli/style"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the agent's maintenance jobs or run one now",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

var jobsTriggerCmd = &cobra.Command{
	Use:   "trigger <name>",
	Short: "Run a maintenance job now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := client.TriggerJob(args[0])
		if err != nil {
			return fmt.Errorf("failed to trigger %s: %w", args[0], err)
		}
		printJobRow(*j)
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsTriggerCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	jobs, err := client.ListJobs()
	if err != nil {
		return fmt.Errorf("failed to fetch jobs: %w", err)
	}
	fmt.Println(style.Banner.Render("🔥 KILN JOBS"))
	header := fmt.Sprintf("  %-2s  %-10s %-14s %-18s %s", "", "JOB", "SCHEDULE", "LAST RUN", "NEXT RUN")
	fmt.Println(style.TableHeader.Render(header))
	for _, j := range jobs {
		printJobRow(j)
	}
	fmt.Println()
	return nil
}

func printJobRow(j api.Job) {
	dot := style.DotHealthy
	switch {
	case j.LastErr != "":
		dot = style.DotUnhealthy
	case j.Paused:
		dot = style.DotDim
	}
	last, next := "never", "-"
	if j.LastRun != nil {
		last = ago(*j.LastRun)
	}
	if j.NextRun != nil && !j.Paused {
		next = ago(*j.NextRun)
	}
	fmt.Printf("  %s  %s %s %s %s\n",
		dot,
		style.Bold.Render(padRight(j.Name, 10)),
		padRight(j.Schedule, 14),
		style.DimText.Render(padRight(last, 18)),
		style.DimText.Render(next),
	)
	if j.LastErr != "" {
		fmt.Printf("      %s\n", style.Unhealthy.Render(j.LastErr))
	}
}
