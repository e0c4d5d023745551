package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kiln/cli/api"
	"kiln/cli/style"
)

var statusCmd = &cobra.Command{
	Use:     "status [id]",
	Short:   "Show deployment history or one deployment",
	Aliases: []string{"s", "ls"},
	Args:    cobra.MaximumNArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showDeployment(args[0])
	}
	return showDeployments()
}

func showDeployments() error {
	list, err := client.ListDeployments()
	if err != nil {
		return fmt.Errorf("failed to fetch deployments: %w", err)
	}
	busy, err := client.IsDeploying()
	if err != nil {
		return fmt.Errorf("failed to fetch lock state: %w", err)
	}

	subtitle := fmt.Sprintf("  %d deployment(s)", len(list))
	if busy.Value {
		subtitle += "  " + style.StepRunning.Render("deploying")
	}
	if busy.Pending {
		subtitle += "  " + style.Warning.Render("pending")
	}
	fmt.Println(style.Banner.Render("🔥 KILN") + style.Subtitle.Render(subtitle))

	if len(list) == 0 {
		fmt.Println(style.DimText.Render("No deployments yet. Push to the repository or run `kiln deploy`."))
		return nil
	}

	header := fmt.Sprintf("  %-2s  %-10s %-10s %-14s %-16s %s", "", "ID", "STATUS", "DEPLOYER", "RECEIVED", "MESSAGE")
	fmt.Println(style.TableHeader.Render(header))
	for _, d := range list {
		printDeploymentRow(d)
	}
	fmt.Println()
	return nil
}

func printDeploymentRow(d api.Deployment) {
	dot := style.DotDim
	if d.Active {
		dot = style.DotHealthy
	} else if d.Status == "failed" {
		dot = style.DotUnhealthy
	}
	id := style.Commit.Render(padRight(shortID(d.ID), 10))
	status := style.DeployStatus(d.Status).Render(padRight(d.Status, 10))
	deployer := padRight(d.Deployer, 14)
	received := style.DimText.Render(padRight(ago(d.ReceivedTime), 16))
	msg := firstLine(d.Message)
	if len(msg) > 48 {
		msg = msg[:47] + "…"
	}
	fmt.Printf("  %s  %s %s %s %s %s\n", dot, id, status, deployer, received, msg)
}

func showDeployment(id string) error {
	d, err := client.GetDeployment(id)
	if err != nil {
		return fmt.Errorf("failed to fetch deployment: %w", err)
	}

	card := style.CardStyle
	switch {
	case d.Status == "success":
		card = style.CardHealthy
	case d.Status == "failed":
		card = style.CardUnhealthy
	}

	var b strings.Builder
	b.WriteString(style.Bold.Render(d.ID))
	b.WriteString("  ")
	b.WriteString(style.DeployStatus(d.Status).Render(d.Status))
	if d.Active {
		b.WriteString("  " + style.Healthy.Render("● active"))
	}
	b.WriteString("\n\n")

	kvLine := func(k, v string) {
		if v == "" {
			return
		}
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}
	kvLine("Status", d.StatusText)
	kvLine("Message", firstLine(d.Message))
	kvLine("Author", d.Author)
	kvLine("Deployer", d.Deployer)
	kvLine("Progress", d.Progress)
	kvLine("Received", ago(d.ReceivedTime))
	if d.EndTime != nil {
		kvLine("Finished", ago(*d.EndTime))
	}
	if dur := d.Duration(); dur > 0 {
		kvLine("Took", dur.Round(100*time.Millisecond).String())
	}
	if d.IsReadOnly {
		kvLine("Source", "push (read-only)")
	}

	fmt.Println(card.Render(b.String()))
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
