package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"kiln/cli/style"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the agent and the services it depends on",
	Aliases: []string{"doctor", "h"},
	RunE:    runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	h, err := client.Health()
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot reach the kiln agent at " + apiURL))
		return err
	}

	fmt.Println(style.Banner.Render("🔥 KILN HEALTH") + style.Subtitle.Render(fmt.Sprintf("  %s, %d watcher(s)", h.Version, h.Clients)))

	allUp := true
	for _, s := range h.Services {
		label := style.Warning.Render(s.Status)
		switch s.Status {
		case "up":
			label = style.Healthy.Render("up")
		case "down":
			label = style.Unhealthy.Render("down")
			allUp = false
		}
		details := ""
		if s.Details != "" {
			details = "  " + style.DimText.Render(s.Details)
		}
		fmt.Printf("  %s  %s %s%s\n", style.ServiceDot(s.Status), style.Bold.Render(padRight(s.Name, 12)), label, details)
	}

	fmt.Println()
	if allUp {
		fmt.Println(style.SuccessBox.Render("All services healthy"))
	} else {
		fmt.Println(style.ErrorBox.Render("Some services are down"))
	}
	return nil
}
