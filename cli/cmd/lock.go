package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kiln/cli/api"
	"kiln/cli/style"
)

var lockNames = []string{"deployment", "status", "hooks", "autoswap"}

var lockCmd = &cobra.Command{
	Use:     "lock [name]",
	Short:   "Show who holds the agent's locks",
	Aliases: []string{"locks"},
	Args:    cobra.MaximumNArgs(1),
	RunE:    runLock,
}

func init() {
	rootCmd.AddCommand(lockCmd)
}

func runLock(cmd *cobra.Command, args []string) error {
	names := lockNames
	if len(args) == 1 {
		names = args
	}

	fmt.Println(style.Banner.Render("🔥 KILN LOCKS"))
	for _, name := range names {
		l, err := client.GetLock(name)
		if err != nil {
			return fmt.Errorf("failed to inspect lock %s: %w", name, err)
		}
		printLock(*l)
	}
	fmt.Println()
	return nil
}

func printLock(l api.LockStatus) {
	dot := style.DotDim
	state := style.DimText.Render(l.State)
	switch l.State {
	case "valid":
		dot = style.DotWarning
		state = style.StepRunning.Render("held")
	case "expired", "corrupt":
		dot = style.DotUnhealthy
		state = style.Unhealthy.Render(l.State)
	case "absent":
		dot = style.DotHealthy
		state = style.Healthy.Render("free")
	}
	fmt.Printf("  %s  %s %s\n", dot, style.Bold.Render(padRight(l.Name, 12)), state)
	if l.Info == nil {
		return
	}

	holder := fmt.Sprintf("pid %d", l.Info.HeldByPID)
	if l.Info.HeldByWorker != "" {
		holder = l.Info.HeldByWorker + ", " + holder
	}
	fmt.Printf("      %s %s\n", style.Key.Render("Operation"), style.Val.Render(l.Info.HeldByOp))
	fmt.Printf("      %s %s\n", style.Key.Render("Holder"), style.Val.Render(holder))
	fmt.Printf("      %s %s\n", style.Key.Render("Since"), style.Val.Render(ago(l.Info.AcquiredAt)))
	if l.Info.LockExpiry.Year() < 9999 {
		fmt.Printf("      %s %s\n", style.Key.Render("Expires"), style.Val.Render(l.Info.LockExpiry.Local().Format(time.DateTime)))
	}
}
