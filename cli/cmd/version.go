package cmd

import (
	"fmt"
	"io"
	goruntime "runtime"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"kiln/cli/style"
)

// Version is set at build time with -ldflags "-X kiln/cli/cmd.Version=...".
var Version = "dev"

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI and agent versions",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, Version)
			return
		}
		agent, err := client.Version()
		printVersion(out, agent, err)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the CLI version")
	rootCmd.AddCommand(versionCmd)
}

func printVersion(w io.Writer, agent string, agentErr error) {
	logo := lipgloss.NewStyle().Bold(true).Foreground(style.Primary).Render(`
  ┬┌─┬┬  ┌┐┌
  ├┴┐││  │││
  ┴ ┴┴┴─┘┘└┘`)
	fmt.Fprintln(w, logo)
	fmt.Fprintln(w)

	row := func(k, v string) { fmt.Fprintf(w, "  %s %s\n", style.Key.Render(k), v) }
	row("CLI", style.Val.Render(Version))
	row("Go", style.DimText.Render(goruntime.Version()+" "+goruntime.GOOS+"/"+goruntime.GOARCH))
	row("Agent", style.Val.Render(apiURL))
	if agentErr != nil {
		row("", style.Unhealthy.Render("unreachable"))
	} else {
		row("", style.Val.Render(agent))
	}
	fmt.Fprintln(w)
}
