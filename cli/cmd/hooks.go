package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"kiln/cli/api"
	"kiln/cli/style"
)

var (
	hookEvent    string
	hookInsecure bool
)

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Manage post-deployment web hooks",
	Args:  cobra.NoArgs,
	RunE:  runHooksList,
}

var hooksAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe a URL to deployment events",
	Args:  cobra.ExactArgs(1),
	RunE:  runHooksAdd,
}

var hooksRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Short:   "Remove a web hook",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE:    runHooksRemove,
}

func init() {
	hooksAddCmd.Flags().StringVar(&hookEvent, "event", "PostDeployment", "event to subscribe to")
	hooksAddCmd.Flags().BoolVar(&hookInsecure, "insecure", false, "skip TLS verification when delivering")
	hooksCmd.AddCommand(hooksAddCmd, hooksRemoveCmd)
	rootCmd.AddCommand(hooksCmd)
}

func runHooksList(cmd *cobra.Command, args []string) error {
	list, err := client.ListHooks()
	if err != nil {
		return fmt.Errorf("failed to fetch hooks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println(style.DimText.Render("No hooks. Add one with `kiln hooks add <url>`."))
		return nil
	}

	fmt.Println(style.Banner.Render("🔥 KILN HOOKS") + style.Subtitle.Render(fmt.Sprintf("  %d hook(s)", len(list))))
	header := fmt.Sprintf("  %-36s %-16s %-10s %s", "ID", "EVENT", "LAST", "URL")
	fmt.Println(style.TableHeader.Render(header))
	for _, h := range list {
		printHookRow(h)
	}
	fmt.Println()
	return nil
}

func printHookRow(h api.Hook) {
	last := style.DimText.Render(padRight("-", 10))
	if h.LastStatus != "" {
		last = style.Healthy.Render(padRight("ok", 10))
		if h.LastStatus != "ok" {
			last = style.Unhealthy.Render(padRight("failed", 10))
		}
	}
	fmt.Printf("  %s %s %s %s\n",
		style.DimText.Render(padRight(h.ID, 36)),
		padRight(h.Event, 16),
		last,
		style.Val.Render(h.URL),
	)
}

func runHooksAdd(cmd *cobra.Command, args []string) error {
	h, err := client.AddHook(api.Hook{URL: args[0], Event: hookEvent, InsecureSSL: hookInsecure})
	if err != nil {
		return fmt.Errorf("failed to add hook: %w", err)
	}
	fmt.Printf("%s %s\n", style.Healthy.Render("Added"), style.DimText.Render(h.ID))
	return nil
}

func runHooksRemove(cmd *cobra.Command, args []string) error {
	if err := client.RemoveHook(args[0]); err != nil {
		return fmt.Errorf("failed to remove hook: %w", err)
	}
	fmt.Println(style.Healthy.Render("Removed"))
	return nil
}
