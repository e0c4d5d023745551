package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"kiln/cli/api"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Deployment agent CLI",
	Long: `Kiln builds and deploys a site from its repository.

Run a deployment on this machine with "kiln local", or drive a running agent:
status, deploy, logs, locks and hooks, all from the terminal.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, apiToken)
	},
	SilenceUsage: true,
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps the error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func init() {
	defaultURL := os.Getenv("KILN_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8181"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "Kiln agent URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("KILN_API_TOKEN"), "bearer token for the agent API")
}
