package cmd

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"kiln/cli/api"
	"kiln/cli/style"
)

var redeployClean bool

var redeployCmd = &cobra.Command{
	Use:     "redeploy <id>",
	Short:   "Deploy an earlier deployment again",
	Aliases: []string{"rollback"},
	Args:    cobra.ExactArgs(1),
	RunE:    runRedeploy,
}

func init() {
	redeployCmd.Flags().BoolVar(&redeployClean, "clean", false, "clean the target directory before syncing")
	rootCmd.AddCommand(redeployCmd)
}

func runRedeploy(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(newRedeployModel(args[0], redeployClean))
	finalModel, err := p.Run()
	if err != nil {
		return err
	}
	rm := finalModel.(redeployModel)
	if rm.err != nil {
		return rm.err
	}
	return nil
}

// --- Messages ---

type redeployDone struct{ deployment *api.Deployment }
type redeployErr struct{ err error }

// --- Model ---

type redeployModel struct {
	id      string
	clean   bool
	spinner spinner.Model
	done    *api.Deployment
	err     error
}

func newRedeployModel(id string, clean bool) redeployModel {
	s := spinner.New()
	s.Spinner = spinner.Moon
	s.Style = lipgloss.NewStyle().Foreground(style.Cyan)
	return redeployModel{
		id:      id,
		clean:   clean,
		spinner: s,
	}
}

func (m redeployModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		doRedeploy(m.id, m.clean),
	)
}

func (m redeployModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case redeployDone:
		m.done = msg.deployment
		return m, tea.Quit

	case redeployErr:
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m redeployModel) View() string {
	if m.err != nil {
		return style.ErrorBox.Render(fmt.Sprintf("✗ Redeploy failed: %s", m.err))
	}
	if m.done != nil {
		return style.SuccessBox.Render(fmt.Sprintf("✓ Redeployed %s", shortID(m.done.ID))) + "\n"
	}
	return fmt.Sprintf("  %s Redeploying %s...\n", m.spinner.View(), style.Bold.Render(shortID(m.id)))
}

func doRedeploy(id string, clean bool) tea.Cmd {
	return func() tea.Msg {
		d, err := client.Redeploy(id, clean)
		if errors.Is(err, api.ErrDeferred) {
			return redeployErr{err: errors.New("another deployment is in progress")}
		}
		if err != nil {
			return redeployErr{err: err}
		}
		return redeployDone{deployment: d}
	}
}
