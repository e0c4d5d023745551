package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"kiln/cli/api"
	"kiln/cli/style"
)

var (
	deployBranch string
	deployCommit string
	deployClean  bool
	deployAsync  bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy [repoUrl]",
	Short: "Fetch and deploy a branch through the agent",
	Long: `Asks the agent to fetch repoUrl (or the configured repository) and deploy
it, following the pipeline live over the agent's websocket.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployBranch, "branch", "", "branch to deploy (default: the site's deployment branch)")
	deployCmd.Flags().StringVar(&deployCommit, "commit", "", "commit id to deploy instead of the branch head")
	deployCmd.Flags().BoolVar(&deployClean, "clean", false, "clean the target directory before syncing")
	deployCmd.Flags().BoolVar(&deployAsync, "async", false, "return once the agent accepts the deployment")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	req := api.DeployRequest{
		Branch:   deployBranch,
		CommitID: deployCommit,
		Deployer: "kiln-cli",
		Clean:    deployClean,
		Async:    deployAsync,
	}
	if len(args) == 1 {
		req.RepoURL = args[0]
	}

	if deployAsync {
		d, err := client.Deploy(req)
		if errors.Is(err, api.ErrDeferred) {
			fmt.Println(style.Warning.Render("Deployment deferred until the current one finishes"))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", style.DimText.Render("Accepted"), style.Commit.Render(d.ID))
		return nil
	}

	p := tea.NewProgram(newDeployModel(req))
	finalModel, err := p.Run()
	if err != nil {
		return err
	}
	dm := finalModel.(deployModel)
	if dm.failed {
		return fmt.Errorf("deploy failed")
	}
	return nil
}

// --- Messages ---

type wsMsg struct {
	Type         string          `json:"type"`
	DeploymentID string          `json:"deploymentId"`
	Payload      json.RawMessage `json:"payload"`
}

type statusUpdate struct {
	id     string
	status string
	text   string
}

type logUpdate struct {
	entry api.LogEntry
}

type deployResult struct {
	deployment *api.Deployment
	err        error
}

type deployStarted struct{ ch chan tea.Msg }
type wsError struct{ err error }

// --- Model ---

type deployModel struct {
	req        api.DeployRequest
	spinner    spinner.Model
	id         string
	current    string
	reached    int // pipelineSteps index of the furthest status seen
	statusText string
	logs       []string
	status     string // "connecting" | "deploying" | "completed" | "deferred" | "failed"
	errMsg     string
	failed     bool
	startTime  time.Time
	eventCh    chan tea.Msg
}

type pipelineStep struct {
	name   string
	status string // deployment status that starts the step
}

var pipelineSteps = []pipelineStep{
	{"receive", "pending"},
	{"build", "building"},
	{"deploy", "deploying"},
	{"activate", "success"},
}

const logTail = 8

func newDeployModel(req api.DeployRequest) deployModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)

	return deployModel{
		req:       req,
		spinner:   s,
		status:    "connecting",
		startTime: time.Now(),
	}
}

func (m deployModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		connectAndDeploy(m.req),
	)
}

func (m deployModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case deployStarted:
		m.status = "deploying"
		m.eventCh = msg.ch
		return m, waitForEvent(m.eventCh)

	case statusUpdate:
		m.id = msg.id
		m.setStatus(msg.status)
		m.statusText = msg.text
		return m, waitForEvent(m.eventCh)

	case logUpdate:
		m.logs = append(m.logs, formatLogEntry(msg.entry.Time, msg.entry.Type, msg.entry.Message))
		if len(m.logs) > logTail {
			m.logs = m.logs[len(m.logs)-logTail:]
		}
		return m, waitForEvent(m.eventCh)

	case deployResult:
		if msg.deployment != nil {
			m.id = msg.deployment.ID
			m.setStatus(msg.deployment.Status)
			m.statusText = msg.deployment.StatusText
		}
		switch {
		case errors.Is(msg.err, api.ErrDeferred):
			m.status = "deferred"
		case msg.err != nil:
			m.status = "failed"
			m.errMsg = msg.err.Error()
			m.failed = true
		default:
			m.status = "completed"
		}
		return m, tea.Quit

	case wsError:
		m.status = "failed"
		m.errMsg = msg.err.Error()
		m.failed = true
		return m, tea.Quit
	}

	return m, nil
}

func rank(status string) int {
	for i, s := range pipelineSteps {
		if s.status == status {
			return i
		}
	}
	return -1
}

func (m *deployModel) setStatus(status string) {
	m.current = status
	if r := rank(status); r > m.reached {
		m.reached = r
	}
}

func (m deployModel) View() string {
	var b strings.Builder

	b.WriteString(style.Banner.Render("🔥 KILN DEPLOY"))
	b.WriteString("\n")

	b.WriteString(style.Key.Render("Repository"))
	repo := m.req.RepoURL
	if repo == "" {
		repo = "configured"
	}
	b.WriteString(style.Bold.Render(repo))
	b.WriteString("\n")
	if m.id != "" {
		b.WriteString(style.Key.Render("Deployment"))
		b.WriteString(style.Commit.Render(shortID(m.id)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	at := m.reached
	for i, step := range pipelineSteps {
		name := padRight(step.name, 12)
		switch {
		case m.current == "failed" && i == at:
			b.WriteString(fmt.Sprintf("  %s %s\n", style.StepFailed.Render(name), style.StepFailed.Render("✗ failed")))
		case i < at || (i == at && m.current == "success"):
			b.WriteString(fmt.Sprintf("  %s %s\n", style.StepDone.Render(name), style.StepDone.Render("✓ done")))
		case i == at && m.status == "deploying":
			b.WriteString(fmt.Sprintf("  %s %s %s\n", style.StepRunning.Render(name), m.spinner.View(), style.StepRunning.Render("running")))
		default:
			b.WriteString(fmt.Sprintf("  %s %s\n", style.DimText.Render(name), style.DimText.Render("waiting")))
		}
	}

	if len(m.logs) > 0 {
		b.WriteString("\n")
		for _, line := range m.logs {
			b.WriteString("  " + line + "\n")
		}
	}
	b.WriteString("\n")

	elapsed := time.Since(m.startTime).Round(time.Second)

	switch m.status {
	case "connecting":
		b.WriteString(m.spinner.View() + style.DimText.Render(" Connecting to agent..."))
	case "deploying":
		b.WriteString(m.spinner.View() + style.DimText.Render(fmt.Sprintf(" Pipeline running... (%s)", elapsed)))
	case "completed":
		b.WriteString(style.SuccessBox.Render(fmt.Sprintf("✓ Deploy completed in %s", elapsed)))
	case "deferred":
		b.WriteString(style.Warning.Render("Another deployment is running; this one will start when it finishes"))
	case "failed":
		msg := "Deploy failed"
		if m.errMsg != "" {
			msg = fmt.Sprintf("Deploy failed: %s", m.errMsg)
		}
		b.WriteString(style.ErrorBox.Render("✗ " + msg))
	}

	b.WriteString("\n")
	return b.String()
}

// --- Commands ---

// connectAndDeploy connects to the websocket first so no event is missed,
// then runs the deployment request. Events and the final result arrive on
// one channel.
func connectAndDeploy(req api.DeployRequest) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(), client.WebSocketHeader())
		if err != nil {
			return wsError{err: fmt.Errorf("websocket connect: %w", err)}
		}

		ch := make(chan tea.Msg, 32)
		done := make(chan struct{})
		go func() {
			d, err := client.Deploy(req)
			ch <- deployResult{deployment: d, err: err}
			close(done)
			conn.Close()
		}()
		go readEvents(conn, ch, done)

		return deployStarted{ch: ch}
	}
}

func readEvents(conn *websocket.Conn, ch chan<- tea.Msg, done <-chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var event wsMsg
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}

		var msg tea.Msg
		switch event.Type {
		case "deployment.status":
			var d api.Deployment
			if json.Unmarshal(event.Payload, &d) != nil {
				continue
			}
			msg = statusUpdate{id: event.DeploymentID, status: d.Status, text: d.StatusText}
		case "deployment.log":
			var e api.LogEntry
			if json.Unmarshal(event.Payload, &e) != nil {
				continue
			}
			msg = logUpdate{entry: e}
		default:
			continue
		}
		select {
		case ch <- msg:
		case <-done:
			return
		}
	}
}

// waitForEvent reads the next event from the channel.
func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return deployResult{}
		}
		return msg
	}
}
