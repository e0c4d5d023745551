package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"kiln/cli/api"
	"kiln/cli/style"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show the log of a deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming new entries")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	id := args[0]
	if !logsFollow {
		entries, err := client.DeploymentLog(id)
		if err != nil {
			return fmt.Errorf("failed to fetch log: %w", err)
		}
		for _, e := range entries {
			fmt.Println(formatLogEntry(e.Time, e.Type, e.Message))
		}
		return nil
	}
	p := tea.NewProgram(newLogsModel(id), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// --- Messages ---

type logHistory struct {
	entries []api.LogEntry
	conn    *websocket.Conn
}

type logLine struct {
	line string
}

type logStreamDone struct{}
type logStreamError struct {
	err error
}

// --- Model ---

type logsModel struct {
	id       string
	viewport viewport.Model
	lines    []string
	conn     *websocket.Conn
	ready    bool
	err      error
}

func newLogsModel(id string) logsModel {
	return logsModel{
		id:    id,
		lines: []string{},
	}
}

func (m logsModel) Init() tea.Cmd {
	return openLog(m.id)
}

func (m logsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.conn != nil {
				m.conn.Close()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		headerHeight := 3
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight)
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.ready = true
		return m, nil

	case logHistory:
		m.conn = msg.conn
		for _, e := range msg.entries {
			m.lines = append(m.lines, formatLogEntry(e.Time, e.Type, e.Message))
		}
		m.refresh()
		return m, nextLogLine(m.conn, m.id)

	case logLine:
		m.lines = append(m.lines, msg.line)
		m.refresh()
		return m, nextLogLine(m.conn, m.id)

	case logStreamDone:
		m.lines = append(m.lines, style.DimText.Render("--- deployment finished ---"))
		m.refresh()
		return m, nil

	case logStreamError:
		m.err = msg.err
		return m, nil
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *logsModel) refresh() {
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m logsModel) View() string {
	if m.err != nil {
		return style.ErrorBox.Render(fmt.Sprintf("Error: %s", m.err))
	}

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		style.Banner.Render("🔥 LOG"),
		"  ",
		style.Bold.Render(m.id),
		"  ",
		style.DimText.Render("q to quit • ↑↓ to scroll"),
	)

	if !m.ready {
		return header + "\n\n" + style.DimText.Render("Connecting...")
	}

	return header + "\n" + m.viewport.View()
}

// openLog subscribes to the agent's events before reading the stored log
// so no entry falls between the two.
func openLog(id string) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL()+"?deployment="+url.QueryEscape(id), client.WebSocketHeader())
		if err != nil {
			return logStreamError{err: fmt.Errorf("websocket connect: %w", err)}
		}
		entries, err := client.DeploymentLog(id)
		if err != nil {
			conn.Close()
			return logStreamError{err: err}
		}
		return logHistory{entries: entries, conn: conn}
	}
}

// nextLogLine blocks until the next log entry of deployment id, or until
// the deployment is done.
func nextLogLine(conn *websocket.Conn, id string) tea.Cmd {
	return func() tea.Msg {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return logStreamDone{}
			}
			var event wsMsg
			if json.Unmarshal(message, &event) != nil || event.DeploymentID != id {
				continue
			}
			switch event.Type {
			case "deployment.log":
				var e api.LogEntry
				if json.Unmarshal(event.Payload, &e) != nil {
					continue
				}
				return logLine{line: formatLogEntry(e.Time, e.Type, e.Message)}
			case "deployment.done":
				conn.Close()
				return logStreamDone{}
			}
		}
	}
}
