// Package style holds the terminal palette of the kiln CLI. The colours
// follow a kiln firing: ember for kiln itself, ash for secondary text,
// glow for work in progress.
package style

import "github.com/charmbracelet/lipgloss"

// Palette.
var (
	Primary = lipgloss.Color("#EA580C") // ember
	Green   = lipgloss.Color("#22C55E")
	Red     = lipgloss.Color("#DC2626")
	Yellow  = lipgloss.Color("#FBBF24") // glow
	Cyan    = lipgloss.Color("#38BDF8")
	Dim     = lipgloss.Color("#78716C") // ash
	White   = lipgloss.Color("#FAFAF9")
	coal    = lipgloss.Color("#44403C")
)

// Text.
var (
	Bold     = lipgloss.NewStyle().Bold(true).Foreground(White)
	DimText  = lipgloss.NewStyle().Foreground(Dim)
	Subtitle = DimText.Italic(true)
	Commit   = lipgloss.NewStyle().Foreground(Cyan)

	Healthy   = lipgloss.NewStyle().Foreground(Green).Bold(true)
	Unhealthy = lipgloss.NewStyle().Foreground(Red).Bold(true)
	Warning   = lipgloss.NewStyle().Foreground(Yellow)

	Banner = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Dim).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(coal).
			PaddingRight(2)

	Key = lipgloss.NewStyle().Foreground(Dim).Width(14)
	Val = lipgloss.NewStyle().Foreground(White)
)

// Status dots.
var (
	DotHealthy   = Healthy.Render("●")
	DotUnhealthy = Unhealthy.Render("●")
	DotWarning   = Warning.Render("●")
	DotDim       = DimText.Render("○")
)

// Cards and result boxes. Boxes carry a thick left rule rather than a
// frame so several of them stack cleanly in a scrolling terminal.
var (
	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(coal).
			Padding(0, 2).
			MarginBottom(1)
	CardHealthy   = CardStyle.BorderForeground(Green)
	CardUnhealthy = CardStyle.BorderForeground(Red)

	ErrorBox   = resultBox(Red)
	SuccessBox = resultBox(Green)
)

func resultBox(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.ThickBorder(), false, false, false, true).
		BorderForeground(c).
		Foreground(c).
		PaddingLeft(1).
		MarginTop(1)
}

// Pipeline steps.
var (
	StepPending = DimText
	StepRunning = lipgloss.NewStyle().Foreground(Yellow).Bold(true)
	StepDone    = lipgloss.NewStyle().Foreground(Green)
	StepFailed  = lipgloss.NewStyle().Foreground(Red).Bold(true)
)

// ServiceDot renders an up/down/unknown service state.
func ServiceDot(status string) string {
	switch status {
	case "up":
		return DotHealthy
	case "down":
		return DotUnhealthy
	default:
		return DotDim
	}
}

// DeployStatus picks the style for a deployment status.
func DeployStatus(status string) lipgloss.Style {
	switch status {
	case "success":
		return StepDone
	case "failed":
		return StepFailed
	case "building", "deploying":
		return StepRunning
	default:
		return StepPending
	}
}
