package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"kiln/cli/style"
)

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

// shortID trims commit ids to seven characters. Temporary ids are kept.
func shortID(id string) string {
	if strings.HasPrefix(id, "temp-") || len(id) <= 7 {
		return id
	}
	return id[:7]
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func formatLogEntry(t time.Time, typ, msg string) string {
	stamp := style.DimText.Render(t.Local().Format("15:04:05"))
	switch typ {
	case "error":
		return fmt.Sprintf("%s %s", stamp, style.Unhealthy.Render(msg))
	case "warning":
		return fmt.Sprintf("%s %s", stamp, style.Warning.Render(msg))
	default:
		return fmt.Sprintf("%s %s", stamp, msg)
	}
}
