package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tomyedwab/poolhub/internal/pool"
	"github.com/tomyedwab/poolhub/internal/worker"
)

var (
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Reverse(true)
)

func printSuccess(msg string) {
	fmt.Println(successStyle.Render("✓ " + msg))
}

func printWarning(msg string) {
	fmt.Println(warningStyle.Render("⚠ " + msg))
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+err.Error()))
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case worker.StateHealthy.String():
		return successStyle
	case worker.StateStarting.String():
		return warningStyle
	case worker.StateTerminated.String():
		return subtleStyle
	default:
		return errorStyle
	}
}

// renderStatus formats the per-service status table.
func renderStatus(statuses []pool.Status) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("SERVICE        HEALTHY  BOUNDS   WORKERS"))
	b.WriteString("\n")

	for _, st := range statuses {
		marker := ""
		if st.Degraded {
			marker = " " + degradedStyle.Render("DEGRADED")
		}
		fmt.Fprintf(&b, "%-14s %3d/%-3d  [%d..%d]%s\n",
			st.Service, st.Healthy, st.Total, st.Min, st.Max, marker)

		for _, w := range st.Workers {
			line := fmt.Sprintf("  :%-6d pid %-7d %-12s up %-10s failures %d",
				w.Port, w.PID, w.State, formatUptime(w.Uptime), w.Failures)
			b.WriteString(stateStyle(w.State).Render(line))
			b.WriteString("\n")
		}
		if len(st.Workers) == 0 {
			b.WriteString(subtleStyle.Render("  (no workers)"))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}
