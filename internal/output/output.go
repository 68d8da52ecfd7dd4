// Package output provides styled terminal output helpers (success, error,
// warning, money and sync badges) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	localStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// Subtle renders secondary text.
func Subtle(s string) string {
	return subtleStyle.Render(s)
}

// Title renders a heading.
func Title(s string) string {
	return titleStyle.Render(s)
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// FormatCents renders an amount in cents as euros with a comma separator,
// e.g. 1250 -> "12,50 €".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d,%02d €", sign, cents/100, cents%100)
}

// OnlineBadge renders the connectivity indicator.
func OnlineBadge(online bool) string {
	if online {
		return successStyle.Render("● online")
	}
	return errorStyle.Render("○ offline")
}

// SyncBadge marks whether a record carries a server id yet.
func SyncBadge(serverID *int64) string {
	if serverID == nil {
		return localStyle.Render("local")
	}
	return subtleStyle.Render(fmt.Sprintf("#%d", *serverID))
}

// StockBadge highlights quantities at or under the alert threshold.
func StockBadge(qty int64, low bool) string {
	s := fmt.Sprintf("%d", qty)
	if low {
		return warningStyle.Render(s + " !")
	}
	return s
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// Table renders rows as left-aligned columns. Widths account for styled
// cells, and the last column is truncated to fit maxWidth when positive.
func Table(header []string, rows [][]string, maxWidth int) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		line := make([]string, len(cells))
		for i, cell := range cells {
			pad := widths[i] - lipgloss.Width(cell)
			if i < len(cells)-1 && pad > 0 {
				cell += strings.Repeat(" ", pad)
			}
			line[i] = cell
		}
		s := strings.TrimRight(strings.Join(line, "  "), " ")
		if maxWidth > 0 && lipgloss.Width(s) > maxWidth && style == nil {
			s = truncate(s, maxWidth)
		}
		if style != nil {
			s = style.Render(s)
		}
		sb.WriteString(s)
		sb.WriteByte('\n')
	}
	writeRow(header, &titleStyle)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return sb.String()
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width < 2 || len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
