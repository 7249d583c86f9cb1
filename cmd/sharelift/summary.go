package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"sharelift/pkg/types"
	"sharelift/pkg/utils"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
}

// renderSummary prints one row per pass with the counters operators look
// at first, then the detail counters of the last pass.
func renderSummary(self string, stats []types.PassStats) string {
	passes := newTable("PASS", "EPOCH", "OWNED", "COPIED", "SKIPPED", "FAILED", "BYTES", "DURATION", "RATE")
	for _, s := range stats {
		passes.Row(
			strconv.Itoa(s.Pass),
			strconv.FormatUint(s.Epoch, 10),
			strconv.FormatInt(s.Owned, 10),
			strconv.FormatInt(s.Copied, 10),
			strconv.FormatInt(s.Skipped, 10),
			failedCell(s.Failed),
			utils.FormatSize(s.Bytes),
			s.Duration.Round(time.Millisecond).String(),
			utils.FormatRate(s.Bytes, s.Duration),
		)
	}

	last := stats[len(stats)-1]
	details := newTable("DETAIL", "COUNT")
	for _, d := range []struct {
		label string
		n     int64
	}{
		{"up to date", last.UpToDate},
		{"checksum confirmed", last.ChecksumConfirmed},
		{"directories created", last.DirectoriesCreated},
		{"directories updated", last.DirectoriesUpdated},
		{"symlinks created", last.SymlinksCreated},
		{"symlinks updated", last.SymlinksUpdated},
		{"symlinks skipped", last.SymlinksSkipped},
		{"permissions updated", last.PermissionsUpdated},
		{"extraneous removed", last.Removed},
	} {
		if d.n > 0 {
			details.Row(d.label, strconv.FormatInt(d.n, 10))
		}
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Migration summary"))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("node %s, %d pass(es)", self, len(stats))))
	b.WriteString("\n")
	b.WriteString(passes.Render())
	b.WriteString("\n")
	b.WriteString(details.Render())
	return b.String()
}

func failedCell(n int64) string {
	style := lipgloss.NewStyle().Foreground(accentColor)
	if n > 0 {
		style = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	}
	return style.Render(strconv.FormatInt(n, 10))
}

func totalFailed(stats []types.PassStats) int64 {
	if len(stats) == 0 {
		return 0
	}
	return stats[len(stats)-1].Failed
}

// stateCell colours a membership state name.
func stateCell(state string) string {
	color := fgColor
	switch state {
	case "alive":
		color = accentColor
	case "joining", "suspected":
		color = warningColor
	case "dead":
		color = dangerColor
	}
	return lipgloss.NewStyle().Foreground(color).Render(strings.ToUpper(state))
}
