package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dyike/PolishGo/models"
)

// UI styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Width(18)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	inProgressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	beforeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF"))

	afterStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))
)

func statusStyle(s models.SessionStatus) lipgloss.Style {
	switch s {
	case models.StatusProcessing:
		return inProgressStyle
	case models.StatusCompleted:
		return completedStyle
	case models.StatusFailed:
		return errorStyle
	default:
		return pendingStyle
	}
}

const barWidth = 30

// progressBar renders p in [0,1] as a fixed-width bar.
func progressBar(p float64) string {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	filled := int(p * barWidth)
	return completedStyle.Render(strings.Repeat("█", filled)) +
		pendingStyle.Render(strings.Repeat("░", barWidth-filled))
}

func field(label, value string) string {
	return labelStyle.Render(label) + value + "\n"
}

// RenderProgress is the one-line view of a progress event.
func RenderProgress(p models.SessionProgress) string {
	return fmt.Sprintf("%s %s %d/%d %5.1f%%",
		inProgressStyle.Render(fmt.Sprintf("[%s]", p.CurrentStage)),
		progressBar(p.Progress),
		p.CurrentPosition, p.TotalSegments, p.Progress*100)
}

// progressFromEvent decodes a session event payload.
func progressFromEvent(payload string) (models.SessionProgress, bool) {
	var p models.SessionProgress
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return p, false
	}
	return p, true
}

func RenderStatus(p *models.SessionProgress) string {
	var b strings.Builder
	b.WriteString(field("Session", p.SessionID))
	b.WriteString(field("Status", statusStyle(p.Status).Render(string(p.Status))))
	b.WriteString(field("Stage", string(p.CurrentStage)))
	b.WriteString(field("Position", fmt.Sprintf("%d/%d", p.CurrentPosition, p.TotalSegments)))
	b.WriteString(field("Progress", fmt.Sprintf("%s %.1f%%", progressBar(p.Progress), p.Progress*100)))
	if p.ErrorMessage != nil {
		b.WriteString(field("Error", errorStyle.Render(*p.ErrorMessage)))
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func RenderSessions(list []*models.SessionRecord) string {
	if len(list) == 0 {
		return pendingStyle.Render("No sessions.")
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%-36s  %-20s  %-10s  %-8s  %s", "ID", "MODE", "STATUS", "PROGRESS", "CREATED")))
	b.WriteString("\n")
	for _, rec := range list {
		status := statusStyle(rec.Status).Render(fmt.Sprintf("%-10s", rec.Status))
		fmt.Fprintf(&b, "%-36s  %-20s  %s  %7.1f%%  %s\n", rec.ID, rec.Mode, status, rec.Progress*100,
			rec.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func RenderChanges(changes []models.ChangeRecord) string {
	if len(changes) == 0 {
		return pendingStyle.Render("No changes recorded yet.")
	}
	var b strings.Builder
	for _, c := range changes {
		b.WriteString(titleStyle.Render(fmt.Sprintf("#%d %s", c.SegmentIndex+1, c.Stage)))
		b.WriteString("\n")
		b.WriteString(beforeStyle.Render("- " + c.BeforeText))
		b.WriteString("\n")
		b.WriteString(afterStyle.Render("+ " + c.AfterText))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func RenderQueue(q models.QueueStatus) string {
	var b strings.Builder
	b.WriteString(field("Capacity", fmt.Sprint(q.Capacity)))
	b.WriteString(field("Active calls", fmt.Sprint(q.ActiveCount)))
	b.WriteString(field("Waiting calls", fmt.Sprint(q.QueuedCount)))
	b.WriteString(field("Pending sessions", fmt.Sprint(q.PendingSessions)))
	if q.PositionInQueue > 0 {
		b.WriteString(field("Your position", fmt.Sprint(q.PositionInQueue)))
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
