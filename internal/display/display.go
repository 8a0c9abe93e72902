// Package display renders tasks and transcripts for the terminal.
package display

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/feichai0017/tableforge/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#5FAFAF") // Teal accent
	secondaryColor = lipgloss.Color("#666666") // Gray for secondary text
	successColor   = lipgloss.Color("#87AF87") // Muted sage for success
	errorColor     = lipgloss.Color("#AF5F5F") // Muted terracotta for errors
	pendingColor   = lipgloss.Color("#D7AF5F") // Amber for work in flight

	pillStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("#FFFFFF"))

	// TitleStyle for headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	// SubtleStyle for ids and hints
	SubtleStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	// ErrorStyle for failure reasons
	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

func statusColor(s models.TaskStatus) lipgloss.Color {
	switch {
	case s == models.StatusCompleted:
		return successColor
	case s.IsFailure():
		return errorColor
	case s.IsBusy():
		return pendingColor
	default:
		return primaryColor
	}
}

// Pill renders a status as a colored badge.
func Pill(s models.TaskStatus) string {
	return pillStyle.Background(statusColor(s)).Render(s.String())
}

// TaskLine is the one-line summary printed while a task progresses.
func TaskLine(t models.Task) string {
	var b strings.Builder
	b.WriteString(Pill(t.Status))
	b.WriteString(" ")
	b.WriteString(t.Filename)
	b.WriteString(" ")
	b.WriteString(SubtleStyle.Render(t.ID))
	if t.TaskID != "" {
		b.WriteString(SubtleStyle.Render(" task=" + t.TaskID))
	}
	if t.PollCount > 0 {
		b.WriteString(SubtleStyle.Render(fmt.Sprintf(" polls=%d", t.PollCount)))
	}
	return b.String()
}

// Result renders the final state of a task: its tables or its failure.
func Result(t models.Task) string {
	var b strings.Builder
	b.WriteString(TaskLine(t))
	switch {
	case t.Status == models.StatusCompleted:
		tables := t.Tables()
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render(fmt.Sprintf("%d tables extracted", len(tables))))
		for _, name := range tables {
			b.WriteString("\n  • ")
			b.WriteString(name)
		}
	case t.Status.IsFailure():
		if reason := t.Output.FailureReason(); reason != "" {
			b.WriteString("\n")
			b.WriteString(ErrorStyle.Render(reason))
		}
	}
	return b.String()
}

// Message renders one transcript entry.
func Message(m models.Message) string {
	switch m.Role {
	case models.RoleUser:
		return TitleStyle.Render("> ") + m.Content
	case models.RoleError:
		return ErrorStyle.Render(m.Content)
	case models.RoleSystem:
		return SubtleStyle.Render(m.Content)
	default:
		return m.Content
	}
}
