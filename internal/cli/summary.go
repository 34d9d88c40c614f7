package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/session"
)

var (
	passedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#2ECC71"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4D03F"))
	crashedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#C39BD3")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
)

func styleFor(outcome session.Outcome) lipgloss.Style {
	switch outcome {
	case session.OutcomePassed:
		return passedStyle
	case session.OutcomeFailed:
		return failedStyle
	case session.OutcomeSkipped:
		return skippedStyle
	case session.OutcomeCrashed:
		return crashedStyle
	case session.OutcomeNeedsVerification, session.OutcomeRunning:
		return pendingStyle
	default:
		return mutedStyle
	}
}

// renderSummary prints one line per job plus totals: bootstrap jobs
// first, then the visible list in graph order. A failed fail-on-resource
// bootstrap job shows up here like any other failure.
func renderSummary(w io.Writer, s *session.Session) {
	fmt.Fprintln(w, headerStyle.Render("session "+s.ID()))
	counts := map[session.Outcome]int{}
	for _, list := range [][]*job.Job{s.Graph().Bootstrap(), s.Graph().Jobs()} {
		for _, j := range list {
			outcome := s.Outcome(j.ID)
			counts[outcome]++
			line := fmt.Sprintf("%-22s %s", outcome, j.ID)
			fmt.Fprintln(w, styleFor(outcome).Render(line))
			if state, ok := s.State(j.ID); ok && state.Current.Comment != "" {
				fmt.Fprintln(w, mutedStyle.Render("                       "+state.Current.Comment))
			}
		}
	}
	fmt.Fprintf(w, "%d passed, %d failed, %d skipped, %d crashed\n",
		counts[session.OutcomePassed], counts[session.OutcomeFailed],
		counts[session.OutcomeSkipped], counts[session.OutcomeCrashed])
}
