// Package theme holds the terminal styles used by cljeval's human-readable
// command output.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Accent highlights headings and identifiers.
	Accent = "#FF9966"
	// Blue is used for informational values.
	Blue = "#9999CC"
	// Red marks failures.
	Red = "#FF3333"
	// Yellow marks warnings.
	Yellow = "#FFCC00"
	// Green marks passing checks and live sessions.
	Green = "#33FF33"
	// Gray is the muted neutral for secondary text.
	Gray = "#52526A"
)

const (
	// IconOK marks a passing check or live session.
	IconOK = "✓"
	// IconFailed marks a failed check or dead session.
	IconFailed = "✗"
	// IconAlert marks a warning.
	IconAlert = "⚠"
	// IconSkipped marks an optional check that did not pass.
	IconSkipped = "⊘"
)

// Profile-aware terminal colors.
var (
	AccentColor = profileColor(Accent, "209", "11")
	BlueColor   = profileColor(Blue, "146", "12")
	RedColor    = profileColor(Red, "203", "9")
	YellowColor = profileColor(Yellow, "220", "11")
	GreenColor  = profileColor(Green, "46", "10")
	GrayColor   = profileColor(Gray, "60", "8")
)

var (
	// HeadingStyle renders section headings.
	HeadingStyle = lipgloss.NewStyle().Foreground(AccentColor).Bold(true)
	// SuccessStyle renders passing states.
	SuccessStyle = lipgloss.NewStyle().Foreground(GreenColor).Bold(true)
	// ErrorStyle renders failures.
	ErrorStyle = lipgloss.NewStyle().Foreground(RedColor).Bold(true)
	// WarningStyle renders warnings.
	WarningStyle = lipgloss.NewStyle().Foreground(YellowColor).Bold(true)
	// InfoStyle renders informational values.
	InfoStyle = lipgloss.NewStyle().Foreground(BlueColor)
	// MutedStyle renders secondary detail.
	MutedStyle = lipgloss.NewStyle().Foreground(GrayColor).Faint(true)
)

var colorProfileFn = lipgloss.ColorProfile

func profileColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
