// Package ui styles terminal output for the runsync CLI.
package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "27", Dark: "75"}
	colorPass   = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "136", Dark: "214"}
	colorFail   = lipgloss.AdaptiveColor{Light: "160", Dark: "203"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "240", Dark: "245"}

	accentStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(colorPass).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
)

// ColorEnabled reports whether output written to fd should carry colour.
// NO_COLOR wins over everything; otherwise fd must be a terminal.
func ColorEnabled(fd uintptr, getenv func(string) string) bool {
	if strings.TrimSpace(getenv("NO_COLOR")) != "" {
		return false
	}
	return term.IsTerminal(int(fd))
}

// Init picks the colour profile for stdout. Call once before printing.
func Init() {
	if !ColorEnabled(os.Stdout.Fd(), os.Getenv) {
		SetProfile(termenv.Ascii)
		return
	}
	SetProfile(termenv.EnvColorProfile())
}

// SetProfile forces a colour profile. termenv.Ascii disables colour.
func SetProfile(p termenv.Profile) {
	lipgloss.SetColorProfile(p)
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// RenderStatus colours a run status: finished green, in progress accent,
// anything else muted.
func RenderStatus(status string) string {
	switch strings.ToLower(status) {
	case "finished":
		return RenderPass(status)
	case "inprogress", "in_progress":
		return RenderAccent(status)
	case "":
		return RenderMuted("unknown")
	default:
		return RenderMuted(status)
	}
}
