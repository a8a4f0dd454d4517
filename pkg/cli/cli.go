// Package cli renders the monitor's session event feed: one styled
// line per protocol event, plus a banner for connection details.
package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the color scheme for the event feed.
type Theme struct {
	Primary lipgloss.Color
	User    lipgloss.Color
	Agent   lipgloss.Color
	Dim     lipgloss.Color
	Err     lipgloss.Color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	User:    lipgloss.Color("#58a6ff"),
	Agent:   lipgloss.Color("#d2a8ff"),
	Dim:     lipgloss.Color("#6e7681"),
	Err:     lipgloss.Color("#ff6b6b"),
}

// Feed writes styled event lines.
type Feed struct {
	title lipgloss.Style
	tag   lipgloss.Style
	user  lipgloss.Style
	agent lipgloss.Style
	dim   lipgloss.Style
	err   lipgloss.Style
}

// NewFeed creates a Feed from a theme.
func NewFeed(t Theme) *Feed {
	return &Feed{
		title: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		tag:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Width(10),
		user:  lipgloss.NewStyle().Foreground(t.User),
		agent: lipgloss.NewStyle().Foreground(t.Agent),
		dim:   lipgloss.NewStyle().Foreground(t.Dim),
		err:   lipgloss.NewStyle().Bold(true).Foreground(t.Err),
	}
}

// Banner renders the connection header.
func (f *Feed) Banner(url, sessionID, serverVer string) string {
	return fmt.Sprintf("%s\n%s\n%s",
		f.title.Render("voxloop monitor"),
		f.dim.Render("  server  "+url+"  ("+serverVer+")"),
		f.dim.Render("  session "+sessionID))
}

func (f *Feed) line(tag string, body string) string {
	ts := f.dim.Render(time.Now().Format("15:04:05.000"))
	return ts + " " + f.tag.Render(tag) + " " + body
}

// Transcript renders a final user transcript.
func (f *Feed) Transcript(text string) string {
	return f.line("stt", f.user.Render(text))
}

// Sentence renders an agent sentence boundary event.
func (f *Feed) Sentence(state, text string) string {
	if text == "" {
		return f.line("tts", f.dim.Render(state))
	}
	return f.line("tts", f.dim.Render(state+" ")+f.agent.Render(text))
}

// Audio renders an audio progress line: frame count and play time.
func (f *Feed) Audio(frames int, d time.Duration) string {
	return f.line("audio", f.dim.Render(fmt.Sprintf("%d frames, %s", frames, d.Round(10*time.Millisecond))))
}

// State renders a protocol state change (tts start/stop, listen).
func (f *Feed) State(kind, state string) string {
	return f.line(kind, f.dim.Render(state))
}

// Error renders a failure line.
func (f *Feed) Error(err error) string {
	return f.line("error", f.err.Render(err.Error()))
}
