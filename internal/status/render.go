package status

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorAccent = lipgloss.Color("205")
	colorSubtle = lipgloss.Color("241")
	colorOK     = lipgloss.Color("42")
	colorWarn   = lipgloss.Color("214")
	colorError  = lipgloss.Color("160")
)

// Styles is shared with the diagnose output. The zero value renders plain text.
type Styles struct {
	Title  lipgloss.Style
	Subtle lipgloss.Style
	OK     lipgloss.Style
	Warn   lipgloss.Style
	Error  lipgloss.Style
}

func NewStyles(color bool) Styles {
	if !color {
		return Styles{}
	}
	return Styles{
		Title:  lipgloss.NewStyle().Foreground(colorAccent).Bold(true),
		Subtle: lipgloss.NewStyle().Foreground(colorSubtle),
		OK:     lipgloss.NewStyle().Foreground(colorOK),
		Warn:   lipgloss.NewStyle().Foreground(colorWarn),
		Error:  lipgloss.NewStyle().Foreground(colorError).Bold(true),
	}
}

// ColorEnabled reports whether w is a terminal and NO_COLOR is unset.
func ColorEnabled(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (s Styles) Header(title string) string {
	return s.Title.Render(title) + "\n" + s.Subtle.Render(strings.Repeat("-", len(title)))
}

// Render writes the human-readable snapshot. now is used for relative ages.
func Render(w io.Writer, snap *Snapshot, st Styles, now time.Time) error {
	var b strings.Builder

	b.WriteString(st.Header("DAEMON") + "\n")
	if snap.Daemon.Running {
		fmt.Fprintf(&b, "  %s pid=%d passes=%d\n", st.OK.Render("running"), snap.Daemon.PID, snap.Daemon.Passes)
	} else {
		fmt.Fprintf(&b, "  %s\n", st.Warn.Render("not running"))
	}

	b.WriteString("\n" + st.Header("QUEUES") + "\n")
	for _, q := range snap.Queues {
		line := fmt.Sprintf("  %-20s %5d", q.Queue, q.Count)
		if q.Count == 0 {
			line = st.Subtle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + st.Header("AGENTS") + "\n")
	if len(snap.Agents) == 0 {
		b.WriteString(st.Subtle.Render("  no agents reporting state") + "\n")
	}
	for _, a := range snap.Agents {
		state := fmt.Sprintf("%-10s", a.State)
		switch a.State {
		case AgentRunning:
			state = st.OK.Render(state)
		case AgentBlocked, AgentUnknown:
			state = st.Warn.Render(state)
		default:
			state = st.Subtle.Render(state)
		}
		last := "never"
		if a.LastActive != nil {
			last = ago(now.Sub(*a.LastActive))
		}
		task := a.CurrentTask
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(&b, "  %-20s %s %-10s claimed=%d task=%s", a.Name, state, last, a.Claimed, task)
		if a.Reason != "" {
			fmt.Fprintf(&b, " (%s)", a.Reason)
		}
		b.WriteString("\n")
	}

	if len(snap.Struggling) > 0 {
		b.WriteString("\n" + st.Header(fmt.Sprintf("STRUGGLING (%d)", len(snap.Struggling))) + "\n")
		for _, s := range snap.Struggling {
			fmt.Fprintf(&b, "  %s %-16s claimed %s with no commits: %s\n",
				st.Warn.Render(s.TaskID), s.Worker, ago(s.Claimed), s.Title)
		}
	}
	if len(snap.StaleBlockers) > 0 {
		b.WriteString("\n" + st.Header(fmt.Sprintf("STALE BLOCKERS (%d)", len(snap.StaleBlockers))) + "\n")
		for _, id := range snap.StaleBlockers {
			fmt.Fprintf(&b, "  %s blocked only by done tasks\n", st.Warn.Render(id))
		}
	}
	if len(snap.Idle) > 0 {
		fmt.Fprintf(&b, "\n%s %s\n", st.Subtle.Render("idle:"), strings.Join(snap.Idle, ", "))
	}
	if snap.Quarantined > 0 {
		fmt.Fprintf(&b, "%s\n", st.Error.Render(fmt.Sprintf("%d file(s) in quarantine", snap.Quarantined)))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
