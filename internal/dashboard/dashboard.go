// Package dashboard is the Operator Console: a read-only terminal view
// subscribed to the Update Bus, showing active repos, per-repo queue depth,
// the five most recent updates, and the outstanding approval count.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fieldstation/conductor/internal/bus"
)

const maxRecentLines = 5

// RepoQueueStatus is one repo's row in the console's queue table.
type RepoQueueStatus struct {
	RepoKey    string
	Queued     int
	Processing bool
}

// Snapshot is the point-in-time state the console renders each tick.
type Snapshot struct {
	ActiveRepos      int
	RepoQueues       []RepoQueueStatus
	PendingApprovals int
	Uptime           time.Duration
}

// StatusProvider returns the latest Snapshot; supplied by the orchestrator.
type StatusProvider func() Snapshot

// RecentFeed keeps the last few Update Bus lines, newest first, for the
// console's "Recent activity" panel.
type RecentFeed struct {
	mu    sync.Mutex
	lines []string
}

// NewRecentFeed returns an empty feed.
func NewRecentFeed() *RecentFeed {
	return &RecentFeed{}
}

// Add prepends a rendered line, trimming to the five most recent.
func (f *RecentFeed) Add(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append([]string{line}, f.lines...)
	if len(f.lines) > maxRecentLines {
		f.lines = f.lines[:maxRecentLines]
	}
}

// Lines returns a snapshot copy of the current recent lines, newest first.
func (f *RecentFeed) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

// ListenAndRecord subscribes to b with an empty prefix (every topic) and
// feeds a rendered one-line summary of each Update into the feed until ctx
// is cancelled.
func (f *RecentFeed) ListenAndRecord(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			u, ok := ev.Payload.(bus.Update)
			if !ok {
				continue
			}
			f.Add(renderUpdateLine(u))
		}
	}
}

func renderUpdateLine(u bus.Update) string {
	repo := u.RepoKey
	if repo == "" {
		repo = "-"
	}
	return fmt.Sprintf("[%s] %s: %s", u.Type, repo, u.Message)
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	provider StatusProvider
	feed     *RecentFeed
	snap     Snapshot
	recent   []string
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		m.recent = m.feed.Lines()
		return m, tickCmd()
	}
	return m, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	repoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("conductor") + "\n\n")
	fmt.Fprintf(&b, "Active repos: %d\n", m.snap.ActiveRepos)
	fmt.Fprintf(&b, "Pending approvals: %d\n", m.snap.PendingApprovals)
	fmt.Fprintf(&b, "Uptime: %s\n\n", m.snap.Uptime.Truncate(time.Second))

	b.WriteString(headerStyle.Render("Repo queues") + "\n")
	if len(m.snap.RepoQueues) == 0 {
		b.WriteString(dimStyle.Render("(none)") + "\n")
	}
	for _, rq := range m.snap.RepoQueues {
		status := "idle"
		if rq.Processing {
			status = "processing"
		}
		fmt.Fprintf(&b, "  %s  queued=%d  %s\n", repoStyle.Render(rq.RepoKey), rq.Queued, status)
	}

	b.WriteString("\n" + headerStyle.Render("Recent activity") + "\n")
	if len(m.recent) == 0 {
		b.WriteString(dimStyle.Render("(none)") + "\n")
	}
	for _, line := range m.recent {
		b.WriteString("  " + line + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return b.String()
}

// Run starts the Bubble Tea program and blocks until ctx is cancelled or the
// user quits. It is read-only: no key press ever mutates orchestrator state.
func Run(ctx context.Context, provider StatusProvider, feed *RecentFeed) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, feed: feed, snap: provider(), recent: feed.Lines()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
