package dashboard

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fieldstation/conductor/internal/bus"
)

func TestView_DisplaysRepoQueuesAndApprovals(t *testing.T) {
	m := model{
		snap: Snapshot{
			ActiveRepos:      2,
			PendingApprovals: 1,
			Uptime:           10 * time.Second,
			RepoQueues: []RepoQueueStatus{
				{RepoKey: "org/a", Queued: 3, Processing: true},
				{RepoKey: "org/b", Queued: 0, Processing: false},
			},
		},
		recent: []string{"[STATUS_UPDATE] org/a: starting"},
	}
	view := m.View()

	for _, want := range []string{
		"Active repos: 2",
		"Pending approvals: 1",
		"org/a",
		"queued=3",
		"processing",
		"org/b",
		"idle",
		"[STATUS_UPDATE] org/a: starting",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestTUI_HeadlessNonTTY(t *testing.T) {
	provider := func() Snapshot {
		return Snapshot{ActiveRepos: 1, Uptime: 5 * time.Second}
	}
	feed := NewRecentFeed()

	m := model{provider: provider, feed: feed, snap: provider()}

	cmd := m.Init()
	if cmd == nil {
		t.Fatal("expected Init to return a cmd")
	}

	updated, quitCmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if updated == nil {
		t.Fatal("expected non-nil model after Update")
	}
	if quitCmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}

	m2 := model{provider: provider, feed: feed, snap: Snapshot{}}
	updated2, tickCmd := m2.Update(tickMsg(time.Now()))
	if tickCmd == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	updatedModel := updated2.(model)
	if updatedModel.snap.ActiveRepos != 1 {
		t.Fatal("expected snapshot to be refreshed from provider")
	}

	view := m.View()
	if view == "" {
		t.Fatal("expected non-empty view output in headless mode")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(cancelCtx, provider, feed)
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}

func TestRecentFeed_KeepsNewestFirstBoundedToFive(t *testing.T) {
	f := NewRecentFeed()
	for i := 0; i < 8; i++ {
		f.Add(strings.Repeat("x", 1) + string(rune('0'+i)))
	}
	lines := f.Lines()
	if len(lines) != maxRecentLines {
		t.Fatalf("len(lines) = %d, want %d", len(lines), maxRecentLines)
	}
	if lines[0] != "x7" {
		t.Fatalf("expected newest item first, got %q", lines[0])
	}
}

func TestRecentFeed_ListenAndRecordRendersUpdates(t *testing.T) {
	b := bus.New()
	f := NewRecentFeed()

	ctx, cancel := context.WithCancel(context.Background())
	go f.ListenAndRecord(ctx, b)

	b.PublishUpdate(bus.Update{Type: bus.TypeStatusUpdate, RepoKey: "org/a", Message: "starting"})
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	lines := f.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 recorded line, got %v", lines)
	}
	if !strings.Contains(lines[0], "org/a") || !strings.Contains(lines[0], "starting") {
		t.Fatalf("unexpected rendered line: %q", lines[0])
	}
}
