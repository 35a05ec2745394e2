package sessionpool

import (
	"context"
	"testing"
)

type fakeSession struct {
	repoKey    string
	processing bool
	cancelled  bool
	cleared    []string
}

func (f *fakeSession) IsProcessing() bool { return f.processing }
func (f *fakeSession) ProcessInstruction(ctx context.Context, instructionText, userID, taskID, repoKey string) error {
	return nil
}
func (f *fakeSession) CancelCurrentTask()             { f.cancelled = true }
func (f *fakeSession) ClearUserHistory(userID string) { f.cleared = append(f.cleared, userID) }
func (f *fakeSession) SubmitInputResponse(inputID, text string) bool { return true }

func newTestPool(t *testing.T, capacity int) (*Pool, map[string]*fakeSession) {
	t.Helper()
	sessions := make(map[string]*fakeSession)
	factory := func(repoKey, workingDir string) AgentSession {
		fs := &fakeSession{repoKey: repoKey}
		sessions[repoKey] = fs
		return fs
	}
	p := New(capacity, t.TempDir(), "", factory)
	return p, sessions
}

func TestGetOrCreateSession_CreatesAndReuses(t *testing.T) {
	p, _ := newTestPool(t, 3)

	ps1, err := p.GetOrCreateSession("org/a")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	ps2, err := p.GetOrCreateSession("org/a")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if ps1 != ps2 {
		t.Fatal("expected the same pooled session to be returned on reuse")
	}
	if p.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", p.Size())
	}
}

func TestGetOrCreateSession_EvictsIdleOnCapacity(t *testing.T) {
	p, sessions := newTestPool(t, 2)

	if _, err := p.GetOrCreateSession(DefaultRepoKey); err != nil {
		t.Fatalf("default session: %v", err)
	}
	if _, err := p.GetOrCreateSession("org/a"); err != nil {
		t.Fatalf("org/a: %v", err)
	}
	// Pool is now full (default + org/a). org/a is idle, so it should be
	// evicted to make room for org/b.
	if _, err := p.GetOrCreateSession("org/b"); err != nil {
		t.Fatalf("org/b: %v", err)
	}

	if p.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 (default + org/b)", p.Size())
	}
	if _, stillPooled := sessions["org/a"]; !stillPooled {
		t.Fatal("sanity: org/a should have been constructed once")
	}
	if p.IsRepoProcessing("org/a") {
		t.Fatal("evicted session should report not-processing (gone from pool)")
	}
}

func TestGetOrCreateSession_FallsBackToDefaultWhenNoneEvictable(t *testing.T) {
	p, sessions := newTestPool(t, 2)

	defPS, err := p.GetOrCreateSession(DefaultRepoKey)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, err := p.GetOrCreateSession("org/a"); err != nil {
		t.Fatalf("org/a: %v", err)
	}
	sessions["org/a"].processing = true

	ps, err := p.GetOrCreateSession("org/b")
	if err != nil {
		t.Fatalf("org/b fallback: %v", err)
	}
	if ps != defPS {
		t.Fatal("expected fallback to the default session when nothing is evictable")
	}
	if ps.RepoKey != DefaultRepoKey {
		t.Fatalf("fallback session RepoKey = %q, want %q (the caller detects the fallback by this mismatch)", ps.RepoKey, DefaultRepoKey)
	}
}

func TestCancelRepoTask_DelegatesToSession(t *testing.T) {
	p, sessions := newTestPool(t, 3)
	p.GetOrCreateSession("org/a")

	p.CancelRepoTask("org/a")
	if !sessions["org/a"].cancelled {
		t.Fatal("expected CancelRepoTask to delegate to the session")
	}
}

func TestCancelAll_CancelsEverySession(t *testing.T) {
	p, sessions := newTestPool(t, 3)
	p.GetOrCreateSession("org/a")
	p.GetOrCreateSession("org/b")

	p.CancelAll()
	for repo, fs := range sessions {
		if !fs.cancelled {
			t.Fatalf("session %s was not cancelled", repo)
		}
	}
}

func TestClearUserHistory_FansOutToAllSessions(t *testing.T) {
	p, sessions := newTestPool(t, 3)
	p.GetOrCreateSession("org/a")
	p.GetOrCreateSession("org/b")

	p.ClearUserHistory("u1")
	for repo, fs := range sessions {
		if len(fs.cleared) != 1 || fs.cleared[0] != "u1" {
			t.Fatalf("session %s: cleared = %v", repo, fs.cleared)
		}
	}
}

func TestIsRepoProcessing_UnknownRepoIsFalse(t *testing.T) {
	p, _ := newTestPool(t, 3)
	if p.IsRepoProcessing("org/never-seen") {
		t.Fatal("expected false for a repo with no pooled session")
	}
}
