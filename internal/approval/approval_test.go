package approval

import (
	"context"
	"testing"
	"time"

	"github.com/fieldstation/conductor/internal/bus"
)

func TestRequestApproval_ApprovedByResponse(t *testing.T) {
	b := bus.New()
	g := New(b)

	done := make(chan bool, 1)
	go func() {
		approved, err := g.RequestApproval(context.Background(), "u1", "run_shell", "org/a", "rm file", "task-1")
		if err != nil {
			t.Error(err)
		}
		done <- approved
	}()

	// Wait for the entry to appear, then answer it.
	var id string
	for i := 0; i < 100; i++ {
		g.mu.Lock()
		for k := range g.pending {
			id = k
		}
		g.mu.Unlock()
		if id != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if id == "" {
		t.Fatal("approval never registered")
	}

	if ok := g.HandleResponse(id, "u1", true); !ok {
		t.Fatal("HandleResponse returned false for known id")
	}

	select {
	case approved := <-done:
		if !approved {
			t.Fatal("expected approved=true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolution")
	}
}

func TestHandleResponse_UnknownID(t *testing.T) {
	g := New(bus.New())
	if g.HandleResponse("nope", "u1", true) {
		t.Fatal("expected false for unknown approval id")
	}
}

func TestHandleResponse_WrongUser(t *testing.T) {
	b := bus.New()
	g := New(b)

	resultCh := make(chan bool, 1)
	go func() {
		approved, _ := g.RequestApproval(context.Background(), "u1", "run_shell", "org/a", "rm file", "task-1")
		resultCh <- approved
	}()

	var id string
	for i := 0; i < 100; i++ {
		g.mu.Lock()
		for k := range g.pending {
			id = k
		}
		g.mu.Unlock()
		if id != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if g.HandleResponse(id, "someone-else", true) {
		t.Fatal("expected false when userId does not match")
	}

	// Clean up: answer with the correct user so the goroutine above doesn't leak past the test.
	g.HandleResponse(id, "u1", false)
	<-resultCh
}

func TestHandleResponse_ResolvesAtMostOnce(t *testing.T) {
	b := bus.New()
	g := New(b)

	resultCh := make(chan bool, 1)
	go func() {
		approved, _ := g.RequestApproval(context.Background(), "u1", "run_shell", "org/a", "rm file", "task-1")
		resultCh <- approved
	}()

	var id string
	for i := 0; i < 100; i++ {
		g.mu.Lock()
		for k := range g.pending {
			id = k
		}
		g.mu.Unlock()
		if id != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if !g.HandleResponse(id, "u1", true) {
		t.Fatal("first HandleResponse should succeed")
	}
	if g.HandleResponse(id, "u1", false) {
		t.Fatal("second HandleResponse on the same id should fail (already removed)")
	}
	<-resultCh
}

func TestRequestApproval_ZeroDeadlineDeniesImmediately(t *testing.T) {
	g := NewWithDeadline(bus.New(), 0)
	approved, err := g.RequestApproval(context.Background(), "u1", "run_shell", "org/a", "rm file", "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if approved {
		t.Fatal("expected zero-deadline approval to resolve as denied")
	}
}

func TestRequestApproval_TimesOut(t *testing.T) {
	g := NewWithDeadline(bus.New(), 20*time.Millisecond)
	start := time.Now()
	approved, err := g.RequestApproval(context.Background(), "u1", "run_shell", "org/a", "rm file", "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if approved {
		t.Fatal("expected timeout to deny")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("resolved before the deadline elapsed")
	}
}

func TestCancelAllForUser_DeniesPending(t *testing.T) {
	g := New(bus.New())

	resultCh := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			approved, _ := g.RequestApproval(context.Background(), "u1", "run_shell", "org/a", "rm file", "task-1")
			resultCh <- approved
		}()
	}

	for i := 0; i < 100; i++ {
		if g.PendingCount() == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	n := g.CancelAllForUser("u1")
	if n != 2 {
		t.Fatalf("CancelAllForUser returned %d, want 2", n)
	}

	for i := 0; i < 2; i++ {
		if approved := <-resultCh; approved {
			t.Fatal("expected all cancelled approvals to resolve as denied")
		}
	}
}

func TestCancelAllForUser_Idempotent(t *testing.T) {
	g := New(bus.New())
	if n := g.CancelAllForUser("nobody"); n != 0 {
		t.Fatalf("expected 0 on empty table, got %d", n)
	}
	if n := g.CancelAllForUser("nobody"); n != 0 {
		t.Fatalf("expected 0 on second call, got %d", n)
	}
}

func TestRequestApproval_ContextCancellation(t *testing.T) {
	g := New(bus.New())
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(ctx, "u1", "run_shell", "org/a", "rm file", "task-1")
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected context.Canceled error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to resolve the approval")
	}

	if g.PendingCount() != 0 {
		t.Fatalf("pending count = %d, want 0 after ctx cancellation", g.PendingCount())
	}
}
