package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldstation/conductor/internal/orchestrator"
	conductorotel "github.com/fieldstation/conductor/internal/otel"
)

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	cfg := orchestrator.Config{
		Port:               8080,
		Secret:             "test-secret",
		WorkingDirectory:   t.TempDir(),
		MaxConcurrentRepos: 2,
		MaxQueueSize:       10,
		MaxTasksPerUser:    5,
		AgentCommand:       "claude",
		HistoryMaxTurns:    10,
		HistoryMaxTokens:   10000,
		SandboxKind:        "host",
		OTel:               conductorotel.Config{Enabled: false},
	}
	orch, err := orchestrator.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })
	return orch
}

func TestNew_WiresHealthEndpoint(t *testing.T) {
	orch := newTestOrchestrator(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	orch.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}
}

func TestNew_SnapshotReflectsEmptyState(t *testing.T) {
	orch := newTestOrchestrator(t)

	snap := orch.Snapshot()
	if snap.ActiveRepos != 0 {
		t.Fatalf("expected 0 active repos on a fresh orchestrator, got %d", snap.ActiveRepos)
	}
	if snap.PendingApprovals != 0 {
		t.Fatalf("expected 0 pending approvals on a fresh orchestrator, got %d", snap.PendingApprovals)
	}
}

func TestInstruction_EndToEndThroughHandler(t *testing.T) {
	orch := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	body := bytes.NewBufferString(`{"userId":"u1","instruction":"say hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/instruction", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	orch.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Fatalf("expected status accepted, got %v", resp)
	}
}

func TestNew_RejectsUnknownSandboxKind(t *testing.T) {
	cfg := orchestrator.Config{
		Secret:           "test-secret",
		WorkingDirectory: t.TempDir(),
		SandboxKind:      "gvisor",
		OTel:             conductorotel.Config{Enabled: false},
	}
	if _, err := orchestrator.New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected an error for an unrecognized sandbox kind")
	}
}

func TestRecentFeed_RecordsBusActivityAfterStart(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	body := bytes.NewBufferString(`{"userId":"u1","instruction":"say hello again"}`)
	req := httptest.NewRequest(http.MethodPost, "/instruction", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	orch.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(orch.RecentFeed().Lines()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the recent feed to record at least one bus update after enqueueing an instruction")
}
