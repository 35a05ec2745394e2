package controlplane_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldstation/conductor/internal/approval"
	"github.com/fieldstation/conductor/internal/bus"
	"github.com/fieldstation/conductor/internal/controlplane"
	"github.com/fieldstation/conductor/internal/guard"
	"github.com/fieldstation/conductor/internal/sessionpool"
	"github.com/fieldstation/conductor/internal/taskqueue"
	"github.com/fieldstation/conductor/internal/validate"
)

type fakeSession struct {
	inputs []string
}

func (f *fakeSession) IsProcessing() bool { return false }
func (f *fakeSession) ProcessInstruction(ctx context.Context, instructionText, userID, taskID, repoKey string) error {
	return nil
}
func (f *fakeSession) CancelCurrentTask()             {}
func (f *fakeSession) ClearUserHistory(userID string) {}
func (f *fakeSession) SubmitInputResponse(inputID, text string) bool {
	f.inputs = append(f.inputs, inputID+":"+text)
	return true
}

func newTestServer(t *testing.T) (*controlplane.Server, *bus.Bus, *sessionpool.Pool, *taskqueue.Queue) {
	t.Helper()
	b := bus.New()
	v, err := validate.Compile()
	if err != nil {
		t.Fatalf("validate.Compile: %v", err)
	}
	q := taskqueue.New(taskqueue.Limits{MaxQueueSize: 10, MaxTasksPerUser: 5, MaxConcurrentRepos: 2}, b)
	q.SetProcessor(func(ctx context.Context, task *taskqueue.QueuedTask) error { return nil })
	pool := sessionpool.New(3, t.TempDir(), "", func(repoKey, workingDir string) sessionpool.AgentSession {
		return &fakeSession{}
	})
	gate := approval.New(b)

	srv := controlplane.New(controlplane.Config{
		Secret:    "test-secret",
		Guard:     guard.New(),
		Queue:     q,
		Pool:      pool,
		Gate:      gate,
		Bus:       b,
		Validator: v,
	})
	return srv, b, pool, q
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestInstruction_MissingBearerRejected(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	body := bytes.NewBufferString(`{"userId":"u1","instruction":"do a thing"}`)
	req := httptest.NewRequest(http.MethodPost, "/instruction", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInstruction_AcceptsValidRequest(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	body := bytes.NewBufferString(`{"userId":"u1","instruction":"run the tests"}`)
	req := httptest.NewRequest(http.MethodPost, "/instruction", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Fatalf("expected status accepted, got %v", resp["status"])
	}
}

func TestInstruction_BlocksDestructiveCommand(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	body := bytes.NewBufferString(`{"userId":"u1","instruction":"sudo rm -rf /tmp/x then sudo rm the db"}`)
	req := httptest.NewRequest(http.MethodPost, "/instruction", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != "rejected" {
		t.Fatalf("expected rejected for a destructive instruction, got %v", resp)
	}
}

func TestInstruction_SchemaViolationReturns400(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	body := bytes.NewBufferString(`{"instruction":"missing the userId field"}`)
	req := httptest.NewRequest(http.MethodPost, "/instruction", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestApprovalResponse_UnknownIDReturns404(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	body := bytes.NewBufferString(`{"approvalId":"nope","approved":true,"userId":"u1"}`)
	req := httptest.NewRequest(http.MethodPost, "/approval-response", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInputResponse_RoutesToPooledSession(t *testing.T) {
	srv, b, pool, _ := newTestServer(t)

	ps, err := pool.GetOrCreateSession("org/repo")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	fs := ps.Session.(*fakeSession)

	b.PublishUpdate(bus.Update{
		Type: bus.TypeInputNeeded, UserID: "u1", RepoKey: "org/repo", InputID: "in-1",
	})
	// PublishUpdate is async with respect to the server's internal tracking
	// goroutine; give it a moment to land in the registry.
	time.Sleep(20 * time.Millisecond)

	body := bytes.NewBufferString(`{"inputId":"in-1","userId":"u1","response":"yes"}`)
	req := httptest.NewRequest(http.MethodPost, "/input-response", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(fs.inputs) != 1 || fs.inputs[0] != "in-1:yes" {
		t.Fatalf("expected the pooled session to receive the input, got %v", fs.inputs)
	}
}

func TestInputResponse_WrongUserRejected(t *testing.T) {
	srv, b, pool, _ := newTestServer(t)
	if _, err := pool.GetOrCreateSession("org/repo"); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	b.PublishUpdate(bus.Update{
		Type: bus.TypeInputNeeded, UserID: "u1", RepoKey: "org/repo", InputID: "in-2",
	})
	time.Sleep(20 * time.Millisecond)

	body := bytes.NewBufferString(`{"inputId":"in-2","userId":"someone-else","response":"yes"}`)
	req := httptest.NewRequest(http.MethodPost, "/input-response", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a mismatched user, got %d", rec.Code)
	}
}

func TestCancel_BulkCancelsAcrossQueueAndApprovals(t *testing.T) {
	srv, _, _, q := newTestServer(t)
	if _, err := q.Enqueue("u1", "do something", "org/repo"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	body := bytes.NewBufferString(`{"userId":"u1"}`)
	req := httptest.NewRequest(http.MethodPost, "/cancel", body)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatus_ReportsQueueAndBusCounters(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer test-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := resp["parallelQueue"]; !ok {
		t.Fatal("expected parallelQueue in /status response")
	}
}

func TestCORS_PreflightReflectsAllowedOrigin(t *testing.T) {
	b := bus.New()
	v, _ := validate.Compile()
	q := taskqueue.New(taskqueue.Limits{MaxQueueSize: 10, MaxTasksPerUser: 5, MaxConcurrentRepos: 2}, b)
	pool := sessionpool.New(3, t.TempDir(), "", func(repoKey, workingDir string) sessionpool.AgentSession {
		return &fakeSession{}
	})
	srv := controlplane.New(controlplane.Config{
		Secret:       "test-secret",
		Guard:        guard.New(),
		Queue:        q,
		Pool:         pool,
		Gate:         approval.New(b),
		Bus:          b,
		Validator:    v,
		AllowOrigins: []string{"https://dashboard.example.com"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/instruction", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example.com" {
		t.Fatalf("expected origin reflected, got %q", got)
	}
}
