// Package controlplane is the authenticated HTTP + streaming fabric: it
// turns external requests into Permission Guard / Repo Detector / Parallel
// Task Queue operations and turns Update Bus events into /ws frames.
package controlplane

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	otelapi "go.opentelemetry.io/otel/trace"

	"github.com/fieldstation/conductor/internal/approval"
	"github.com/fieldstation/conductor/internal/audit"
	"github.com/fieldstation/conductor/internal/bus"
	"github.com/fieldstation/conductor/internal/guard"
	conductorotel "github.com/fieldstation/conductor/internal/otel"
	"github.com/fieldstation/conductor/internal/repodetect"
	"github.com/fieldstation/conductor/internal/sessionpool"
	"github.com/fieldstation/conductor/internal/taskqueue"
	"github.com/fieldstation/conductor/internal/validate"
)

const maxRequestBodyBytes = 1 << 20 // 1MB; control-plane bodies are small JSON envelopes.

// Config wires every collaborator the control plane fronts.
type Config struct {
	Secret       string
	AllowOrigins []string

	Guard     *guard.Guard
	Queue     *taskqueue.Queue
	Pool      *sessionpool.Pool
	Gate      *approval.Gate
	Bus       *bus.Bus
	Validator *validate.Set
	Tracer    otelapi.Tracer
	Logger    *slog.Logger
}

type pendingInputEntry struct {
	UserID  string
	RepoKey string
}

// Server hosts the HTTP endpoints and the /ws streaming socket.
type Server struct {
	cfg Config

	pendingMu sync.Mutex
	pending   map[string]pendingInputEntry

	internalSub *bus.Subscription
}

// New constructs a Server and starts its internal bus subscription used to
// track pending input requests for /input-response routing.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		pending: make(map[string]pendingInputEntry),
	}
	if cfg.Bus != nil {
		s.internalSub = cfg.Bus.Subscribe(bus.TopicInputNeeded)
		go s.trackPendingInputs()
	}
	return s
}

// trackPendingInputs records every INPUT_NEEDED update's id so a later
// /input-response call can be routed to the right repo's session without
// the caller needing to know it.
func (s *Server) trackPendingInputs() {
	for ev := range s.internalSub.Ch() {
		u, ok := ev.Payload.(bus.Update)
		if !ok || u.InputID == "" {
			continue
		}
		s.pendingMu.Lock()
		s.pending[u.InputID] = pendingInputEntry{UserID: u.UserID, RepoKey: u.RepoKey}
		s.pendingMu.Unlock()
	}
}

// Handler builds the routed http.Handler, health unauthenticated, every
// other route behind bearer auth, CORS, and a request-size limit.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/instruction", s.traced("instruction", s.handleInstruction))
	mux.HandleFunc("/approval-response", s.traced("approval_response", s.handleApprovalResponse))
	mux.HandleFunc("/input-response", s.traced("input_response", s.handleInputResponse))
	mux.HandleFunc("/cancel-task", s.traced("cancel_task", s.handleCancelTask))
	mux.HandleFunc("/cancel", s.traced("cancel", s.handleCancel))
	mux.HandleFunc("/reset", s.traced("reset", s.handleReset))
	mux.HandleFunc("/status", s.traced("status", s.handleStatus))
	mux.HandleFunc("/ws", s.handleWS)

	return requestSizeLimit(maxRequestBodyBytes)(s.cors()(s.authorize(mux)))
}

func (s *Server) traced(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Tracer == nil {
			h(w, r)
			return
		}
		ctx, span := conductorotel.StartServerSpan(r.Context(), s.cfg.Tracer, "control_plane."+route,
			conductorotel.AttrRoute.String(route))
		defer span.End()
		h(w, r.WithContext(ctx))
	}
}

func (s *Server) cors() func(http.Handler) http.Handler {
	if len(s.cfg.AllowOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	allowAll := false
	origins := make(map[string]bool, len(s.cfg.AllowOrigins))
	for _, o := range s.cfg.AllowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || origins[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// authorize enforces the shared bearer secret on every route except /health.
// Comparison is constant-time to avoid timing side-channels on the secret.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.hasValidBearer(r) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hasValidBearer(r *http.Request) bool {
	if s.cfg.Secret == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]any{"status": "rejected", "reason": reason, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type instructionRequest struct {
	UserID      string `json:"userId"`
	MessageID   string `json:"messageId"`
	Instruction string `json:"instruction"`
	Timestamp   string `json:"timestamp"`
}

func (s *Server) handleInstruction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "bad_method", "POST required")
		return
	}
	_, req, ok := s.decodeAndValidate(w, r, validate.RequestInstruction, &instructionRequest{})
	if !ok {
		return
	}
	in := req.(*instructionRequest)

	guardResult := guard.CheckMultiple(s.cfg.Guard, in.Instruction)
	if !guardResult.Allowed {
		audit.Record("deny", "permission_guard.instruction", guardResult.BlockedReason, "", in.Instruction)
		if s.cfg.Bus != nil {
			s.cfg.Bus.PublishUpdate(bus.Update{
				Type: bus.TypeError, UserID: in.UserID,
				Message: "blocked: " + guardResult.BlockedReason,
			})
		}
		writeJSONError(w, http.StatusOK, "blocked_operation", guardResult.BlockedReason)
		return
	}
	audit.Record("allow", "permission_guard.instruction", guardResult.Warning, "", in.Instruction)

	detection := repodetect.Detect(in.Instruction)

	task, err := s.cfg.Queue.Enqueue(in.UserID, in.Instruction, detection.RepoKey)
	if err != nil {
		reason := "queue_full"
		if errors.Is(err, taskqueue.ErrPerUserQuota) {
			reason = "per_user_quota_exceeded"
		}
		writeJSONError(w, http.StatusOK, reason, err.Error())
		return
	}

	snap := s.cfg.Queue.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "accepted",
		"taskId":        task.ID,
		"repoKey":       task.RepoKey,
		"queuePosition": task.Position,
		"totalQueued":   snap.TotalQueued,
		"activeRepos":   snap.ActiveRepos,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

type approvalResponseRequest struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
	UserID     string `json:"userId"`
}

func (s *Server) handleApprovalResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "bad_method", "POST required")
		return
	}
	_, req, ok := s.decodeAndValidate(w, r, validate.RequestApprovalResp, &approvalResponseRequest{})
	if !ok {
		return
	}
	in := req.(*approvalResponseRequest)

	if !s.cfg.Gate.HandleResponse(in.ApprovalID, in.UserID, in.Approved) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown approval id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "processed"})
}

type inputResponseRequest struct {
	InputID  string `json:"inputId"`
	UserID   string `json:"userId"`
	Response string `json:"response"`
}

func (s *Server) handleInputResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "bad_method", "POST required")
		return
	}
	_, req, ok := s.decodeAndValidate(w, r, validate.RequestInputResp, &inputResponseRequest{})
	if !ok {
		return
	}
	in := req.(*inputResponseRequest)

	s.pendingMu.Lock()
	entry, known := s.pending[in.InputID]
	if known {
		delete(s.pending, in.InputID)
	}
	s.pendingMu.Unlock()

	if !known || entry.UserID != in.UserID {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown input id"})
		return
	}

	ps, ok := s.cfg.Pool.Lookup(entry.RepoKey)
	if !ok || !ps.Session.SubmitInputResponse(in.InputID, in.Response) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown input id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

type cancelTaskRequest struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "bad_method", "POST required")
		return
	}
	_, req, ok := s.decodeAndValidate(w, r, validate.RequestCancelTask, &cancelTaskRequest{})
	if !ok {
		return
	}
	in := req.(*cancelTaskRequest)

	result := s.cfg.Queue.CancelTask(in.TaskID, in.UserID)
	if !result.Cancelled {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown task id"})
		return
	}
	if result.WasProcessing {
		s.cfg.Pool.CancelRepoTask(result.RepoKey)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "repoKey": result.RepoKey})
}

type cancelRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "bad_method", "POST required")
		return
	}
	_, req, ok := s.decodeAndValidate(w, r, validate.RequestCancel, &cancelRequest{})
	if !ok {
		return
	}
	in := req.(*cancelRequest)

	queueResult := s.cfg.Queue.CancelAllForUser(in.UserID)
	approvalsCancelled := s.cfg.Gate.CancelAllForUser(in.UserID)
	for _, repoKey := range queueResult.ProcessingRepos {
		s.cfg.Pool.CancelRepoTask(repoKey)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cancelledTasks":     queueResult.Cancelled,
		"cancelledRunning":   len(queueResult.ProcessingRepos),
		"cancelledQueued":    queueResult.Cancelled - len(queueResult.ProcessingRepos),
		"cancelledSubAgents": approvalsCancelled,
		"processingRepos":    queueResult.ProcessingRepos,
		"message":            fmt.Sprintf("cancelled %d task(s)", queueResult.Cancelled),
	})
}

type resetRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "bad_method", "POST required")
		return
	}
	_, req, ok := s.decodeAndValidate(w, r, validate.RequestReset, &resetRequest{})
	if !ok {
		return
	}
	in := req.(*resetRequest)

	s.cfg.Pool.ClearUserHistory(in.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "userId": in.UserID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "bad_method", "GET required")
		return
	}
	snap := s.cfg.Queue.Status()

	repoQueues := make([]map[string]any, 0, len(snap.RepoQueues))
	subAgents := make([]map[string]any, 0)
	for _, rq := range snap.RepoQueues {
		entry := map[string]any{
			"repoKey":    rq.RepoKey,
			"queued":     rq.Queued,
			"processing": rq.Processing,
		}
		if rq.CurrentTaskID != "" {
			entry["currentTaskId"] = rq.CurrentTaskID
			subAgents = append(subAgents, map[string]any{
				"id":         rq.CurrentTaskID,
				"task":       rq.CurrentTaskText,
				"repo":       rq.RepoKey,
				"status":     "processing",
				"startedAt":  rq.StartedAt.UTC().Format(time.RFC3339),
				"lastUpdate": time.Now().UTC().Format(time.RFC3339),
			})
		}
		repoQueues = append(repoQueues, entry)
	}

	body := map[string]any{
		"subAgents": subAgents,
		"parallelQueue": map[string]any{
			"totalQueued":        snap.TotalQueued,
			"activeRepos":        snap.ActiveRepos,
			"maxConcurrentRepos": snap.MaxConcurrentRepos,
			"processingRepos":    snap.ProcessingRepos,
			"repoQueues":         repoQueues,
		},
	}
	if s.cfg.Bus != nil {
		body["busSubscribers"] = s.cfg.Bus.SubscriberCount()
		body["busDroppedEvents"] = s.cfg.Bus.DroppedEventCount()
	}
	if s.cfg.Gate != nil {
		body["pendingApprovals"] = s.cfg.Gate.PendingCount()
	}
	writeJSON(w, http.StatusOK, body)
}

// decodeAndValidate reads the request body once, validates it against the
// schema registered for req, and unmarshals it into dst on success. A
// schema violation returns HTTP 400 before any guard/detector/queue logic
// sees the body.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, req validate.Request, dst any) ([]byte, any, bool) {
	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "detail": err.Error()})
		return nil, nil, false
	}

	if s.cfg.Validator != nil {
		if err := s.cfg.Validator.Validate(req, raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "detail": err.Error()})
			return nil, nil, false
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "detail": err.Error()})
		return nil, nil, false
	}
	return raw, dst, true
}

// handleWS authenticates the handshake via the same bearer secret, then
// relays every subsequently published Update as a JSON text frame until the
// client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.hasValidBearer(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if s.cfg.Bus == nil {
		<-r.Context().Done()
		return
	}

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
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
			if err := wsjson.Write(ctx, conn, u); err != nil {
				s.cfg.Logger.Warn("ws write failed, closing", "error", err)
				return
			}
		}
	}
}
