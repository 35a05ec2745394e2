// Package approval implements the Approval Gate: a table of pending approval
// requests that pauses an agent session until a user approves, denies, or a
// deadline expires. Each entry resolves exactly once, by whichever of
// response, timeout, or bulk-cancel reaches it first.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldstation/conductor/internal/audit"
	"github.com/fieldstation/conductor/internal/bus"
	conductorotel "github.com/fieldstation/conductor/internal/otel"
)

// DefaultDeadline is the approval window before an unanswered request is
// auto-denied. Fixed per an explicit design decision (see DESIGN.md) rather
// than environment-configurable.
const DefaultDeadline = 5 * time.Minute

// PendingApproval is one outstanding request awaiting a user decision.
type PendingApproval struct {
	ID          string
	UserID      string
	Action      string
	RepoContext string
	CommandText string
	CreatedAt   time.Time
	Deadline    time.Time

	mu       sync.Mutex
	resolved bool
	decision bool
	done     chan struct{}
}

// Hooks receives gate lifecycle notifications, used to feed metric counters
// without coupling the gate to an instrument API. Either field may be nil.
type Hooks struct {
	OnRequested func()
	OnTimedOut  func()
}

// Gate holds the pending-approval table and publishes lifecycle updates.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*PendingApproval
	bus      *bus.Bus
	deadline time.Duration
	hooks    Hooks
	tracer   trace.Tracer
	logger   *slog.Logger
}

// SetTracer enables per-request tracing spans. Call before the gate is
// shared across goroutines.
func (g *Gate) SetTracer(tr trace.Tracer) {
	g.tracer = tr
}

// SetLogger enables one structured log line per approval lifecycle
// transition.
func (g *Gate) SetLogger(l *slog.Logger) {
	g.logger = l
}

func (g *Gate) log(msg string, rec *PendingApproval) {
	if g.logger != nil {
		g.logger.Info(msg, "approval_id", rec.ID, "user_id", rec.UserID, "action", rec.Action)
	}
}

// SetHooks installs lifecycle hooks. Call before the gate is shared across
// goroutines.
func (g *Gate) SetHooks(h Hooks) {
	g.hooks = h
}

// New constructs a Gate publishing onto b, using DefaultDeadline.
func New(b *bus.Bus) *Gate {
	return &Gate{
		pending:  make(map[string]*PendingApproval),
		bus:      b,
		deadline: DefaultDeadline,
	}
}

// NewWithDeadline constructs a Gate with a caller-supplied deadline, used by
// tests exercising the zero-deadline boundary case.
func NewWithDeadline(b *bus.Bus, deadline time.Duration) *Gate {
	g := New(b)
	g.deadline = deadline
	return g
}

// RequestApproval creates a pending entry, emits ApprovalRequired on the bus,
// arms a deadline timer, and blocks until a decision is reached by response,
// timeout, or ctx cancellation.
func (g *Gate) RequestApproval(ctx context.Context, userID, action, repoContext, commandText, taskID string) (bool, error) {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = conductorotel.StartSpan(ctx, g.tracer, "approval_gate.request",
			conductorotel.AttrUserID.String(userID),
			conductorotel.AttrRepoKey.String(repoContext),
		)
		defer span.End()
	}

	now := time.Now()
	rec := &PendingApproval{
		ID:          uuid.NewString(),
		UserID:      userID,
		Action:      action,
		RepoContext: repoContext,
		CommandText: commandText,
		CreatedAt:   now,
		Deadline:    now.Add(g.deadline),
		done:        make(chan struct{}),
	}

	g.mu.Lock()
	g.pending[rec.ID] = rec
	g.mu.Unlock()

	if g.hooks.OnRequested != nil {
		g.hooks.OnRequested()
	}
	g.log("approval requested", rec)

	if g.bus != nil {
		g.bus.PublishUpdate(bus.Update{
			Type:       bus.TypeApprovalRequired,
			UserID:     userID,
			Message:    "approval required: " + action,
			TaskID:     taskID,
			RepoKey:    repoContext,
			ApprovalID: rec.ID,
			ApprovalDetails: &bus.ApprovalDetails{
				Action:  action,
				Repo:    repoContext,
				Details: commandText,
			},
		})
	}

	if g.deadline <= 0 {
		g.mu.Lock()
		delete(g.pending, rec.ID)
		g.mu.Unlock()
		g.resolve(rec, false)
		return false, nil
	}

	go g.timeoutDeny(rec)

	select {
	case <-rec.done:
		rec.mu.Lock()
		decision := rec.decision
		rec.mu.Unlock()
		return decision, nil
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, rec.ID)
		g.mu.Unlock()
		g.resolve(rec, false)
		return false, ctx.Err()
	}
}

// HandleResponse resolves a pending approval from an external answer. It
// returns false if the id is unknown or owned by a different user.
func (g *Gate) HandleResponse(approvalID, userID string, approved bool) bool {
	g.mu.Lock()
	rec, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()
	if !ok || rec.UserID != userID {
		return false
	}
	g.resolve(rec, approved)
	decision := "deny"
	if approved {
		decision = "allow"
	}
	audit.Record(decision, "approval_gate", rec.Action, "", rec.CommandText)
	g.log("approval resolved ("+decision+")", rec)
	return true
}

// CancelAllForUser resolves every pending approval owned by userID as denied,
// used when a user's tasks are bulk-cancelled.
func (g *Gate) CancelAllForUser(userID string) int {
	g.mu.Lock()
	var matched []*PendingApproval
	for id, rec := range g.pending {
		if rec.UserID == userID {
			matched = append(matched, rec)
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for _, rec := range matched {
		g.resolve(rec, false)
		audit.Record("cancel", "approval_gate", rec.Action, "", rec.CommandText)
	}
	return len(matched)
}

// PendingCount returns the number of currently outstanding approvals, used by
// the control plane's /status and the dashboard.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) timeoutDeny(rec *PendingApproval) {
	wait := time.Until(rec.Deadline)
	if wait > 0 {
		time.Sleep(wait)
	}

	g.mu.Lock()
	_, stillPending := g.pending[rec.ID]
	if stillPending {
		delete(g.pending, rec.ID)
	}
	g.mu.Unlock()

	if !stillPending {
		return
	}

	g.resolve(rec, false)
	audit.Record("timeout", "approval_gate", rec.Action, "", rec.CommandText)
	if g.hooks.OnTimedOut != nil {
		g.hooks.OnTimedOut()
	}
	g.log("approval timed out", rec)

	if g.bus != nil {
		g.bus.PublishUpdate(bus.Update{
			Type:    bus.TypeStatusUpdate,
			UserID:  rec.UserID,
			Message: "approval expired, treated as denied: " + rec.Action,
			RepoKey: rec.RepoContext,
		})
	}
}

// resolve closes rec.done at most once, guarded by a resolved flag so
// response, timeout, and bulk-cancel can race harmlessly.
func (g *Gate) resolve(rec *PendingApproval, approved bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.resolved {
		return
	}
	rec.resolved = true
	rec.decision = approved
	close(rec.done)
}
