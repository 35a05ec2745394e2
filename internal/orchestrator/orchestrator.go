// Package orchestrator owns the wiring: every collaborator package is
// constructed exactly once here and handed its peers, so no other package
// needs to reach for a global. All process-wide mutable state lives behind
// this one structure, with a single init/shutdown lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/fieldstation/conductor/internal/agentsession"
	"github.com/fieldstation/conductor/internal/approval"
	"github.com/fieldstation/conductor/internal/audit"
	"github.com/fieldstation/conductor/internal/bus"
	"github.com/fieldstation/conductor/internal/controlplane"
	"github.com/fieldstation/conductor/internal/dashboard"
	"github.com/fieldstation/conductor/internal/guard"
	conductorotel "github.com/fieldstation/conductor/internal/otel"
	"github.com/fieldstation/conductor/internal/policywatch"
	"github.com/fieldstation/conductor/internal/sandbox"
	"github.com/fieldstation/conductor/internal/sessionpool"
	"github.com/fieldstation/conductor/internal/taskqueue"
	"github.com/fieldstation/conductor/internal/validate"
)

// Config gathers every environment-derived setting the orchestrator needs to
// assemble its collaborators. cmd/conductor populates this from env vars.
type Config struct {
	Port   int
	Secret string

	WorkingDirectory string
	GithubOrg        string

	MaxConcurrentRepos int
	MaxQueueSize       int
	MaxTasksPerUser    int

	// MaxConcurrentSessions caps the session pool independently of the
	// queue's repo-concurrency cap. Zero means "same as MaxConcurrentRepos":
	// the default session then shares the pool with at most that many repo
	// sessions, so a burst of distinct repos while the default session is
	// pooled exhausts capacity and falls back to the default workspace
	// rather than blocking. Set it higher to favor isolation, lower to
	// favor memory.
	MaxConcurrentSessions int

	AgentCommand string
	AgentArgs    []string
	AgentEnv     []string

	HistoryMaxTurns   int
	HistoryMaxTokens  int
	TokenWarningRatio float64

	SandboxKind   string // "host" or "docker"
	SandboxImage  string
	SandboxMemMB  int64
	SandboxNetwork string

	OTel conductorotel.Config

	PolicyFile   string
	AuditLogPath string

	AllowOrigins []string
}

// Orchestrator holds every long-lived collaborator and the HTTP server
// fronting them.
type Orchestrator struct {
	cfg Config

	bus       *bus.Bus
	guard     *guard.Guard
	queue     *taskqueue.Queue
	pool      *sessionpool.Pool
	gate      *approval.Gate
	validator *validate.Set
	watcher   *policywatch.Watcher
	otelProv  *conductorotel.Provider
	metrics   *conductorotel.Metrics
	server    *controlplane.Server
	logger    *slog.Logger

	feed      *dashboard.RecentFeed
	startedAt time.Time
}

// New constructs every collaborator and wires them together, but does not
// start network listeners or background goroutines; call Start for that.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := bus.NewWithLogger(logger)

	g := guard.New()
	if cfg.PolicyFile != "" {
		blocked, warnings, err := guard.LoadPatternFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		g = guard.NewWithPatterns(blocked, warnings)
	}

	validator, err := validate.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile request schemas: %w", err)
	}

	otelProv, err := conductorotel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	metrics, err := conductorotel.NewMetrics(otelProv.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	if cfg.AuditLogPath != "" {
		if err := audit.Init(cfg.AuditLogPath); err != nil {
			return nil, fmt.Errorf("init audit log: %w", err)
		}
	}

	gate := approval.New(b)
	gate.SetTracer(otelProv.Tracer)
	gate.SetLogger(logger)
	gate.SetHooks(approval.Hooks{
		OnRequested: func() { metrics.ApprovalsRequired.Add(context.Background(), 1) },
		OnTimedOut:  func() { metrics.ApprovalsTimedOut.Add(context.Background(), 1) },
	})

	spawner, err := newSpawner(cfg)
	if err != nil {
		return nil, fmt.Errorf("init sandbox spawner: %w", err)
	}

	sessCfg := agentsession.Config{
		Command:           cfg.AgentCommand,
		BaseArgs:          cfg.AgentArgs,
		Env:               cfg.AgentEnv,
		HistoryMaxTurns:   cfg.HistoryMaxTurns,
		HistoryMaxTokens:  cfg.HistoryMaxTokens,
		TokenWarningRatio: cfg.TokenWarningRatio,
	}
	factory := func(repoKey, workingDir string) sessionpool.AgentSession {
		return agentsession.New("claude", workingDir, spawner, g, gate, b, otelProv.Tracer, sessCfg)
	}
	sessionCap := cfg.MaxConcurrentSessions
	if sessionCap <= 0 {
		sessionCap = cfg.MaxConcurrentRepos
	}
	pool := sessionpool.New(sessionCap, cfg.WorkingDirectory, cfg.GithubOrg, factory)
	pool.SetTracer(otelProv.Tracer)
	pool.SetLogger(logger)

	queue := taskqueue.New(taskqueue.Limits{
		MaxQueueSize:       cfg.MaxQueueSize,
		MaxTasksPerUser:    cfg.MaxTasksPerUser,
		MaxConcurrentRepos: cfg.MaxConcurrentRepos,
	}, b)
	queue.SetTracer(otelProv.Tracer)
	queue.SetLogger(logger)
	queue.SetProcessor(func(ctx context.Context, task *taskqueue.QueuedTask) error {
		repoAttr := metric.WithAttributes(conductorotel.AttrRepoKey.String(task.RepoKey))
		start := time.Now()
		ps, err := pool.GetOrCreateSession(task.RepoKey)
		if err == nil {
			if ps.RepoKey != task.RepoKey {
				b.PublishUpdate(bus.Update{
					Type: bus.TypeStatusUpdate, UserID: task.UserID, TaskID: task.ID, RepoKey: task.RepoKey,
					Message: "session pool at capacity; running in the shared default workspace",
				})
			}
			err = ps.Session.ProcessInstruction(ctx, task.InstructionText, task.UserID, task.ID, task.RepoKey)
		}
		metrics.TaskDuration.Record(ctx, time.Since(start).Seconds(), repoAttr)
		status, tracked := queue.TaskStatus(task.ID)
		switch {
		case !tracked || status == taskqueue.StatusCancelled:
			metrics.TasksCancelled.Add(ctx, 1, repoAttr)
		case err != nil:
			metrics.TasksFailed.Add(ctx, 1, repoAttr)
		default:
			metrics.TasksCompleted.Add(ctx, 1, repoAttr)
		}
		return err
	})

	if err := conductorotel.RegisterQueueGauges(otelProv.Meter, func() conductorotel.QueueObservation {
		snap := queue.Status()
		return conductorotel.QueueObservation{
			QueueDepth:       int64(snap.TotalQueued),
			ActiveRepos:      int64(snap.ActiveRepos),
			BusDroppedEvents: b.DroppedEventCount(),
		}
	}); err != nil {
		return nil, fmt.Errorf("register queue gauges: %w", err)
	}

	server := controlplane.New(controlplane.Config{
		Secret:       cfg.Secret,
		AllowOrigins: cfg.AllowOrigins,
		Guard:        g,
		Queue:        queue,
		Pool:         pool,
		Gate:         gate,
		Bus:          b,
		Validator:    validator,
		Tracer:       otelProv.Tracer,
		Logger:       logger,
	})

	var watcher *policywatch.Watcher
	if cfg.PolicyFile != "" {
		watcher = policywatch.New(cfg.PolicyFile, g, logger)
	}

	return &Orchestrator{
		cfg:       cfg,
		bus:       b,
		guard:     g,
		queue:     queue,
		pool:      pool,
		gate:      gate,
		validator: validator,
		watcher:   watcher,
		otelProv:  otelProv,
		metrics:   metrics,
		server:    server,
		logger:    logger,
		feed:      dashboard.NewRecentFeed(),
		startedAt: time.Now(),
	}, nil
}

func newSpawner(cfg Config) (sandbox.Spawner, error) {
	switch cfg.SandboxKind {
	case "docker":
		return sandbox.NewDockerSpawner(cfg.SandboxImage, cfg.SandboxMemMB, cfg.SandboxNetwork)
	case "", "host":
		return sandbox.NewHostSpawner(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox kind %q", cfg.SandboxKind)
	}
}

// Handler returns the control plane's routed http.Handler for cmd/conductor
// to mount on an http.Server.
func (o *Orchestrator) Handler() http.Handler {
	return o.server.Handler()
}

// Start launches the background goroutines that don't belong to the HTTP
// server itself: the policy hot-reload watcher and the dashboard's recent-
// activity feed listener. It does not block.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.watcher != nil {
		if err := o.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start policy watcher: %w", err)
		}
	}
	go o.feed.ListenAndRecord(ctx, o.bus)
	return nil
}

// Snapshot reports the current state for the dashboard's tick refresh.
func (o *Orchestrator) Snapshot() dashboard.Snapshot {
	qs := o.queue.Status()
	repoQueues := make([]dashboard.RepoQueueStatus, 0, len(qs.RepoQueues))
	for _, rq := range qs.RepoQueues {
		repoQueues = append(repoQueues, dashboard.RepoQueueStatus{
			RepoKey: rq.RepoKey, Queued: rq.Queued, Processing: rq.Processing,
		})
	}
	return dashboard.Snapshot{
		ActiveRepos:      qs.ActiveRepos,
		RepoQueues:       repoQueues,
		PendingApprovals: o.gate.PendingCount(),
		Uptime:           time.Since(o.startedAt),
	}
}

// RecentFeed exposes the dashboard's recent-activity feed for Run to pass to
// dashboard.Run.
func (o *Orchestrator) RecentFeed() *dashboard.RecentFeed {
	return o.feed
}

// Shutdown releases resources that outlive a single request: the audit log
// file and the OTel provider's exporters.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	auditErr := audit.Close()
	otelErr := o.otelProv.Shutdown(ctx)
	if auditErr != nil {
		return auditErr
	}
	return otelErr
}
