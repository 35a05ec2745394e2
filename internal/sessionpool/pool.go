// Package sessionpool maps a repo key to a reusable Agent Session, enforcing
// a concurrency cap via LRU eviction of idle sessions and materializing each
// repo's working directory on first use.
package sessionpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	conductorotel "github.com/fieldstation/conductor/internal/otel"
)

// DefaultRepoKey is the sentinel pool entry that never gets evicted and is
// the fallback target when the pool is full and nothing idle can be evicted.
const DefaultRepoKey = "__default__"

// AgentSession is the subset of agentsession.Session the pool drives. An
// interface here keeps sessionpool decoupled from agent-CLI spawning details
// and lets tests substitute a fake.
type AgentSession interface {
	IsProcessing() bool
	ProcessInstruction(ctx context.Context, instructionText, userID, taskID, repoKey string) error
	CancelCurrentTask()
	ClearUserHistory(userID string)
	SubmitInputResponse(inputID, text string) bool
}

// Factory constructs a new AgentSession bound to workingDir.
type Factory func(repoKey, workingDir string) AgentSession

// PooledSession is one pool entry. A capacity fallback hands the caller the
// default session instead of one for the requested repo, so a caller that
// needs to know which workspace it got compares RepoKey against the key it
// asked for.
type PooledSession struct {
	RepoKey    string
	WorkingDir string
	LastUsed   time.Time
	Session    AgentSession
}

// Pool is the bounded repoKey -> PooledSession map.
type Pool struct {
	mu        sync.Mutex
	sessions  map[string]*PooledSession
	capacity  int
	baseDir   string
	githubOrg string
	factory   Factory
	tracer    trace.Tracer
	logger    *slog.Logger
}

// SetTracer enables per-operation tracing spans. Call before the pool is
// shared across goroutines.
func (p *Pool) SetTracer(tr trace.Tracer) {
	p.tracer = tr
}

// SetLogger enables one structured log line per session lifecycle transition.
func (p *Pool) SetLogger(l *slog.Logger) {
	p.logger = l
}

func (p *Pool) log(msg, repoKey string) {
	if p.logger != nil {
		p.logger.Info(msg, "repo_key", repoKey)
	}
}

// New constructs a Pool with the given capacity and a Factory used to build
// new Agent Sessions on demand. Every session, the default one included, is
// created lazily on first use.
func New(capacity int, baseDir, githubOrg string, factory Factory) *Pool {
	p := &Pool{
		sessions:  make(map[string]*PooledSession),
		capacity:  capacity,
		baseDir:   baseDir,
		githubOrg: githubOrg,
		factory:   factory,
	}
	return p
}

// GetOrCreateSession normalizes repoKey, returns the existing entry if
// present (touching lastUsed), evicts an idle non-default entry if the pool
// is full, or falls back to the default session when eviction is impossible.
func (p *Pool) GetOrCreateSession(repoKey string) (*PooledSession, error) {
	if p.tracer != nil {
		_, span := conductorotel.StartSpan(context.Background(), p.tracer, "session_pool.get_or_create",
			conductorotel.AttrRepoKey.String(repoKey))
		defer span.End()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ps, ok := p.sessions[repoKey]; ok {
		ps.LastUsed = time.Now()
		return ps, nil
	}

	if len(p.sessions) >= p.capacity {
		if victim := p.findEvictionVictim(); victim != "" {
			delete(p.sessions, victim)
			p.log("session evicted", victim)
		} else {
			if def, ok := p.sessions[DefaultRepoKey]; ok {
				def.LastUsed = time.Now()
				p.log("pool at capacity, falling back to default session", repoKey)
				return def, nil
			}
			// No default session exists yet either; fall through and create
			// one, which will itself occupy a pool slot.
		}
	}

	dir, err := setupRepoDirectory(p.baseDir, repoKey, DefaultRepoKey, p.githubOrg)
	if err != nil {
		return nil, err
	}

	ps := &PooledSession{
		RepoKey:    repoKey,
		WorkingDir: dir,
		LastUsed:   time.Now(),
		Session:    p.factory(repoKey, dir),
	}
	p.sessions[repoKey] = ps
	p.log("session created", repoKey)
	return ps, nil
}

// findEvictionVictim returns the repoKey of the oldest idle (non-processing,
// non-default) session, or "" if none qualifies.
func (p *Pool) findEvictionVictim() string {
	var victim string
	var oldest time.Time
	for key, ps := range p.sessions {
		if key == DefaultRepoKey {
			continue
		}
		if ps.Session.IsProcessing() {
			continue
		}
		if victim == "" || ps.LastUsed.Before(oldest) {
			victim = key
			oldest = ps.LastUsed
		}
	}
	return victim
}

// IsRepoProcessing reports the reservation flag for repoKey, false if the
// repo has no pooled session yet.
func (p *Pool) IsRepoProcessing(repoKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.sessions[repoKey]
	if !ok {
		return false
	}
	return ps.Session.IsProcessing()
}

// Lookup returns the pooled session for repoKey without creating one,
// reporting false if no session is currently pooled for it. Used for
// routing an out-of-band input reply, which must land on an already-running
// session rather than spin up a fresh one.
func (p *Pool) Lookup(repoKey string) (*PooledSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.sessions[repoKey]
	return ps, ok
}

// CancelRepoTask delegates cancellation to the contained session.
func (p *Pool) CancelRepoTask(repoKey string) {
	p.mu.Lock()
	ps, ok := p.sessions[repoKey]
	p.mu.Unlock()
	if ok {
		ps.Session.CancelCurrentTask()
	}
}

// CancelAll cancels every pooled session's current task.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	sessions := make([]*PooledSession, 0, len(p.sessions))
	for _, ps := range p.sessions {
		sessions = append(sessions, ps)
	}
	p.mu.Unlock()
	for _, ps := range sessions {
		ps.Session.CancelCurrentTask()
	}
}

// ClearUserHistory fans out across every pooled session.
func (p *Pool) ClearUserHistory(userID string) {
	p.mu.Lock()
	sessions := make([]*PooledSession, 0, len(p.sessions))
	for _, ps := range p.sessions {
		sessions = append(sessions, ps)
	}
	p.mu.Unlock()
	for _, ps := range sessions {
		ps.Session.ClearUserHistory(userID)
	}
}

// Size returns the current number of pooled sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
