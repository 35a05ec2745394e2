// Package taskqueue implements the sharded-by-repo FIFO task queue: at most
// one task per repo is ever in flight, while different repos proceed fully
// in parallel, bounded globally and per-user.
package taskqueue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldstation/conductor/internal/bus"
	conductorotel "github.com/fieldstation/conductor/internal/otel"
)

// Status is a QueuedTask's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// QueuedTask is one unit of work tracked by the queue.
type QueuedTask struct {
	ID              string
	UserID          string
	InstructionText string
	RepoKey         string
	ArrivalTime     time.Time
	StartedAt       time.Time
	Status          Status
	Position        int
}

// Processor runs one task to completion; the queue treats a returned error
// as a task failure.
type Processor func(ctx context.Context, task *QueuedTask) error

// Limits bounds the queue's behavior.
type Limits struct {
	MaxQueueSize       int
	MaxTasksPerUser    int
	MaxConcurrentRepos int
}

// Queue is the sharded FIFO: one ordered list of QueuedTask per repo, plus
// the set of repos currently processing.
type Queue struct {
	mu sync.Mutex

	queues          map[string][]*QueuedTask
	processingRepos map[string]bool

	limits    Limits
	processor Processor
	b         *bus.Bus
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New constructs a Queue with the given limits. SetProcessor must be called
// before Enqueue is used.
func New(limits Limits, b *bus.Bus) *Queue {
	return &Queue{
		queues:          make(map[string][]*QueuedTask),
		processingRepos: make(map[string]bool),
		limits:          limits,
		b:               b,
	}
}

// SetProcessor installs the callback invoked once a task reaches the head
// of its repo's queue. Installed once by the control-plane wiring.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = p
}

// SetTracer enables per-operation tracing spans. Call before the queue is
// shared across goroutines.
func (q *Queue) SetTracer(tr trace.Tracer) {
	q.tracer = tr
}

// SetLogger enables one structured log line per task lifecycle transition.
func (q *Queue) SetLogger(l *slog.Logger) {
	q.logger = l
}

func (q *Queue) log(msg string, task *QueuedTask) {
	if q.logger != nil {
		q.logger.Info(msg, "task_id", task.ID, "repo_key", task.RepoKey, "user_id", task.UserID)
	}
}

// Enqueue appends a new task for repoKey, rejecting it if global or
// per-user bounds are already at capacity. On success it triggers
// tryProcessNext and returns the created task.
func (q *Queue) Enqueue(userID, instructionText, repoKey string) (*QueuedTask, error) {
	if q.tracer != nil {
		_, span := conductorotel.StartSpan(context.Background(), q.tracer, "queue.enqueue",
			conductorotel.AttrUserID.String(userID),
			conductorotel.AttrRepoKey.String(repoKey),
		)
		defer span.End()
	}

	q.mu.Lock()

	totalQueued := q.totalActiveLocked()
	if totalQueued >= q.limits.MaxQueueSize {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	userQueued := 0
	for _, tasks := range q.queues {
		for _, t := range tasks {
			if t.UserID == userID && t.Status == StatusQueued {
				userQueued++
			}
		}
	}
	if userQueued >= q.limits.MaxTasksPerUser {
		q.mu.Unlock()
		return nil, ErrPerUserQuota
	}

	priorQueued := 0
	for _, t := range q.queues[repoKey] {
		if t.Status == StatusQueued {
			priorQueued++
		}
	}
	task := &QueuedTask{
		ID:              uuid.NewString(),
		UserID:          userID,
		InstructionText: instructionText,
		RepoKey:         repoKey,
		ArrivalTime:     time.Now(),
		Status:          StatusQueued,
		Position:        priorQueued + 1,
	}
	q.queues[repoKey] = append(q.queues[repoKey], task)
	hasRunningOrQueued := priorQueued > 0 || q.processingRepos[repoKey]
	activeRepos := len(q.processingRepos)
	q.mu.Unlock()

	q.log("task queued", task)

	if hasRunningOrQueued {
		q.emit(bus.Update{Type: bus.TypeStatusUpdate, UserID: userID, TaskID: task.ID, RepoKey: repoKey,
			Message: q.positionMessage(task.Position)})
	} else {
		q.emit(bus.Update{Type: bus.TypeStatusUpdate, UserID: userID, TaskID: task.ID, RepoKey: repoKey,
			Message: q.startingMessage(activeRepos)})
	}

	q.tryProcessNext()
	return task, nil
}

func (q *Queue) positionMessage(pos int) string {
	return "queued at position " + strconv.Itoa(pos)
}

func (q *Queue) startingMessage(activeRepos int) string {
	if activeRepos == 0 {
		return "starting"
	}
	return "starting (running in parallel with " + strconv.Itoa(activeRepos) + " other repos)"
}

// totalActiveLocked counts queued+processing tasks across all repos. Caller
// must hold q.mu.
func (q *Queue) totalActiveLocked() int {
	total := 0
	for _, tasks := range q.queues {
		for _, t := range tasks {
			if t.Status == StatusQueued || t.Status == StatusProcessing {
				total++
			}
		}
	}
	return total
}

// tryProcessNext promotes the oldest queued task in each eligible repo to
// processing and fires the processor without waiting for it, so repos
// advance in parallel.
func (q *Queue) tryProcessNext() {
	q.mu.Lock()
	if q.processor == nil {
		q.mu.Unlock()
		return
	}
	if len(q.processingRepos) >= q.limits.MaxConcurrentRepos {
		q.mu.Unlock()
		return
	}

	var toStart []*QueuedTask
	for repoKey := range q.queues {
		if q.processingRepos[repoKey] {
			continue
		}
		if len(q.processingRepos)+len(toStart) >= q.limits.MaxConcurrentRepos {
			break
		}
		for _, t := range q.queues[repoKey] {
			if t.Status == StatusQueued {
				t.Status = StatusProcessing
				t.StartedAt = time.Now()
				q.processingRepos[repoKey] = true
				toStart = append(toStart, t)
				q.reindexRepoLocked(repoKey)
				break
			}
		}
	}
	q.mu.Unlock()

	for _, t := range toStart {
		q.log("task processing", t)
		go q.processTask(t)
	}
}

// processTask wraps the installed Processor, marking the task terminal,
// releasing the repo slot, and scheduling the next promotion.
func (q *Queue) processTask(task *QueuedTask) {
	q.mu.Lock()
	processor := q.processor
	q.mu.Unlock()

	ctx := context.Background()
	if q.tracer != nil {
		var span trace.Span
		ctx, span = conductorotel.StartSpan(ctx, q.tracer, "queue.process_task",
			conductorotel.AttrTaskID.String(task.ID),
			conductorotel.AttrRepoKey.String(task.RepoKey),
		)
		defer span.End()
	}

	err := processor(ctx, task)

	q.mu.Lock()
	if task.Status == StatusProcessing {
		if err != nil {
			task.Status = StatusFailed
		} else {
			task.Status = StatusCompleted
		}
	}
	terminal := task.Status
	delete(q.processingRepos, task.RepoKey)
	q.gcRepoLocked(task.RepoKey)
	remaining := q.queues[task.RepoKey]
	var notices []*QueuedTask
	for _, t := range remaining {
		if t.Status == StatusQueued && t.Position <= 3 {
			notices = append(notices, t)
		}
	}
	q.mu.Unlock()

	q.log("task "+string(terminal), task)

	for _, t := range notices {
		q.emit(bus.Update{Type: bus.TypeStatusUpdate, UserID: t.UserID, TaskID: t.ID, RepoKey: t.RepoKey,
			Message: "position is now " + strconv.Itoa(t.Position)})
	}

	q.tryProcessNext()
}

// gcRepoLocked removes terminal tasks from a repo's queue and deletes the
// map entry entirely once empty. Caller must hold q.mu.
func (q *Queue) gcRepoLocked(repoKey string) {
	var survivors []*QueuedTask
	for _, t := range q.queues[repoKey] {
		if t.Status == StatusQueued || t.Status == StatusProcessing {
			survivors = append(survivors, t)
		}
	}
	if len(survivors) == 0 {
		delete(q.queues, repoKey)
		return
	}
	q.queues[repoKey] = survivors
	q.reindexRepoLocked(repoKey)
}

// reindexRepoLocked recomputes 1-based Position among queued tasks for a
// repo. Caller must hold q.mu.
func (q *Queue) reindexRepoLocked(repoKey string) {
	pos := 1
	for _, t := range q.queues[repoKey] {
		if t.Status == StatusQueued {
			t.Position = pos
			pos++
		}
	}
}

// TaskStatus reports the current status of a tracked task, with ok=false
// once the task has been garbage-collected from its repo queue.
func (q *Queue) TaskStatus(taskID string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tasks := range q.queues {
		for _, t := range tasks {
			if t.ID == taskID {
				return t.Status, true
			}
		}
	}
	return "", false
}

// CancelResult reports what CancelTask did.
type CancelResult struct {
	Cancelled     bool
	WasProcessing bool
	RepoKey       string
}

// CancelTask cancels a task by id on behalf of userID; no-op (returns
// Cancelled=false) if the task belongs to a different user or isn't found.
func (q *Queue) CancelTask(taskID, userID string) CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	for repoKey, tasks := range q.queues {
		for _, t := range tasks {
			if t.ID != taskID {
				continue
			}
			if t.UserID != userID {
				return CancelResult{}
			}
			wasProcessing := t.Status == StatusProcessing
			if t.Status == StatusQueued || t.Status == StatusProcessing {
				t.Status = StatusCancelled
			}
			if wasProcessing {
				delete(q.processingRepos, repoKey)
			}
			q.gcRepoLocked(repoKey)
			q.log("task cancelled", t)
			return CancelResult{Cancelled: true, WasProcessing: wasProcessing, RepoKey: repoKey}
		}
	}
	return CancelResult{}
}

// CancelAllResult reports the bulk-cancel outcome.
type CancelAllResult struct {
	Cancelled       int
	ProcessingRepos []string
}

// CancelAllForUser cancels every task owned by userID, returning the repos
// whose in-flight task was cancelled (the caller must also cancel each
// repo's agent subprocess).
func (q *Queue) CancelAllForUser(userID string) CancelAllResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result CancelAllResult
	touchedRepos := make(map[string]bool)
	for repoKey, tasks := range q.queues {
		for _, t := range tasks {
			if t.UserID != userID {
				continue
			}
			if t.Status != StatusQueued && t.Status != StatusProcessing {
				continue
			}
			wasProcessing := t.Status == StatusProcessing
			t.Status = StatusCancelled
			result.Cancelled++
			if wasProcessing {
				delete(q.processingRepos, repoKey)
				result.ProcessingRepos = append(result.ProcessingRepos, repoKey)
			}
			touchedRepos[repoKey] = true
		}
	}
	for repoKey := range touchedRepos {
		q.gcRepoLocked(repoKey)
	}
	return result
}

// Snapshot mirrors the /status endpoint's parallelQueue shape.
type Snapshot struct {
	TotalQueued        int
	ActiveRepos        int
	MaxConcurrentRepos int
	ProcessingRepos    []string
	RepoQueues         []RepoQueueSnapshot
}

// RepoQueueSnapshot is one repo's entry within Snapshot.
type RepoQueueSnapshot struct {
	RepoKey         string
	Queued          int
	Processing      bool
	CurrentTaskID   string
	CurrentTaskText string
	StartedAt       time.Time
}

// Status returns a point-in-time snapshot for the control plane's /status
// endpoint and the dashboard.
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{MaxConcurrentRepos: q.limits.MaxConcurrentRepos}
	for repoKey, tasks := range q.queues {
		rq := RepoQueueSnapshot{RepoKey: repoKey}
		for _, t := range tasks {
			if t.Status == StatusQueued {
				rq.Queued++
				snap.TotalQueued++
			}
			if t.Status == StatusProcessing {
				rq.Processing = true
				rq.CurrentTaskID = t.ID
				rq.CurrentTaskText = t.InstructionText
				rq.StartedAt = t.StartedAt
				snap.TotalQueued++
			}
		}
		snap.RepoQueues = append(snap.RepoQueues, rq)
	}
	for repoKey := range q.processingRepos {
		snap.ProcessingRepos = append(snap.ProcessingRepos, repoKey)
	}
	snap.ActiveRepos = len(q.processingRepos)
	return snap
}

func (q *Queue) emit(u bus.Update) {
	if q.b != nil {
		q.b.PublishUpdate(u)
	}
}
