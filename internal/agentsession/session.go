// Package agentsession owns one agent-CLI subprocess per (repo, agent-kind):
// it builds prompts, spawns the child, parses its line-delimited JSON
// stream, emits Update Bus events, and handles cancellation.
package agentsession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel/trace"

	"github.com/fieldstation/conductor/internal/approval"
	"github.com/fieldstation/conductor/internal/audit"
	"github.com/fieldstation/conductor/internal/bus"
	"github.com/fieldstation/conductor/internal/guard"
	conductorotel "github.com/fieldstation/conductor/internal/otel"
	"github.com/fieldstation/conductor/internal/sandbox"
)

// Config carries the fixed, per-process settings a Session needs to spawn
// its agent CLI.
type Config struct {
	Command          string
	BaseArgs         []string
	Env              []string
	HistoryMaxTurns  int
	HistoryMaxTokens int

	// TokenWarningRatio, if > 0, emits a StatusUpdate once a user's history
	// crosses this fraction of HistoryMaxTokens, ahead of the hard trim.
	TokenWarningRatio float64
}

// Session is one agent-CLI subprocess owner, bound to a repo's working
// directory (the default session may straddle more than one repoKey under
// pool-capacity fallback; see trackedRepoKey).
type Session struct {
	mu sync.Mutex

	agentKind  string
	workingDir string
	cfg        Config

	spawner sandbox.Spawner
	guard   *guard.Guard
	gate    *approval.Gate
	b       *bus.Bus
	tracer  otelapi.Tracer

	histories map[string]*History

	proc          sandbox.Proc
	isProcessing  bool
	currentTaskID string
	currentUserID string

	// currentInputID is the id of the single outstanding "input needed"
	// request for the in-flight task, if any (at most one per task).
	currentInputID string

	trackedRepoKey string

	// cancelRequested distinguishes a user-initiated cancel from an agent
	// crash once the child exits.
	cancelRequested bool

	// pendingInput stashes a deferred reply for submitInputResponse when no
	// child is alive to receive it live.
	pendingInputText string
}

// New constructs a Session bound to workingDir for a single agent kind.
func New(agentKind, workingDir string, spawner sandbox.Spawner, g *guard.Guard, gate *approval.Gate, b *bus.Bus, tracer otelapi.Tracer, cfg Config) *Session {
	return &Session{
		agentKind:  agentKind,
		workingDir: workingDir,
		cfg:        cfg,
		spawner:    spawner,
		guard:      g,
		gate:       gate,
		b:          b,
		tracer:     tracer,
		histories:  make(map[string]*History),
	}
}

// IsProcessing reports whether a task is currently in flight.
func (s *Session) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isProcessing
}

func (s *Session) historyFor(userID string) *History {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[userID]
	if !ok {
		h = NewHistory(s.cfg.HistoryMaxTurns, s.cfg.HistoryMaxTokens)
		s.histories[userID] = h
	}
	return h
}

// ClearUserHistory drops a user's conversation.
func (s *Session) ClearUserHistory(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histories[userID]; ok {
		h.Clear()
	}
}

// ProcessInstruction runs one instruction to completion: spawns the agent,
// streams its NDJSON output, emits Update Bus events, and appends to the
// user's conversation history. It returns once the task has reached a
// terminal state (completed, failed, or cancelled).
func (s *Session) ProcessInstruction(ctx context.Context, instructionText, userID, taskID, repoKey string) error {
	s.mu.Lock()
	if s.isProcessing {
		s.mu.Unlock()
		s.emit(bus.Update{Type: bus.TypeError, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Message: "session already processing another task"})
		return fmt.Errorf("session busy")
	}
	s.isProcessing = true
	s.currentTaskID = taskID
	s.currentUserID = userID
	s.mu.Unlock()

	ctx, span := conductorotel.StartSpan(ctx, s.tracer, "agent_session.process",
		conductorotel.AttrRepoKey.String(repoKey),
		conductorotel.AttrTaskID.String(taskID),
		conductorotel.AttrUserID.String(userID),
	)
	defer span.End()

	defer func() {
		s.mu.Lock()
		s.isProcessing = false
		s.currentTaskID = ""
		s.currentUserID = ""
		s.currentInputID = ""
		s.cancelRequested = false
		s.proc = nil
		s.mu.Unlock()
	}()

	history := s.historyFor(userID)

	taskTitle := summarizeFirstSentence(instructionText)
	prompt := s.buildContextPrompt(repoKey) + instructionText
	history.Append("user", instructionText)

	s.emit(bus.Update{Type: bus.TypeStatusUpdate, UserID: userID, TaskID: taskID, TaskTitle: taskTitle,
		RepoKey: repoKey, Agent: s.agentKind, Message: "starting: " + taskTitle})

	args := append(append([]string{}, s.cfg.BaseArgs...), prompt)
	spawnCtx, spawnSpan := conductorotel.StartSpan(ctx, s.tracer, "agent_session.spawn")
	proc, err := s.spawner.Spawn(spawnCtx, s.cfg.Command, args, s.workingDir, s.cfg.Env)
	spawnSpan.End()
	if err != nil {
		s.emit(bus.Update{Type: bus.TypeError, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Message: "failed to start agent: " + err.Error()})
		return err
	}

	s.mu.Lock()
	s.proc = proc
	pendingPrefix := s.pendingInputText
	s.pendingInputText = ""
	s.mu.Unlock()
	if pendingPrefix != "" {
		fmt.Fprintln(proc.Stdin(), pendingPrefix)
	}

	streamCtx, streamSpan := conductorotel.StartSpan(ctx, s.tracer, "agent_session.stream")
	responseBuf, cancelled, streamErr := s.consumeStream(streamCtx, proc, userID, taskID, repoKey)
	streamSpan.End()

	exitCode, waitErr := proc.Wait()

	s.mu.Lock()
	cancelled = cancelled || s.cancelRequested
	s.mu.Unlock()

	if cancelled {
		s.emit(bus.Update{Type: bus.TypeError, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Message: "task cancelled"})
		return nil
	}

	if waitErr != nil {
		s.emit(bus.Update{Type: bus.TypeError, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Message: "agent process error: " + waitErr.Error()})
		return waitErr
	}
	if exitCode != 0 {
		s.emit(bus.Update{Type: bus.TypeError, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Message: fmt.Sprintf("agent exited with code %d", exitCode)})
		return fmt.Errorf("agent exited with code %d", exitCode)
	}
	// streamErr is never fatal on its own; the response buffer already has
	// the raw lines appended as plain text.
	_ = streamErr

	scanCtx, scanSpan := conductorotel.StartSpan(ctx, s.tracer, "agent_session.approval_scan")
	s.scanForUndeclaredApprovals(scanCtx, responseBuf.String(), userID, taskID, repoKey)
	scanSpan.End()

	history.Append("assistant", responseBuf.String())

	if history.NearTokenLimit(s.cfg.TokenWarningRatio) {
		s.emit(bus.Update{Type: bus.TypeStatusUpdate, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Agent: s.agentKind, Message: "conversation history is approaching its token limit; older turns will be dropped soon"})
	}

	s.emit(bus.Update{Type: bus.TypeTaskComplete, UserID: userID, TaskID: taskID, RepoKey: repoKey,
		Agent: s.agentKind, Message: summarizeResponse(responseBuf.String())})

	return nil
}

// consumeStream reads NDJSON lines from proc's stdout, dispatching each
// parsed record and accumulating the full response text. It returns as soon
// as stdout closes or ctx is cancelled.
func (s *Session) consumeStream(ctx context.Context, proc sandbox.Proc, userID, taskID, repoKey string) (*strings.Builder, bool, error) {
	var buf strings.Builder
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	var streamErr error
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					streamErr = err
				}
				return &buf, false, streamErr
			}
			s.dispatchLine(line, &buf, userID, taskID, repoKey)
		case <-ctx.Done():
			proc.Signal()
			go func() {
				for range lines {
				}
			}()
			return &buf, true, nil
		}
	}
}

type streamRecord struct {
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	Result         string          `json:"result"`
	Tool           string          `json:"tool"`
	ToolInput      json.RawMessage `json:"tool_input"`
	Prompt         string          `json:"prompt"`
	ExpectedFormat string          `json:"expected_format"`
}

// dispatchLine parses one NDJSON line and acts on it per the stream
// protocol. Unparseable lines are treated as plain text and appended.
func (s *Session) dispatchLine(line string, buf *strings.Builder, userID, taskID, repoKey string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var rec streamRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		buf.WriteString(trimmed)
		buf.WriteString("\n")
		return
	}

	switch rec.Type {
	case "assistant", "text":
		buf.WriteString(rec.Content)
		buf.WriteString("\n")
		if len(rec.Content) > 200 {
			s.emit(bus.Update{Type: bus.TypeStatusUpdate, UserID: userID, TaskID: taskID, RepoKey: repoKey,
				Agent: s.agentKind, Message: truncate(rec.Content, 200)})
		}
	case "tool_use":
		result := s.guard.Check(string(rec.ToolInput))
		if !result.Allowed {
			audit.Record("deny", "permission_guard.tool_use", result.BlockedReason, "", string(rec.ToolInput))
			s.emit(bus.Update{Type: bus.TypeError, UserID: userID, TaskID: taskID, RepoKey: repoKey,
				Agent: s.agentKind, Message: "blocked tool use: " + result.BlockedReason})
			return
		}
		audit.Record("allow", "permission_guard.tool_use", result.Warning, "", string(rec.ToolInput))
		s.emit(bus.Update{Type: bus.TypeStatusUpdate, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Agent: s.agentKind, Message: "executing: " + rec.Tool})
	case "input_needed":
		inputID := uuid.NewString()
		s.mu.Lock()
		s.currentInputID = inputID
		s.mu.Unlock()
		s.emit(bus.Update{Type: bus.TypeInputNeeded, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Agent: s.agentKind, InputID: inputID, ExpectedInputFormat: rec.ExpectedFormat,
			Message: rec.Prompt})
	case "result":
		buf.WriteString(rec.Result)
		buf.WriteString("\n")
	default:
		buf.WriteString(trimmed)
		buf.WriteString("\n")
	}
}

// scanForUndeclaredApprovals runs the approval detector over the full
// response text and, for each candidate, synchronously queries the
// Approval Gate before continuing.
func (s *Session) scanForUndeclaredApprovals(ctx context.Context, responseText, userID, taskID, repoKey string) {
	for _, d := range detectApprovalCandidates(s.guard, responseText) {
		approved, err := s.gate.RequestApproval(ctx, userID, d.Reason, repoKey, d.Command, taskID)
		if err != nil {
			continue
		}
		status := "denied"
		if approved {
			status = "approved"
		}
		s.emit(bus.Update{Type: bus.TypeStatusUpdate, UserID: userID, TaskID: taskID, RepoKey: repoKey,
			Message: fmt.Sprintf("approval %s for: %s", status, d.Command)})
	}
}

// SubmitInputResponse delivers an out-of-band reply matching a prior
// "input needed" request. It returns false if inputID does not match the
// single outstanding request for this session's in-flight task. If a child
// is alive, the text is written to its stdin immediately; otherwise it is
// stashed and prefixed onto the next ProcessInstruction call's prompt (see
// DESIGN.md's Open Question decision).
func (s *Session) SubmitInputResponse(inputID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentInputID == "" || s.currentInputID != inputID {
		return false
	}
	s.currentInputID = ""
	if s.proc != nil {
		if w := s.proc.Stdin(); w != nil {
			fmt.Fprintln(w, text)
			return true
		}
	}
	s.pendingInputText = text
	return true
}

// CancelCurrentTask signals the child process (if any) and releases the
// processing flag.
func (s *Session) CancelCurrentTask() {
	s.mu.Lock()
	proc := s.proc
	if s.isProcessing {
		s.cancelRequested = true
	}
	s.mu.Unlock()
	if proc != nil {
		proc.Signal()
	}
}

func (s *Session) emit(u bus.Update) {
	if s.b != nil {
		s.b.PublishUpdate(u)
	}
}

// buildContextPrompt prepends tracked-repo context and notes a context
// switch when the session (typically the default, pool-fallback session)
// is being reused for a different repo than last time.
func (s *Session) buildContextPrompt(repoKey string) string {
	s.mu.Lock()
	prior := s.trackedRepoKey
	s.trackedRepoKey = repoKey
	s.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("Working repo: ")
	sb.WriteString(repoKey)
	sb.WriteString("\n")
	if prior != "" && prior != repoKey {
		sb.WriteString(fmt.Sprintf("Note: this session previously worked on %s; now switching context to %s.\n", prior, repoKey))
	}
	sb.WriteString("---\n")
	return sb.String()
}

func summarizeFirstSentence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 && idx < 100 {
		return text[:idx+1]
	}
	return truncate(text, 100)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var successKeywords = []string{"done", "success", "completed", "fixed", "passed"}

// summarizeResponse picks up to 3 lines containing success keywords, or
// falls back to the last 3 non-empty lines.
func summarizeResponse(full string) string {
	var lines []string
	for _, l := range strings.Split(full, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return "task complete"
	}

	var hits []string
	for _, l := range lines {
		lower := strings.ToLower(l)
		for _, kw := range successKeywords {
			if strings.Contains(lower, kw) {
				hits = append(hits, strings.TrimSpace(l))
				break
			}
		}
		if len(hits) == 3 {
			break
		}
	}
	if len(hits) > 0 {
		return strings.Join(hits, " / ")
	}

	start := len(lines) - 3
	if start < 0 {
		start = 0
	}
	return strings.Join(lines[start:], " / ")
}
