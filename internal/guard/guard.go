// Package guard implements the Permission Guard: a pure pattern-matcher that
// blocks destructive commands outright and flags others for advisory warning.
// No approval can override a block; a warning only annotates the result.
package guard

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// Severity tags a blocked command's risk level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
)

// Pattern is one compiled entry in a pattern bank.
type Pattern struct {
	Name     string
	Regex    *regexp.Regexp
	Reason   string
	Severity Severity // only meaningful for hard-block patterns
}

// Result is the outcome of checking a single command string.
type Result struct {
	Allowed       bool
	BlockedReason string
	Severity      Severity
	Warning       string
}

// bank pairs the two pattern slices so a reload swaps both atomically as a
// single unit, never exposing a half-updated pair to a concurrent Check.
type bank struct {
	blocked  []Pattern
	warnings []Pattern
}

// Guard holds the two closed pattern banks: hard-block and warning. The
// active bank is held behind an atomic.Pointer so Swap (policy hot-reload)
// is safe to call concurrently with Check/CheckMultiple from any number of
// Agent Sessions without an external lock.
type Guard struct {
	active atomic.Pointer[bank]
}

// New returns a Guard seeded with the compiled-in default pattern banks.
func New() *Guard {
	g := &Guard{}
	g.active.Store(&bank{blocked: defaultBlockedPatterns(), warnings: defaultWarningPatterns()})
	return g
}

// NewWithPatterns returns a Guard using exactly the given pattern banks,
// bypassing the compiled-in defaults. Used by the hot-reload path once a
// policy file has been loaded.
func NewWithPatterns(blocked, warnings []Pattern) *Guard {
	g := &Guard{}
	g.active.Store(&bank{blocked: blocked, warnings: warnings})
	return g
}

// Swap atomically replaces both pattern banks. Safe to call concurrently
// with Check/CheckMultiple from any goroutine; a reader always sees either
// the old or the new bank in full, never a mix.
func (g *Guard) Swap(blocked, warnings []Pattern) {
	g.active.Store(&bank{blocked: blocked, warnings: warnings})
}

// Check is the pure decision function: same command in, same Result out. It
// splits on shell chain operators first so a blocked command cannot hide
// behind a benign one (e.g. "echo hi && rm -rf ~").
func (g *Guard) Check(command string) Result {
	return g.checkSegments(command)
}

// matchPatterns runs the two pattern banks against a single, already-split
// command segment.
func (g *Guard) matchPatterns(segment string) Result {
	b := g.active.Load()
	for _, p := range b.blocked {
		if p.Regex.MatchString(segment) {
			return Result{
				Allowed:       false,
				BlockedReason: p.Reason,
				Severity:      p.Severity,
			}
		}
	}
	for _, p := range b.warnings {
		if p.Regex.MatchString(segment) {
			return Result{Allowed: true, Warning: p.Reason}
		}
	}
	return Result{Allowed: true}
}

// CheckMultiple splits text on newlines, skips comment lines (leading '#'
// after trimming), and checks each remaining line. It returns the first
// blocking result found, or the first warning if none block, or an allowed
// empty Result if the text is clean.
func CheckMultiple(g *Guard, text string) Result {
	var firstWarning *Result
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		r := g.Check(trimmed)
		if !r.Allowed {
			return r
		}
		if r.Warning != "" && firstWarning == nil {
			firstWarning = &r
		}
	}
	if firstWarning != nil {
		return *firstWarning
	}
	return Result{Allowed: true}
}

func defaultBlockedPatterns() []Pattern {
	mk := func(name, expr, reason string, sev Severity) Pattern {
		return Pattern{Name: name, Regex: regexp.MustCompile(expr), Reason: reason, Severity: sev}
	}
	return []Pattern{
		mk("force-push", `(?i)\bgit\s+push\b.*(--force\b|-f\b|--force-with-lease\b)`,
			"force push rewrites remote history", SeverityCritical),
		mk("hard-reset", `(?i)\bgit\s+reset\s+--hard\b`,
			"hard reset discards uncommitted work", SeverityHigh),
		mk("rm-rf-root", `(?i)\brm\s+-[a-z]*r[a-z]*f[a-z]*\s+/(\s|$)`,
			"recursive force-remove of the filesystem root", SeverityCritical),
		mk("rm-rf-home", `(?i)\brm\s+-[a-z]*r[a-z]*f[a-z]*\s+~(\s|$|/)`,
			"recursive force-remove of the home directory", SeverityCritical),
		mk("sudo-rm", `(?i)\bsudo\s+rm\b`,
			"privileged remove", SeverityCritical),
		mk("gh-repo-delete", `(?i)\bgh\s+repo\s+delete\b`,
			"deletes a GitHub repository", SeverityCritical),
		mk("npm-unpublish", `(?i)\bnpm\s+unpublish\b`,
			"unpublishes a released package version", SeverityHigh),
		mk("remote-branch-delete", `(?i)\bgit\s+push\b.*--delete\b|\bgit\s+push\b\s+\S+\s+:\S+`,
			"deletes a remote branch", SeverityHigh),
		mk("mkfs", `(?i)\bmkfs(\.\w+)?\b`,
			"formats a filesystem", SeverityCritical),
		mk("dd-to-device", `(?i)\bdd\s+.*of=/dev/`,
			"writes raw bytes to a block device", SeverityCritical),
		mk("shutdown-host", `(?i)\b(shutdown|reboot|halt|poweroff)\b`,
			"shuts down or reboots the host", SeverityHigh),
		mk("chmod-777-root", `(?i)\bchmod\s+-R\s+777\s+/(\s|$)`,
			"world-writable permission change on the filesystem root", SeverityCritical),
	}
}

func defaultWarningPatterns() []Pattern {
	mk := func(name, expr, reason string) Pattern {
		return Pattern{Name: name, Regex: regexp.MustCompile(expr), Reason: reason}
	}
	return []Pattern{
		mk("push-main", `(?i)\bgit\s+push\b.*\b(origin\s+)?(main|master)\b`,
			"pushes directly to the main/master branch"),
		mk("npm-publish", `(?i)\bnpm\s+publish\b`,
			"publishes a package to the registry"),
	}
}

// String renders a Result the way an audit log or Error update would cite it.
func (r Result) String() string {
	if !r.Allowed {
		return fmt.Sprintf("blocked (%s): %s", r.Severity, r.BlockedReason)
	}
	if r.Warning != "" {
		return fmt.Sprintf("allowed, warning: %s", r.Warning)
	}
	return "allowed"
}
