package agentsession

import (
	"strings"

	"github.com/fieldstation/conductor/internal/guard"
)

// ApprovalDetection is one destructive command the agent claimed to run in
// its free-text response, found by scanning after the fact.
type ApprovalDetection struct {
	Command string
	Reason  string
}

// detectApprovalCandidates scans free text for lines resembling shell
// commands and checks each against the guard's pattern banks. This is
// advisory, not authoritative: it seeds Approval Gate prompts for things the
// agent declared but never actually piped through the tool channel: the
// Guard itself still blocks real tool_use payloads outright.
func detectApprovalCandidates(g *guard.Guard, responseText string) []ApprovalDetection {
	var found []ApprovalDetection
	for _, line := range strings.Split(responseText, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		candidate := stripMarkdownCodeFence(trimmed)
		if candidate == "" {
			continue
		}
		r := g.Check(candidate)
		switch {
		case !r.Allowed:
			found = append(found, ApprovalDetection{Command: candidate, Reason: r.BlockedReason})
		case r.Warning != "":
			found = append(found, ApprovalDetection{Command: candidate, Reason: r.Warning})
		}
	}
	return found
}

// stripMarkdownCodeFence trims common prose/markdown wrapping so a line like
// "  $ rm -rf ~" or "```rm -rf ~```" still matches as a bare command.
func stripMarkdownCodeFence(line string) string {
	line = strings.TrimPrefix(line, "```")
	line = strings.TrimSuffix(line, "```")
	line = strings.TrimPrefix(line, "$ ")
	line = strings.TrimPrefix(line, "> ")
	line = strings.TrimPrefix(line, "- ")
	return strings.TrimSpace(line)
}
