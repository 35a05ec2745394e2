package guard

import "strings"

// chainOperators are shell control operators that let one command string
// smuggle a second command past a naive single-regex check.
var chainOperators = []string{"&&", "||", "|", ";"}

// splitCommandSegments breaks a command string on chain operators and strips
// command-substitution wrappers, so each constituent command is checked on
// its own rather than only the string as a whole.
func splitCommandSegments(cmd string) []string {
	segments := []string{cmd}
	for _, op := range chainOperators {
		var next []string
		for _, seg := range segments {
			for _, part := range strings.Split(seg, op) {
				next = append(next, part)
			}
		}
		segments = next
	}

	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		trimmed = strings.TrimPrefix(trimmed, "$(")
		trimmed = strings.TrimSuffix(trimmed, ")")
		trimmed = strings.Trim(trimmed, "`")
		trimmed = strings.TrimSpace(trimmed)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// checkSegments runs matchPatterns across every chained sub-command,
// returning the first blocking result, else the first warning, else allowed.
func (g *Guard) checkSegments(command string) Result {
	var firstWarning *Result
	for _, seg := range splitCommandSegments(command) {
		r := g.matchPatterns(seg)
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
