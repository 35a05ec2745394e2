// Package repodetect extracts a normalized repository key from free-form
// instruction text. It is a pure function with no state: detection never
// blocks, and a pattern miss simply falls through to the default repo.
package repodetect

import (
	"regexp"
	"strings"
)

// DefaultRepoKey is the sentinel repo key used when no pattern matches.
const DefaultRepoKey = "__default__"

// Confidence reflects how specific the matched pattern was.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Detection is the result of scanning instruction text for a target repo.
type Detection struct {
	RepoKey    string
	Org        string
	Repo       string
	IsNewRepo  bool
	Confidence Confidence
}

type rule struct {
	name       string
	pattern    *regexp.Regexp
	confidence Confidence
	newRepo    bool
}

// orderedRules is checked top-to-bottom; the first match wins. Most specific
// patterns come first so "create a new repo called X" is never mistaken for
// an ordinary repo reference.
var orderedRules = []rule{
	{
		name:       "create-new-repo",
		pattern:    regexp.MustCompile(`(?i)create\s+a?\s*new\s+repo(?:sitory)?\s+(?:called|named)\s+([a-z0-9_.\-]+(?:/[a-z0-9_.\-]+)?)`),
		confidence: ConfidenceHigh,
		newRepo:    true,
	},
	{
		name:       "github-url",
		pattern:    regexp.MustCompile(`(?i)github\.com/([a-z0-9_.\-]+)/([a-z0-9_.\-]+?)(?:\.git)?(?:[/\s]|$)`),
		confidence: ConfidenceHigh,
	},
	{
		name:       "org-repo-with-preposition",
		pattern:    regexp.MustCompile(`(?i)\b(?:in|on|for|to)\s+([a-z0-9_.\-]+)/([a-z0-9_.\-]+)\b`),
		confidence: ConfidenceHigh,
	},
	{
		name:       "go-to-org-repo",
		pattern:    regexp.MustCompile(`(?i)go\s+to\s+org\s+([a-z0-9_.\-]+)\s*,?\s*repo\s+([a-z0-9_.\-]+)`),
		confidence: ConfidenceHigh,
	},
	{
		name:       "switch-to-repo",
		pattern:    regexp.MustCompile(`(?i)switch\s+to\s+repo\s+([a-z0-9_.\-]+)`),
		confidence: ConfidenceMedium,
	},
	{
		name:       "the-x-repo",
		pattern:    regexp.MustCompile(`(?i)\bthe\s+([a-z0-9_.\-]+)\s+repo\b`),
		confidence: ConfidenceMedium,
	},
	{
		name:       "git-clone-command",
		pattern:    regexp.MustCompile(`(?i)(?:git\s+clone|gh\s+repo\s+clone)\s+([a-z0-9_.\-]+)/([a-z0-9_.\-]+)`),
		confidence: ConfidenceHigh,
	},
	{
		name:       "same-repo",
		pattern:    regexp.MustCompile(`(?i)\bsame\s+repo\b`),
		confidence: ConfidenceMedium,
	},
	{
		// Lowest-priority fallback: a bare "org/repo" token with no
		// surrounding preposition or keyword. Keeps detection idempotent —
		// re-running Detect on a previously emitted RepoKey reproduces it.
		name:       "bare-org-repo",
		pattern:    regexp.MustCompile(`\b([a-z0-9_.\-]+)/([a-z0-9_.\-]+)\b`),
		confidence: ConfidenceMedium,
	},
}

// Detect scans instructionText against the ordered pattern list and returns
// the first match. A miss returns the default key with low confidence.
func Detect(instructionText string) Detection {
	normalized := normalize(instructionText)
	if normalized == "" {
		return Detection{RepoKey: DefaultRepoKey, Confidence: ConfidenceLow}
	}

	for _, r := range orderedRules {
		m := r.pattern.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		if r.name == "same-repo" {
			return Detection{RepoKey: DefaultRepoKey, Confidence: r.confidence}
		}

		switch len(m) {
		case 2:
			repo := normalize(m[1])
			return Detection{
				RepoKey:    repo,
				Repo:       repo,
				IsNewRepo:  r.newRepo,
				Confidence: r.confidence,
			}
		case 3:
			org, repo := normalize(m[1]), normalize(m[2])
			return Detection{
				RepoKey:    org + "/" + repo,
				Org:        org,
				Repo:       repo,
				IsNewRepo:  r.newRepo,
				Confidence: r.confidence,
			}
		}
	}

	return Detection{RepoKey: DefaultRepoKey, Confidence: ConfidenceLow}
}

// normalize lowercases and trims a candidate string, dropping a trailing
// slash so "org/repo/" and "org/repo" compare equal.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSuffix(s, "/")
}
