package guard

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk YAML shape for a pattern bank override. Absent
// fields fall back to the compiled-in defaults for that bank only.
type policyFile struct {
	Blocked  []policyPattern `yaml:"blocked"`
	Warnings []policyPattern `yaml:"warnings"`
}

type policyPattern struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Reason   string `yaml:"reason"`
	Severity string `yaml:"severity"` // blocked entries only; "critical" or "high"
}

// LoadPatternFile compiles a policy YAML file into blocked/warning pattern
// banks. A missing file is not an error: callers should fall back to
// defaultBlockedPatterns/defaultWarningPatterns instead of calling this at
// all when POLICY_FILE is unset.
func LoadPatternFile(path string) (blocked, warnings []Pattern, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, nil, fmt.Errorf("parse policy file: %w", err)
	}

	blocked, err = compilePatterns(pf.Blocked, true)
	if err != nil {
		return nil, nil, fmt.Errorf("compile blocked patterns: %w", err)
	}
	warnings, err = compilePatterns(pf.Warnings, false)
	if err != nil {
		return nil, nil, fmt.Errorf("compile warning patterns: %w", err)
	}

	if len(blocked) == 0 {
		blocked = defaultBlockedPatterns()
	}
	if len(warnings) == 0 {
		warnings = defaultWarningPatterns()
	}
	return blocked, warnings, nil
}

func compilePatterns(entries []policyPattern, needsSeverity bool) ([]Pattern, error) {
	out := make([]Pattern, 0, len(entries))
	for _, e := range entries {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", e.Name, err)
		}
		sev := Severity(e.Severity)
		if needsSeverity && sev == "" {
			sev = SeverityHigh
		}
		out = append(out, Pattern{
			Name:     e.Name,
			Regex:    re,
			Reason:   e.Reason,
			Severity: sev,
		})
	}
	return out, nil
}
