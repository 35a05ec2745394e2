package sessionpool

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// setupRepoDirectory materializes the working directory for repoKey under
// baseDir: the default key reuses baseDir itself, everything else gets its
// own subdirectory ("org/repo" -> "org_repo"). If the directory already
// holds a git checkout, setup is a no-op (idempotent re-entry after
// eviction and re-creation). Otherwise it probes for the GitHub repo and
// clones on success, else runs a bare `git init`.
func setupRepoDirectory(baseDir, repoKey, defaultRepoKey, githubOrg string) (string, error) {
	dir := baseDir
	if repoKey != defaultRepoKey {
		dir = filepath.Join(baseDir, strings.ReplaceAll(repoKey, "/", "_"))
	}

	if isGitRepo(dir) {
		return dir, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}

	remote := repoKey
	if !strings.Contains(remote, "/") && githubOrg != "" {
		remote = githubOrg + "/" + remote
	}

	if repoKey != defaultRepoKey && probeGitHubRepo(remote) {
		if err := cloneRepo(remote, dir); err != nil {
			return "", fmt.Errorf("clone %s: %w", remote, err)
		}
		return dir, nil
	}

	if err := gitInit(dir); err != nil {
		return "", fmt.Errorf("git init %s: %w", dir, err)
	}
	return dir, nil
}

func isGitRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

func probeGitHubRepo(orgRepo string) bool {
	cmd := exec.Command("gh", "repo", "view", orgRepo)
	return cmd.Run() == nil
}

func cloneRepo(orgRepo, dir string) error {
	cmd := exec.Command("gh", "repo", "clone", orgRepo, dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh repo clone: %w\noutput: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func gitInit(dir string) error {
	cmd := exec.Command("git", "init")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git init: %w\noutput: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
