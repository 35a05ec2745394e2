package agentsession

import (
	"strings"
	"testing"

	"github.com/fieldstation/conductor/internal/guard"
)

func TestDetectApprovalCandidates_FindsHardBlockedCommand(t *testing.T) {
	g := guard.New()
	text := "I cleaned up the workspace.\nrm -rf ~\nAll done."

	found := detectApprovalCandidates(g, text)
	if len(found) != 1 {
		t.Fatalf("detections = %d, want 1: %+v", len(found), found)
	}
	if found[0].Command != "rm -rf ~" {
		t.Fatalf("Command = %q, want the rm line", found[0].Command)
	}
	if found[0].Reason == "" {
		t.Fatal("expected a non-empty reason")
	}
}

func TestDetectApprovalCandidates_FindsWarningCommand(t *testing.T) {
	g := guard.New()
	text := "Committed the fix.\ngit push origin main\nDone."

	found := detectApprovalCandidates(g, text)
	if len(found) != 1 {
		t.Fatalf("detections = %d, want 1: %+v", len(found), found)
	}
	if !strings.Contains(found[0].Reason, "main") {
		t.Fatalf("Reason = %q, want the push-to-main warning", found[0].Reason)
	}
}

func TestDetectApprovalCandidates_StripsCodeFenceAndPrompt(t *testing.T) {
	g := guard.New()
	text := "To reproduce:\n$ git push --force origin main\nthat rewrote history."

	found := detectApprovalCandidates(g, text)
	if len(found) != 1 {
		t.Fatalf("detections = %d, want 1: %+v", len(found), found)
	}
	if found[0].Command != "git push --force origin main" {
		t.Fatalf("Command = %q, want the force-push line without the $ prompt", found[0].Command)
	}
}

func TestDetectApprovalCandidates_IgnoresBenignText(t *testing.T) {
	g := guard.New()
	text := "Updated the readme.\nAdded tests.\nEverything passes."

	if found := detectApprovalCandidates(g, text); len(found) != 0 {
		t.Fatalf("expected no detections in benign text, got %+v", found)
	}
}
