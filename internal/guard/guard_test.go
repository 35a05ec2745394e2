package guard

import "testing"

func TestCheck_BlocksForcePush(t *testing.T) {
	g := New()
	r := g.Check("git push --force origin main")
	if r.Allowed {
		t.Fatal("expected force push to be blocked")
	}
	if r.Severity != SeverityCritical {
		t.Fatalf("severity = %s, want critical", r.Severity)
	}
}

func TestCheck_BlocksRmRfHome(t *testing.T) {
	g := New()
	r := g.Check("rm -rf ~")
	if r.Allowed {
		t.Fatal("expected rm -rf ~ to be blocked")
	}
}

func TestCheck_AllowsBenignCommand(t *testing.T) {
	g := New()
	r := g.Check("ls -la")
	if !r.Allowed {
		t.Fatalf("expected benign command to be allowed, got: %s", r)
	}
	if r.Warning != "" {
		t.Fatalf("expected no warning, got: %s", r.Warning)
	}
}

func TestCheck_WarnsOnPushToMain(t *testing.T) {
	g := New()
	r := g.Check("git push origin main")
	if !r.Allowed {
		t.Fatal("push to main should be allowed with a warning, not blocked")
	}
	if r.Warning == "" {
		t.Fatal("expected a warning for push to main")
	}
}

func TestCheck_CatchesChainedDestructiveCommand(t *testing.T) {
	g := New()
	r := g.Check("echo building && rm -rf ~")
	if r.Allowed {
		t.Fatal("expected chained destructive command to be blocked")
	}
}

func TestCheck_Deterministic(t *testing.T) {
	g := New()
	a := g.Check("sudo rm /etc/passwd")
	b := g.Check("sudo rm /etc/passwd")
	if a != b {
		t.Fatalf("Check is not deterministic: %+v vs %+v", a, b)
	}
}

func TestCheckMultiple_SkipsCommentLines(t *testing.T) {
	g := New()
	text := "# this line mentions rm -rf ~ but is a comment\nls -la\n"
	r := CheckMultiple(g, text)
	if !r.Allowed {
		t.Fatalf("expected comment line to be skipped, got: %s", r)
	}
}

func TestCheckMultiple_BlocksAnyLine(t *testing.T) {
	g := New()
	text := "ls -la\ngit push --force origin main\necho done\n"
	r := CheckMultiple(g, text)
	if r.Allowed {
		t.Fatal("expected one blocked line to block the whole text")
	}
}

func TestSplitCommandSegments(t *testing.T) {
	segs := splitCommandSegments("echo a && echo b; echo c | echo d")
	want := []string{"echo a", "echo b", "echo c", "echo d"}
	if len(segs) != len(want) {
		t.Fatalf("got %d segments %v, want %d", len(segs), segs, len(want))
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Errorf("segment %d = %q, want %q", i, segs[i], want[i])
		}
	}
}

func TestSplitCommandSegments_StripsSubstitution(t *testing.T) {
	segs := splitCommandSegments("$(rm -rf ~)")
	if len(segs) != 1 || segs[0] != "rm -rf ~" {
		t.Fatalf("got %v, want [rm -rf ~]", segs)
	}
}
