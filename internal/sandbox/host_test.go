package sandbox

import (
	"bufio"
	"context"
	"strings"
	"testing"
	"time"
)

func TestHostSpawner_CapturesStdout(t *testing.T) {
	s := NewHostSpawner()
	proc, err := s.Spawn(context.Background(), "sh", []string{"-c", "echo hello"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	scanner := bufio.NewScanner(proc.Stdout())
	if !scanner.Scan() {
		t.Fatal("expected a line of stdout")
	}
	if got := strings.TrimSpace(scanner.Text()); got != "hello" {
		t.Fatalf("stdout = %q, want hello", got)
	}

	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestHostSpawner_NonZeroExit(t *testing.T) {
	s := NewHostSpawner()
	proc, err := s.Spawn(context.Background(), "sh", []string{"-c", "exit 7"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
}

func TestHostSpawner_SignalTerminatesLongRunningProcess(t *testing.T) {
	s := NewHostSpawner()
	proc, err := s.Spawn(context.Background(), "sh", []string{"-c", "sleep 30"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := proc.Signal(); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}
}

func TestHostSpawner_SignalEscalatesToKillWhenTermIgnored(t *testing.T) {
	s := &HostSpawner{GraceTimeout: 50 * time.Millisecond}
	proc, err := s.Spawn(context.Background(), "sh", []string{"-c", "trap '' TERM; sleep 30"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// Give the shell a moment to install the trap before signalling.
	time.Sleep(100 * time.Millisecond)
	if err := proc.Signal(); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		code, _ := proc.Wait()
		done <- code
	}()

	select {
	case code := <-done:
		if code == 0 {
			t.Fatalf("exit code = %d, want nonzero after forced kill", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process ignoring SIGTERM was never killed after the grace period")
	}
}

func TestHostSpawner_WorkingDirRespected(t *testing.T) {
	s := NewHostSpawner()
	dir := t.TempDir()
	proc, err := s.Spawn(context.Background(), "pwd", nil, dir, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	scanner := bufio.NewScanner(proc.Stdout())
	if !scanner.Scan() {
		t.Fatal("expected pwd output")
	}
	proc.Wait()
}
