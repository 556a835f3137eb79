package block

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestLifecycle(t *testing.T) {
	b := New("sess", "echo hi", "/home/u", t0, 0)
	if b.Status != StatusPending {
		t.Fatalf("new block status = %v", b.Status)
	}
	b.MarkRunning()
	if !b.Running() {
		t.Fatal("MarkRunning did not transition")
	}
	code := 0
	b.MarkCompleted(2*time.Second, &code)
	if b.Status != StatusCompleted || b.Duration != 2*time.Second {
		t.Fatalf("completed wrong: %v %v", b.Status, b.Duration)
	}
	if !b.CompletedAt.Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("CompletedAt = %v", b.CompletedAt)
	}
	if b.ExitCode == nil || *b.ExitCode != 0 {
		t.Fatalf("exit code = %v", b.ExitCode)
	}
}

func TestTerminalStatesIrreversible(t *testing.T) {
	b := New("sess", "x", "/", t0, 0)
	b.MarkRunning()
	b.MarkCancelled(time.Second)
	if b.Status != StatusCancelled {
		t.Fatalf("status = %v", b.Status)
	}
	if b.ExitCode == nil || *b.ExitCode != ExitCodeCancelled {
		t.Fatalf("cancel exit code = %v", b.ExitCode)
	}

	b.MarkCompleted(5*time.Second, nil)
	b.MarkRunning()
	b.MarkTimedOut(9 * time.Second)
	if b.Status != StatusCancelled || b.Duration != time.Second {
		t.Fatalf("terminal state mutated: %v %v", b.Status, b.Duration)
	}

	b.AppendLine(Line{Text: "late"})
	if len(b.Output) != 0 {
		t.Fatal("terminal block accepted output")
	}
}

func TestSeqDense(t *testing.T) {
	b := New("sess", "ls", "/", t0, 0)
	b.MarkRunning()
	for i := 0; i < 5; i++ {
		b.AppendLine(Line{Text: "line"})
	}
	for i, l := range b.Output {
		if l.Seq != i {
			t.Fatalf("seq[%d] = %d", i, l.Seq)
		}
	}
}

func TestLineCapTruncates(t *testing.T) {
	b := New("sess", "yes", "/", t0, 100)
	b.MarkRunning()
	for i := 0; i < 150; i++ {
		b.AppendLine(Line{Text: "spam"})
	}
	if len(b.Output) > 101 {
		t.Fatalf("cap not enforced: %d lines", len(b.Output))
	}
	if b.TruncatedLines() == 0 {
		t.Fatal("truncation not counted")
	}
	if !strings.Contains(b.Output[0].Text, "dropped") {
		t.Fatalf("no marker line, first = %q", b.Output[0].Text)
	}
	// Retained lines keep their original monotonic sequence numbers.
	last := b.Output[len(b.Output)-1]
	if last.Seq != 149 {
		t.Fatalf("last seq = %d, want 149", last.Seq)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut} {
		if !s.Terminal() {
			t.Fatalf("%v should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%v should not be terminal", s)
		}
	}
}

func TestFailedNilExit(t *testing.T) {
	b := New("sess", "crash", "/", t0, 0)
	b.MarkRunning()
	b.MarkFailed(time.Second, nil)
	if b.Status != StatusFailed || b.ExitCode != nil {
		t.Fatalf("failed block wrong: %v %v", b.Status, b.ExitCode)
	}
}
