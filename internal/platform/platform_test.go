package platform

import (
	"errors"
	"fmt"
	"testing"
)

func TestUnsupportedError(t *testing.T) {
	err := Unsupported("interrupt")
	if !IsUnsupported(err) {
		t.Fatal("IsUnsupported returned false for UnsupportedError")
	}
	wrapped := fmt.Errorf("session teardown: %w", err)
	if !IsUnsupported(wrapped) {
		t.Fatal("IsUnsupported should see through wrapping")
	}
	if IsUnsupported(errors.New("plain")) {
		t.Fatal("IsUnsupported matched a plain error")
	}
}

func TestSpawnErrorUnwrap(t *testing.T) {
	inner := errors.New("no such file")
	err := &SpawnError{Reason: "pty start", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("SpawnError should unwrap to its cause")
	}
	var se *SpawnError
	if !errors.As(error(err), &se) || se.Reason != "pty start" {
		t.Fatalf("errors.As failed or wrong reason: %+v", se)
	}
}

func TestWhichMissing(t *testing.T) {
	if got := Which("definitely-not-a-real-binary-name-xyz"); got != "" {
		t.Fatalf("Which returned %q for a missing binary", got)
	}
}

func TestIsAliveNonPositive(t *testing.T) {
	if IsAlive(0) || IsAlive(-5) {
		t.Fatal("non-positive pids must never be alive")
	}
}
