package system

import (
	"runtime"
	"testing"
)

func TestPing(t *testing.T) {
	s := New("1.2.3", "abc123")
	if got := s.Ping(""); got != "pong" {
		t.Errorf("Ping(\"\") = %q, want pong", got)
	}
	if got := s.Ping("hello"); got != "hello" {
		t.Errorf("Ping(hello) = %q", got)
	}
}

func TestVersion(t *testing.T) {
	s := New("1.2.3", "abc123")
	info := s.Version()
	if info.Version != "1.2.3" || info.Build != "abc123" {
		t.Errorf("identity = %q/%q", info.Version, info.Build)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("go version = %q", info.GoVersion)
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}
	if info.Uptime == "" {
		t.Error("Uptime is empty")
	}
}

func TestVersionDefaultsToDev(t *testing.T) {
	if got := New("", "").Version().Version; got != "dev" {
		t.Errorf("version = %q, want dev", got)
	}
}
