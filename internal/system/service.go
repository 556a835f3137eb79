// Package system answers liveness and version queries for the daemon.
package system

import (
	"runtime"
	"time"
)

// Service reports build identity and process uptime.
type Service struct {
	version string
	build   string
	started time.Time
}

// Info is the version report handed to clients.
type Info struct {
	Version   string    `json:"version"`
	Build     string    `json:"build"`
	GoVersion string    `json:"go_version"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

// New creates the service. version and build are typically injected at
// link time via -ldflags; an empty version reads as a dev build.
func New(version, build string) *Service {
	if version == "" {
		version = "dev"
	}
	return &Service{
		version: version,
		build:   build,
		started: time.Now(),
	}
}

// Ping echoes msg back. A bare probe with no message answers "pong".
func (s *Service) Ping(msg string) string {
	if msg == "" {
		return "pong"
	}
	return msg
}

// Version reports the compiled-in identity and current uptime.
func (s *Service) Version() Info {
	return Info{
		Version:   s.version,
		Build:     s.build,
		GoVersion: runtime.Version(),
		StartedAt: s.started,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
}
