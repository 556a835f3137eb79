package storage

import (
	"time"
)

// Command is one persisted command execution.
type Command struct {
	ID          int64
	Timestamp   time.Time
	SessionID   string
	Shell       string
	Cwd         string
	CommandText string
	ExitCode    *int // nil until the completion back-fills it
}

// Frequency aggregates how often a command text was run and when it was
// last used. Feeds the history suggestion provider.
type Frequency struct {
	CommandText string
	Uses        int
	LastUsed    time.Time
}
