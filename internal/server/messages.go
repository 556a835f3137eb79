package server

import (
	"encoding/json"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
	"github.com/djdanielsson/mosaicterm-sub001/internal/session"
	"github.com/djdanielsson/mosaicterm-sub001/internal/suggest"
)

// The bridge speaks one JSON frame per websocket message. Requests
// carry a type, an optional id echoed in the direct reply, and a
// type-specific payload. Raw byte fields ride as base64, the way
// encoding/json renders []byte. Fire-and-forget requests (input,
// resize, cancel, overlay traffic, auth responses) are answered only
// when they fail.

// Client request types.
const (
	msgPing         = "ping"
	msgVersion      = "version"
	msgStartSession = "start_session"
	msgListSessions = "list_sessions"
	msgSubmit       = "submit"
	msgInput        = "input"
	msgResize       = "resize"
	msgCancel       = "cancel"
	msgCloseSession = "close_session"
	msgBlocks       = "blocks"
	msgHistory      = "history"
	msgSuggest      = "suggest"
	msgAuthResponse = "auth_response"
	msgOverlayInput = "overlay_input"
	msgOverlayExit  = "overlay_exit"
)

// clientMessage is one request frame from the client.
type clientMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverMessage is one frame to the client, either a direct reply
// (ID echoed) or an unsolicited event.
type serverMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type pingRequest struct {
	Message string `json:"message,omitempty"`
}

type pongPayload struct {
	Message string `json:"message"`
}

type startSessionRequest struct {
	Shell string   `json:"shell,omitempty"`
	Cwd   string   `json:"cwd,omitempty"`
	Rows  uint16   `json:"rows,omitempty"`
	Cols  uint16   `json:"cols,omitempty"`
	Env   []string `json:"env,omitempty"`
}

// sessionRequest addresses one session with no further arguments.
type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type submitRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// submitReply acknowledges a submission. BlockID is empty for exit
// commands, which open no block.
type submitReply struct {
	BlockID string `json:"block_id,omitempty"`
}

type inputRequest struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

type resizeRequest struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

type historyRequest struct {
	Query     string `json:"query,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type historyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Shell     string    `json:"shell,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	Command   string    `json:"command"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

type historyResult struct {
	Entries []historyEntry `json:"entries"`
}

type suggestRequest struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
	CursorPos int    `json:"cursor_pos"`
}

type suggestResult struct {
	Input       string               `json:"input"`
	CursorPos   int                  `json:"cursor_pos"`
	Suggestions []suggest.Suggestion `json:"suggestions"`
}

type authResponseMessage struct {
	PromptID string `json:"prompt_id"`
	Data     []byte `json:"data,omitempty"`
	OK       bool   `json:"ok"`
}

type sessionInfo struct {
	SessionID string    `json:"session_id"`
	Pid       int       `json:"pid"`
	Shell     string    `json:"shell"`
	ShellKind string    `json:"shell_kind"`
	State     string    `json:"state"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionListResult struct {
	Sessions []sessionInfo `json:"sessions"`
}

func describeSession(s *session.Session) sessionInfo {
	return sessionInfo{
		SessionID: s.ID(),
		Pid:       s.Pid(),
		Shell:     s.Shell(),
		ShellKind: s.ShellKind().String(),
		State:     s.State().String(),
		Cwd:       s.Cwd(),
		CreatedAt: s.CreatedAt(),
	}
}

// blockSummary is a point-in-time copy of a block's metadata, built
// while the correlator lock is held so it can be marshaled later
// without racing capture.
type blockSummary struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Command     string         `json:"command"`
	SubmittedAt time.Time      `json:"submitted_at"`
	CwdAtSubmit string         `json:"cwd_at_submit"`
	Contexts    []string       `json:"contexts,omitempty"`
	Git         *block.GitInfo `json:"git,omitempty"`
	Status      string         `json:"status"`
	Background  bool           `json:"background,omitempty"`
}

func summarize(b *block.Block) blockSummary {
	return blockSummary{
		ID:          b.ID,
		SessionID:   b.SessionID,
		Command:     b.Command,
		SubmittedAt: b.SubmittedAt,
		CwdAtSubmit: b.CwdAtSubmit,
		Contexts:    b.Contexts,
		Git:         b.Git,
		Status:      b.Status.String(),
		Background:  b.Background,
	}
}

type blockOutputEvent struct {
	BlockID string       `json:"block_id"`
	Lines   []block.Line `json:"lines,omitempty"`
	// Partial is the unfinished last line. Empty after a non-empty
	// value means the partial was consumed into a finalized line.
	Partial string `json:"partial"`
}

type blockCompletedEvent struct {
	BlockID     string    `json:"block_id"`
	Status      string    `json:"status"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	Lines       int       `json:"lines"`
}

type blockListResult struct {
	Blocks []block.Block `json:"blocks"`
}

type restartRequestedEvent struct {
	Reason string `json:"reason"`
}

type sessionEvent struct {
	Kind     string `json:"kind"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
	Missed   uint64 `json:"missed,omitempty"`
}

type authPromptEvent struct {
	PromptID string `json:"prompt_id"`
	Kind     string `json:"kind"`
	Prompt   string `json:"prompt"`
}

type overlayOutputEvent struct {
	Data []byte `json:"data"`
}

type laggedEvent struct {
	Missed uint64 `json:"missed"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
