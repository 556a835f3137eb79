// Package suggest produces completion candidates for a partially typed
// command line. Independent providers (history, filesystem, builtin)
// contribute scored suggestions; the service merges, deduplicates and
// ranks them.
package suggest

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/djdanielsson/mosaicterm-sub001/internal/validators"
)

// maxSuggestions bounds one response so a broad prefix cannot flood
// the UI.
const maxSuggestions = 50

// Suggestion is one completion candidate.
type Suggestion struct {
	Text        string  `json:"text"`
	Source      string  `json:"source"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// Query carries one suggestion request to the providers. Token is the
// word under the cursor, extracted by the service.
type Query struct {
	SessionID string
	Input     string
	CursorPos int
	Token     string
}

// Provider is a source of suggestions.
type Provider interface {
	Suggest(ctx context.Context, q Query) ([]Suggestion, error)
	Name() string
}

// Service fans a query out to its providers and merges the results.
type Service struct {
	logger    *slog.Logger
	providers []Provider
}

// NewService creates a suggestion service over the given providers,
// consulted in order.
func NewService(logger *slog.Logger, providers ...Provider) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:    logger.With("component", "suggest"),
		providers: providers,
	}
}

// Suggest returns ranked suggestions for input with the cursor at
// cursorPos. A failing provider is logged and skipped; the others
// still answer.
func (s *Service) Suggest(ctx context.Context, sessionID, input string, cursorPos int) ([]Suggestion, error) {
	if err := validators.ValidateGetSuggestions(sessionID, input, cursorPos); err != nil {
		return nil, err
	}

	q := Query{
		SessionID: sessionID,
		Input:     input,
		CursorPos: cursorPos,
		Token:     tokenAtCursor(input, cursorPos),
	}

	var all []Suggestion
	for _, p := range s.providers {
		res, err := p.Suggest(ctx, q)
		if err != nil {
			s.logger.Warn("suggestion provider failed", "provider", p.Name(), "error", err)
			continue
		}
		all = append(all, res...)
	}

	merged := dedupe(all)
	if len(merged) > maxSuggestions {
		merged = merged[:maxSuggestions]
	}
	return merged, nil
}

// tokenAtCursor extracts the whitespace-delimited word the cursor sits
// in or immediately after. A cursor right after a space has no token.
func tokenAtCursor(input string, cursorPos int) string {
	if input == "" || cursorPos <= 0 || cursorPos > len(input) {
		return ""
	}

	start := tokenStart(input, cursorPos)
	if start < len(input) && isSpace(input[start]) {
		return ""
	}

	end := cursorPos
	for end < len(input) && !isSpace(input[end]) {
		end++
	}

	return input[start:end]
}

// tokenStart walks back from the cursor to the first byte of the word
// it touches.
func tokenStart(input string, cursorPos int) int {
	start := cursorPos
	for start > 0 && !isSpace(input[start-1]) {
		start--
	}
	return start
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// dedupe keeps the best-scoring suggestion per text and returns them
// sorted by score, ties broken alphabetically.
func dedupe(suggestions []Suggestion) []Suggestion {
	best := make(map[string]Suggestion, len(suggestions))
	for _, s := range suggestions {
		if existing, ok := best[s.Text]; !ok || s.Score > existing.Score {
			best[s.Text] = s
		}
	}

	result := make([]Suggestion, 0, len(best))
	for _, s := range best {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		return result[i].Text < result[j].Text
	})
	return result
}

// builtinCommands seeds completion before any history exists.
var builtinCommands = []string{
	"ls", "cd", "pwd", "cat", "grep", "find", "echo", "mkdir", "rm", "cp", "mv",
	"chmod", "chown", "ps", "kill", "top", "htop", "df", "du", "tar", "ssh",
	"git", "docker", "npm", "yarn", "python", "node", "go", "cargo", "make",
}

// StaticProvider suggests common shell commands. Lowest priority; it
// only matters on a fresh install with an empty history.
type StaticProvider struct{}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

func (p *StaticProvider) Name() string {
	return "static"
}

func (p *StaticProvider) Suggest(ctx context.Context, q Query) ([]Suggestion, error) {
	if q.Token == "" || !commandPosition(q) {
		return nil, nil
	}

	var suggestions []Suggestion
	lower := strings.ToLower(q.Token)
	for _, cmd := range builtinCommands {
		if cmd == q.Token || !strings.HasPrefix(cmd, lower) {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Text:   cmd,
			Source: "static",
			Score:  0.3 + 0.2*float64(len(lower))/float64(len(cmd)),
		})
	}
	return suggestions, nil
}

// commandPosition reports whether the token under the cursor is the
// command itself rather than an argument.
func commandPosition(q Query) bool {
	if q.Token == "" {
		return false
	}
	return strings.TrimSpace(q.Input[:tokenStart(q.Input, q.CursorPos)]) == ""
}
