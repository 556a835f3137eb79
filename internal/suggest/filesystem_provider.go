package suggest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/djdanielsson/mosaicterm-sub001/internal/platform"
	"github.com/djdanielsson/mosaicterm-sub001/internal/session"
)

const maxFilesystemSuggestions = 30

// FilesystemProvider completes paths relative to the session's working
// directory, and executables from PATH when the cursor is on the
// command word itself.
type FilesystemProvider struct {
	registry *session.Registry
	fallback string // cwd used when the session is unknown
	pathEnv  string // PATH override for tests; empty means the environment's
}

// NewFilesystemProvider creates a provider that resolves working
// directories through the registry.
func NewFilesystemProvider(registry *session.Registry) *FilesystemProvider {
	return &FilesystemProvider{registry: registry, fallback: homeDir()}
}

// Name returns the provider name.
func (p *FilesystemProvider) Name() string {
	return "filesystem"
}

// Suggest completes the token under the cursor. A bare command word is
// matched against PATH executables; anything path-shaped is matched
// against directory entries.
func (p *FilesystemProvider) Suggest(ctx context.Context, q Query) ([]Suggestion, error) {
	if commandPosition(q) && !pathLike(q.Token) {
		return p.executables(q.Token), nil
	}
	if q.Token == "" && !directoriesOnly(q) {
		return nil, nil
	}
	return p.completePaths(q), nil
}

func (p *FilesystemProvider) completePaths(q Query) []Suggestion {
	cwd := p.cwd(q.SessionID)
	base, prefix, display := splitPathToken(q.Token, cwd)

	entries, err := os.ReadDir(base)
	if err != nil {
		// The directory may simply not exist yet.
		return nil
	}

	dirOnly := directoriesOnly(q)
	lowerPrefix := strings.ToLower(prefix)
	var suggestions []Suggestion
	for _, entry := range entries {
		name := entry.Name()
		if prefix != "" && !strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			continue
		}
		if dirOnly && !entry.IsDir() {
			continue
		}
		text := display + name
		if entry.IsDir() {
			text += "/"
		}
		suggestions = append(suggestions, Suggestion{
			Text:   text,
			Source: "filesystem",
			Score:  filesystemScore(name, prefix, entry.IsDir()),
		})
	}

	sortByScore(suggestions)
	if len(suggestions) > maxFilesystemSuggestions {
		suggestions = suggestions[:maxFilesystemSuggestions]
	}
	return suggestions
}

// splitPathToken splits a token into the directory to scan, the entry
// prefix to match, and the display prefix the suggestion texts start
// with. A leading ~ stays a ~ in the display so completions read the
// way the user typed them.
func splitPathToken(token, cwd string) (base, prefix, display string) {
	dir := ""
	prefix = token
	if i := strings.LastIndexByte(token, '/'); i >= 0 {
		dir, prefix = token[:i+1], token[i+1:]
	}
	display = dir
	switch {
	case strings.HasPrefix(dir, "~/"):
		base = filepath.Join(homeDir(), strings.TrimPrefix(dir, "~/"))
	case strings.HasPrefix(dir, "/"):
		base = dir
	default:
		base = filepath.Join(cwd, dir)
	}
	return base, prefix, display
}

func (p *FilesystemProvider) executables(token string) []Suggestion {
	if token == "" {
		return nil
	}
	pathEnv := p.pathEnv
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}
	lower := strings.ToLower(token)
	seen := map[string]bool{token: true}
	var suggestions []Suggestion
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if seen[name] || !strings.HasPrefix(strings.ToLower(name), lower) {
				continue
			}
			if !platform.IsExecutable(filepath.Join(dir, name)) {
				continue
			}
			seen[name] = true
			suggestions = append(suggestions, Suggestion{
				Text:   name,
				Source: "filesystem",
				Score:  0.45 + 0.25*float64(len(token))/float64(len(name)),
			})
		}
	}
	sortByScore(suggestions)
	if len(suggestions) > maxFilesystemSuggestions {
		suggestions = suggestions[:maxFilesystemSuggestions]
	}
	return suggestions
}

func (p *FilesystemProvider) cwd(sessionID string) string {
	if p.registry != nil && sessionID != "" {
		if s, err := p.registry.Get(sessionID); err == nil {
			return s.Cwd()
		}
	}
	return p.fallback
}

// pathLike reports whether a token should be completed as a path even
// in command position, the way "./script" or "~/bin/tool" would be.
func pathLike(token string) bool {
	return strings.ContainsRune(token, '/') ||
		strings.HasPrefix(token, "~") ||
		strings.HasPrefix(token, ".")
}

// directoriesOnly reports whether the cursor is completing the argument
// of a directory-changing command, where files make no sense.
func directoriesOnly(q Query) bool {
	before := strings.TrimSpace(q.Input[:tokenStart(q.Input, q.CursorPos)])
	return before == "cd" || before == "pushd"
}

func sortByScore(suggestions []Suggestion) {
	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		return suggestions[i].Text < suggestions[j].Text
	})
}

// filesystemScore favors directories and close prefix matches, and
// buries dotfiles unless the user asked for them.
func filesystemScore(name, prefix string, isDir bool) float64 {
	score := 0.5
	if isDir {
		score += 0.1
	}
	if prefix != "" && len(name) > 0 {
		score += 0.3 * float64(len(prefix)) / float64(len(name))
	}
	if strings.HasPrefix(name, ".") && !strings.HasPrefix(prefix, ".") {
		score -= 0.2
	}
	return score
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home
}
