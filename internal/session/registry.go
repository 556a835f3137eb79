package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/djdanielsson/mosaicterm-sub001/internal/events"
)

// Registry tracks live sessions by id. The registry lock only guards
// the map; each session carries its own lock, so operations on one
// session never block another.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus
	opener Opener

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. Sessions created through it
// publish on bus; a nil bus disables event publishing.
func NewRegistry(logger *slog.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "registry"),
		bus:      bus,
		sessions: make(map[string]*Session),
	}
}

// Bus returns the event bus sessions publish on, if any.
func (r *Registry) Bus() *events.Bus { return r.bus }

// Create spawns a new shell session and registers it.
func (r *Registry) Create(opts Options) (*Session, error) {
	s, err := newSession(opts, r.opener, r.bus, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	return s, nil
}

// Get retrieves a session by id.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// List returns every registered session, terminated ones included.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Close terminates a session. The entry stays registered until
// CleanupTerminated so late lookups can still observe its state.
func (r *Registry) Close(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Close()
}

// CleanupTerminated removes entries whose shell has exited and returns
// how many were dropped.
func (r *Registry) CleanupTerminated() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, s := range r.sessions {
		if s.State() == StateTerminated {
			delete(r.sessions, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("terminated sessions removed", "count", n)
	}
	return n
}

// CloseAll terminates every session. Used at shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		if err := s.Close(); err != nil {
			r.logger.Warn("closing session", "session_id", s.ID(), "error", err)
		}
	}
}
