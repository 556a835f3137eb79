// Package server bridges GUI clients to the terminal core over a
// websocket connection carrying JSON frames. Each client owns the
// sessions it starts; when the connection drops, its sessions are
// closed with it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/djdanielsson/mosaicterm-sub001/internal/config"
	"github.com/djdanielsson/mosaicterm-sub001/internal/history"
	"github.com/djdanielsson/mosaicterm-sub001/internal/session"
	"github.com/djdanielsson/mosaicterm-sub001/internal/suggest"
	"github.com/djdanielsson/mosaicterm-sub001/internal/system"
)

// Deps wires the server's collaborators. History and HistoryFile may
// be nil when persistence is disabled; the rest are required.
type Deps struct {
	Config      *config.Config
	Logger      *slog.Logger
	Registry    *session.Registry
	History     *history.Service
	HistoryFile *history.FileSink
	Suggest     *suggest.Service
	System      *system.Service
}

// Server accepts websocket clients and routes their frames into the
// core.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *session.Registry
	history  *history.Service
	histFile *history.FileSink
	suggest  *suggest.Service
	system   *system.Service

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New builds the server. It does not listen yet.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      deps.Config,
		logger:   logger.With("component", "server"),
		registry: deps.Registry,
		history:  deps.History,
		histFile: deps.HistoryFile,
		suggest:  deps.Suggest,
		system:   deps.System,
		clients:  make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originAllowed,
	}
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// originAllowed admits native clients, which send no Origin header,
// and same-host browsers. Anything else is a cross-site page poking
// at the local daemon.
func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Handler returns the HTTP routes so tests can mount them directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.system.Version().Version,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(s, conn)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("client connected", "remote", conn.RemoteAddr().String())
	go c.run()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// ListenAndServe blocks serving the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.cfg.Server.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and tears down the live ones,
// closing their sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return err
}
