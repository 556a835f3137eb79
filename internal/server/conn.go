package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/djdanielsson/mosaicterm-sub001/internal/block"
	"github.com/djdanielsson/mosaicterm-sub001/internal/correlate"
	"github.com/djdanielsson/mosaicterm-sub001/internal/events"
	"github.com/djdanielsson/mosaicterm-sub001/internal/history"
	"github.com/djdanielsson/mosaicterm-sub001/internal/session"
	"github.com/djdanielsson/mosaicterm-sub001/internal/validators"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// sendBuffer bounds outbound frames per client. Observer callbacks
	// enqueue without blocking, so a stalled client costs frames, never
	// capture; the drop is reported through a lagged frame.
	sendBuffer = 256

	authTimeout  = 2 * time.Minute
	queryTimeout = 5 * time.Second
)

// client is one websocket connection and the sessions it started.
type client struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	sendCh    chan serverMessage
	done      chan struct{}
	closeOnce sync.Once
	missed    atomic.Uint64

	mu          sync.Mutex
	attachments map[string]*attachment
	authWaiters map[string]chan authResponseMessage
}

func newClient(srv *Server, conn *websocket.Conn) *client {
	return &client{
		srv:         srv,
		conn:        conn,
		logger:      srv.logger.With("remote", conn.RemoteAddr().String()),
		sendCh:      make(chan serverMessage, sendBuffer),
		done:        make(chan struct{}),
		attachments: make(map[string]*attachment),
		authWaiters: make(map[string]chan authResponseMessage),
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection dropped", "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "", "bad-frame", errors.New("malformed frame"))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.sendCh:
			if n := c.missed.Swap(0); n > 0 {
				if err := c.writeFrame(serverMessage{Type: "lagged", Payload: laggedEvent{Missed: n}}); err != nil {
					return
				}
			}
			if err := c.writeFrame(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) writeFrame(msg serverMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// send enqueues a frame without blocking. Dropped frames are counted
// and surface as a lagged frame, the same contract the event bus
// gives its subscribers.
func (c *client) send(msg serverMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.sendCh <- msg:
	default:
		c.missed.Add(1)
	}
}

// sendError reports a failed request. Only the error text goes back;
// request payload data never echoes.
func (c *client) sendError(id, sessionID, code string, err error) {
	c.send(serverMessage{
		Type:      "error",
		ID:        id,
		SessionID: sessionID,
		Payload:   errorPayload{Code: code, Message: err.Error()},
	})
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		atts := make([]*attachment, 0, len(c.attachments))
		for _, a := range c.attachments {
			atts = append(atts, a)
		}
		c.attachments = map[string]*attachment{}
		c.mu.Unlock()
		for _, a := range atts {
			a.teardown()
			c.srv.registry.Close(a.sessionID)
		}
		c.srv.removeClient(c)
		c.logger.Info("client disconnected", "sessions_closed", len(atts))
	})
}

// decode unmarshals a request payload, reporting malformed input to
// the client. An absent payload decodes to the zero request.
func (c *client) decode(msg clientMessage, req any) bool {
	if len(msg.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Payload, req); err != nil {
		c.sendError(msg.ID, "", "bad-payload", fmt.Errorf("malformed %s payload", msg.Type))
		return false
	}
	return true
}

func (c *client) attachment(sessionID string) *attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachments[sessionID]
}

// detach drops a session's attachment and stops its pumps.
func (c *client) detach(sessionID string) {
	c.mu.Lock()
	a := c.attachments[sessionID]
	delete(c.attachments, sessionID)
	c.mu.Unlock()
	if a != nil {
		a.teardown()
	}
}

func (c *client) dispatch(msg clientMessage) {
	c.logger.Debug("frame received", "type", msg.Type)
	switch msg.Type {
	case msgPing:
		var req pingRequest
		if !c.decode(msg, &req) {
			return
		}
		c.send(serverMessage{Type: "pong", ID: msg.ID, Payload: pongPayload{Message: c.srv.system.Ping(req.Message)}})
	case msgVersion:
		c.send(serverMessage{Type: "version", ID: msg.ID, Payload: c.srv.system.Version()})
	case msgStartSession:
		c.handleStartSession(msg)
	case msgListSessions:
		c.handleListSessions(msg)
	case msgSubmit:
		c.handleSubmit(msg)
	case msgInput:
		c.handleInput(msg)
	case msgResize:
		c.handleResize(msg)
	case msgCancel:
		c.handleCancel(msg)
	case msgCloseSession:
		c.handleCloseSession(msg)
	case msgBlocks:
		c.handleBlocks(msg)
	case msgHistory:
		go c.handleHistory(msg)
	case msgSuggest:
		go c.handleSuggest(msg)
	case msgAuthResponse:
		c.handleAuthResponse(msg)
	case msgOverlayInput:
		c.handleOverlayInput(msg)
	case msgOverlayExit:
		c.handleOverlayExit(msg)
	default:
		c.sendError(msg.ID, "", "unknown-type", fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (c *client) handleStartSession(msg clientMessage) {
	var req startSessionRequest
	if !c.decode(msg, &req) {
		return
	}
	cfg := c.srv.cfg
	opts := session.Options{
		Shell:       req.Shell,
		Cwd:         req.Cwd,
		Env:         req.Env,
		Rows:        req.Rows,
		Cols:        req.Cols,
		Integration: true,
		BufferLimit: cfg.Terminal.ReadBuffer,
	}
	if opts.Shell == "" {
		opts.Shell = cfg.Terminal.Shell
	}
	if opts.Rows == 0 {
		opts.Rows = uint16(cfg.Terminal.Rows)
	}
	if opts.Cols == 0 {
		opts.Cols = uint16(cfg.Terminal.Cols)
	}
	sess, err := c.srv.registry.Create(opts)
	if err != nil {
		c.sendError(msg.ID, "", "spawn-failed", err)
		return
	}
	c.attach(sess)
	c.send(serverMessage{Type: "session_started", ID: msg.ID, SessionID: sess.ID(), Payload: describeSession(sess)})
}

// attach builds the correlator for a fresh session and wires its
// callbacks to this connection.
func (c *client) attach(sess *session.Session) *attachment {
	a := &attachment{c: c, sessionID: sess.ID(), sess: sess}

	var sink correlate.HistorySink
	switch {
	case c.srv.history != nil && c.srv.histFile != nil:
		sink = history.Fanout(c.srv.history.ForSession(sess.ID(), filepath.Base(sess.Shell())), c.srv.histFile)
	case c.srv.history != nil:
		sink = c.srv.history.ForSession(sess.ID(), filepath.Base(sess.Shell()))
	case c.srv.histFile != nil:
		sink = c.srv.histFile
	}

	corr := correlate.New(sess, correlate.Options{
		Config:  c.srv.cfg.CaptureConfig(),
		Logger:  c.srv.logger,
		History: sink,
		Auth:    a,
		Overlay: a,
	})
	corr.AddObserver(a)
	a.corr = corr

	ctx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	go func() {
		if err := corr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("correlator stopped", "session_id", sess.ID(), "error", err)
		}
	}()
	go a.forwardEvents(ctx)
	corr.RefreshContexts()

	c.mu.Lock()
	c.attachments[sess.ID()] = a
	c.mu.Unlock()
	return a
}

func (c *client) handleListSessions(msg clientMessage) {
	c.mu.Lock()
	infos := make([]sessionInfo, 0, len(c.attachments))
	for _, a := range c.attachments {
		infos = append(infos, describeSession(a.sess))
	}
	c.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	c.send(serverMessage{Type: "session_list", ID: msg.ID, Payload: sessionListResult{Sessions: infos}})
}

func (c *client) handleSubmit(msg clientMessage) {
	var req submitRequest
	if !c.decode(msg, &req) {
		return
	}
	a := c.attachment(req.SessionID)
	if a == nil {
		c.sendError(msg.ID, req.SessionID, "not-found", session.ErrSessionNotFound)
		return
	}
	b, err := a.corr.Submit(req.Command)
	if err != nil {
		c.sendError(msg.ID, req.SessionID, submitErrorCode(err), err)
		return
	}
	reply := submitReply{}
	if b != nil {
		reply.BlockID = b.ID
	}
	c.send(serverMessage{Type: "submitted", ID: msg.ID, SessionID: req.SessionID, Payload: reply})
}

func submitErrorCode(err error) string {
	var verr *validators.ValidationError
	var wre *session.WriteRejectedError
	switch {
	case errors.As(err, &verr):
		return verr.Reason()
	case errors.Is(err, correlate.ErrBusy):
		return "busy"
	case errors.Is(err, session.ErrSessionAlreadyTerminated):
		return "terminated"
	case errors.As(err, &wre):
		return "input-overflow"
	default:
		return "internal"
	}
}

func (c *client) handleInput(msg clientMessage) {
	var req inputRequest
	if !c.decode(msg, &req) {
		return
	}
	a := c.attachment(req.SessionID)
	if a == nil {
		c.sendError(msg.ID, req.SessionID, "not-found", session.ErrSessionNotFound)
		return
	}
	if err := a.sess.WriteInput(req.Data); err != nil {
		c.sendError(msg.ID, req.SessionID, "write-failed", err)
	}
}

func (c *client) handleResize(msg clientMessage) {
	var req resizeRequest
	if !c.decode(msg, &req) {
		return
	}
	a := c.attachment(req.SessionID)
	if a == nil {
		c.sendError(msg.ID, req.SessionID, "not-found", session.ErrSessionNotFound)
		return
	}
	if err := a.sess.Resize(req.Rows, req.Cols); err != nil {
		c.sendError(msg.ID, req.SessionID, "resize-failed", err)
	}
}

func (c *client) handleCancel(msg clientMessage) {
	var req sessionRequest
	if !c.decode(msg, &req) {
		return
	}
	a := c.attachment(req.SessionID)
	if a == nil {
		c.sendError(msg.ID, req.SessionID, "not-found", session.ErrSessionNotFound)
		return
	}
	if err := a.corr.CancelRunning(); err != nil {
		c.sendError(msg.ID, req.SessionID, "cancel-failed", err)
	}
}

func (c *client) handleCloseSession(msg clientMessage) {
	var req sessionRequest
	if !c.decode(msg, &req) {
		return
	}
	c.detach(req.SessionID)
	if err := c.srv.registry.Close(req.SessionID); err != nil {
		c.sendError(msg.ID, req.SessionID, "not-found", err)
		return
	}
	c.send(serverMessage{Type: "session_closed", ID: msg.ID, SessionID: req.SessionID})
}

func (c *client) handleBlocks(msg clientMessage) {
	var req sessionRequest
	if !c.decode(msg, &req) {
		return
	}
	a := c.attachment(req.SessionID)
	if a == nil {
		c.sendError(msg.ID, req.SessionID, "not-found", session.ErrSessionNotFound)
		return
	}
	c.send(serverMessage{Type: "block_list", ID: msg.ID, SessionID: req.SessionID,
		Payload: blockListResult{Blocks: a.corr.Snapshot()}})
}

func (c *client) handleAuthResponse(msg clientMessage) {
	var req authResponseMessage
	if !c.decode(msg, &req) {
		return
	}
	c.mu.Lock()
	ch := c.authWaiters[req.PromptID]
	c.mu.Unlock()
	if ch == nil {
		c.sendError(msg.ID, "", "unknown-prompt", errors.New("no pending prompt with that id"))
		return
	}
	select {
	case ch <- req:
	default:
	}
}

func (c *client) handleOverlayInput(msg clientMessage) {
	var req inputRequest
	if !c.decode(msg, &req) {
		return
	}
	a := c.attachment(req.SessionID)
	if a == nil {
		c.sendError(msg.ID, req.SessionID, "not-found", session.ErrSessionNotFound)
		return
	}
	if err := a.overlayInput(req.Data); err != nil {
		c.sendError(msg.ID, req.SessionID, "no-overlay", err)
	}
}

func (c *client) handleOverlayExit(msg clientMessage) {
	var req sessionRequest
	if !c.decode(msg, &req) {
		return
	}
	a := c.attachment(req.SessionID)
	if a == nil {
		c.sendError(msg.ID, req.SessionID, "not-found", session.ErrSessionNotFound)
		return
	}
	a.closeOverlay()
}

// attachment binds one session's correlator callbacks to the client
// connection. Its observer methods run under the correlator lock and
// only enqueue frames.
type attachment struct {
	c         *client
	sessionID string
	sess      *session.Session
	corr      *correlate.Correlator
	cancelRun context.CancelFunc

	mu           sync.Mutex
	overlayWrite io.Writer
	overlayExit  chan struct{}
}

func (a *attachment) teardown() {
	a.closeOverlay()
	if a.cancelRun != nil {
		a.cancelRun()
	}
}

func (a *attachment) BlockStarted(b *block.Block) {
	a.c.send(serverMessage{Type: "block_started", SessionID: a.sessionID, Payload: summarize(b)})
}

func (a *attachment) BlockOutput(blockID string, lines []block.Line, partial string) {
	a.c.send(serverMessage{Type: "block_output", SessionID: a.sessionID,
		Payload: blockOutputEvent{BlockID: blockID, Lines: lines, Partial: partial}})
}

func (a *attachment) BlockCompleted(b *block.Block) {
	if a.c.srv.history != nil && b.ExitCode != nil {
		a.c.srv.history.CompleteCommand(a.sessionID, *b.ExitCode)
	}
	a.c.send(serverMessage{Type: "block_completed", SessionID: a.sessionID, Payload: blockCompletedEvent{
		BlockID:     b.ID,
		Status:      b.Status.String(),
		ExitCode:    b.ExitCode,
		CompletedAt: b.CompletedAt,
		DurationMs:  b.Duration.Milliseconds(),
		Lines:       len(b.Output),
	}})
}

func (a *attachment) TranscriptCleared(sessionID string) {
	a.c.send(serverMessage{Type: "transcript_cleared", SessionID: sessionID})
}

func (a *attachment) RestartRequested(sessionID, reason string) {
	a.c.send(serverMessage{Type: "restart_requested", SessionID: sessionID,
		Payload: restartRequestedEvent{Reason: reason}})
}

// forwardEvents relays session lifecycle events. Output events are
// not forwarded: bytes reach the client only through block frames or
// the overlay stream.
func (a *attachment) forwardEvents(ctx context.Context) {
	evs, cancel := a.sess.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if ev.Kind == events.KindOutput {
				continue
			}
			a.c.send(serverMessage{Type: "session_event", SessionID: a.sessionID, Payload: sessionEvent{
				Kind:     ev.Kind.String(),
				PID:      ev.PID,
				ExitCode: ev.ExitCode,
				Message:  ev.Message,
				Missed:   ev.Missed,
			}})
			if ev.Kind == events.KindTerminated {
				a.c.detach(a.sessionID)
				return
			}
		}
	}
}

// HandleAuthPrompt relays an ssh authentication prompt to the client
// and waits for the answer. The response bytes pass straight through
// to the correlator; they are never logged and never enter a frame
// going back out.
func (a *attachment) HandleAuthPrompt(kind correlate.AuthKind, prompt string) ([]byte, bool) {
	id := uuid.NewString()
	ch := make(chan authResponseMessage, 1)
	a.c.mu.Lock()
	a.c.authWaiters[id] = ch
	a.c.mu.Unlock()
	defer func() {
		a.c.mu.Lock()
		delete(a.c.authWaiters, id)
		a.c.mu.Unlock()
	}()

	a.c.send(serverMessage{Type: "auth_prompt", SessionID: a.sessionID,
		Payload: authPromptEvent{PromptID: id, Kind: kind.String(), Prompt: prompt}})

	select {
	case resp := <-ch:
		return resp.Data, resp.OK
	case <-time.After(authTimeout):
		return nil, false
	case <-a.c.done:
		return nil, false
	}
}

// Attach starts streaming raw session bytes to the client for the
// duration of a fullscreen program. Called with the correlator lock
// held, so it only wires state and spawns the pump.
func (a *attachment) Attach(sessionRead io.Reader, sessionWrite io.Writer) (<-chan struct{}, error) {
	exit := make(chan struct{})
	a.mu.Lock()
	a.overlayWrite = sessionWrite
	a.overlayExit = exit
	a.mu.Unlock()
	go a.pumpOverlay(sessionRead)
	return exit, nil
}

func (a *attachment) pumpOverlay(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			a.c.send(serverMessage{Type: "overlay_output", SessionID: a.sessionID,
				Payload: overlayOutputEvent{Data: data}})
		}
		if err != nil {
			return
		}
	}
}

func (a *attachment) overlayInput(data []byte) error {
	a.mu.Lock()
	w := a.overlayWrite
	a.mu.Unlock()
	if w == nil {
		return errors.New("no overlay active")
	}
	_, err := w.Write(data)
	return err
}

// closeOverlay signals the correlator that the fullscreen program is
// done. Safe to call when no overlay is active.
func (a *attachment) closeOverlay() {
	a.mu.Lock()
	exit := a.overlayExit
	a.overlayExit = nil
	a.overlayWrite = nil
	a.mu.Unlock()
	if exit != nil {
		close(exit)
	}
}
