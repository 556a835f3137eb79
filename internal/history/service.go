// Package history persists accepted command submissions. Writes go
// through a background worker so recording never blocks the submit
// path; a full queue drops the record rather than stall a PTY.
package history

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/storage"
)

const (
	writeQueueSize = 100
	writeTimeout   = 5 * time.Second
)

// Sink receives one record per accepted submission. The correlator's
// history hook has the same shape.
type Sink interface {
	Record(command, cwd string, submittedAt time.Time)
}

// Service manages command history persistence on a sqlite store.
type Service struct {
	db     *storage.DB
	logger *slog.Logger

	writeCh  chan *writeRequest
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	dropped atomic.Uint64
	skipped atomic.Uint64
}

// writeRequest is one unit of work for the writer goroutine: an insert
// when cmd is set, otherwise an exit-code back-fill.
type writeRequest struct {
	cmd       *storage.Command
	sessionID string
	exitCode  int
	resultCh  chan error // optional, for callers who want confirmation
}

// NewService creates a history service on db and starts its write
// worker.
func NewService(db *storage.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		db:      db,
		logger:  logger.With("component", "history"),
		writeCh: make(chan *writeRequest, writeQueueSize),
		stopCh:  make(chan struct{}),
	}

	svc.wg.Add(1)
	go svc.writeWorker()

	return svc
}

func (s *Service) writeWorker() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.writeCh:
			s.process(req)
		case <-s.stopCh:
			// Drain remaining writes before exiting.
			for {
				select {
				case req := <-s.writeCh:
					s.process(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) process(req *writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if req.cmd != nil {
		err = s.db.InsertCommand(ctx, req.cmd)
	} else {
		err = s.db.UpdateLastExitCode(ctx, req.sessionID, req.exitCode)
	}
	if err != nil {
		s.logger.Warn("history write failed", "error", err)
	}

	if req.resultCh != nil {
		req.resultCh <- err
		close(req.resultCh)
	}
}

func (s *Service) enqueue(req *writeRequest) bool {
	select {
	case s.writeCh <- req:
		return true
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("history write buffer full", "dropped_total", n)
		return false
	}
}

// RecordCommand asynchronously persists a command. A zero submittedAt
// means now.
func (s *Service) RecordCommand(sessionID, shell, cwd, cmdText string, submittedAt time.Time) {
	cmd := s.buildCommand(sessionID, shell, cwd, cmdText, submittedAt)
	if cmd == nil {
		return
	}
	s.enqueue(&writeRequest{cmd: cmd})
}

// RecordCommandSync persists a command and waits for the write to
// land. Use sparingly; the async path is the normal one.
func (s *Service) RecordCommandSync(sessionID, shell, cwd, cmdText string, submittedAt time.Time) error {
	cmd := s.buildCommand(sessionID, shell, cwd, cmdText, submittedAt)
	if cmd == nil {
		return nil
	}
	resultCh := make(chan error, 1)
	if !s.enqueue(&writeRequest{cmd: cmd, resultCh: resultCh}) {
		return nil
	}
	return <-resultCh
}

// CompleteCommand back-fills the exit code of the newest command
// recorded for sessionID. Riding the same queue as inserts keeps the
// back-fill ordered after the insert it targets.
func (s *Service) CompleteCommand(sessionID string, exitCode int) {
	s.enqueue(&writeRequest{sessionID: sessionID, exitCode: exitCode})
}

func (s *Service) buildCommand(sessionID, shell, cwd, cmdText string, submittedAt time.Time) *storage.Command {
	sanitized := sanitizeCommand(cmdText)
	if sanitized == "" {
		return nil
	}
	if sensitiveCommand(sanitized) {
		s.skipped.Add(1)
		s.logger.Debug("sensitive command withheld from history")
		return nil
	}
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}
	return &storage.Command{
		Timestamp:   submittedAt,
		SessionID:   sessionID,
		Shell:       shell,
		Cwd:         cwd,
		CommandText: sanitized,
	}
}

// ForSession returns a recorder that stamps the session identity onto
// every record. It satisfies the correlator's history sink.
func (s *Service) ForSession(sessionID, shell string) *SessionRecorder {
	return &SessionRecorder{svc: s, sessionID: sessionID, shell: shell}
}

// SessionRecorder binds a Service to one session's identity.
type SessionRecorder struct {
	svc       *Service
	sessionID string
	shell     string
}

// Record persists a submission under the recorder's session.
func (r *SessionRecorder) Record(command, cwd string, submittedAt time.Time) {
	r.svc.RecordCommand(r.sessionID, r.shell, cwd, command, submittedAt)
}

// GetRecent retrieves the limit most recent commands.
func (s *Service) GetRecent(ctx context.Context, limit int) ([]*storage.Command, error) {
	return s.db.GetRecentCommands(ctx, limit)
}

// Search finds commands whose text starts with prefix.
func (s *Service) Search(ctx context.Context, prefix string, limit int) ([]*storage.Command, error) {
	return s.db.SearchCommands(ctx, prefix, limit)
}

// GetBySession retrieves one session's most recent commands.
func (s *Service) GetBySession(ctx context.Context, sessionID string, limit int) ([]*storage.Command, error) {
	return s.db.GetCommandsBySession(ctx, sessionID, limit)
}

// Frequencies aggregates usage counts for commands starting with
// prefix.
func (s *Service) Frequencies(ctx context.Context, prefix string, limit int) ([]storage.Frequency, error) {
	return s.db.CommandFrequencies(ctx, prefix, limit)
}

// Dropped returns how many records were lost to a full write queue.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

// Skipped returns how many records were withheld by the sensitive
// command filter.
func (s *Service) Skipped() uint64 { return s.skipped.Load() }

// Close flushes pending writes and stops the worker. The underlying
// store stays open; its owner closes it.
func (s *Service) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}

// sensitivePattern matches assignments that visibly carry a credential,
// like "export API_KEY=..." or "curl -H token: ...".
var sensitivePattern = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key)\b\s*[=:]`)

func sensitiveCommand(cmdText string) bool {
	return sensitivePattern.MatchString(cmdText)
}

// sanitizeCommand cleans command text before storage: surrounding
// whitespace goes, and embedded newlines flatten so a record stays one
// line everywhere it is rendered.
func sanitizeCommand(cmdText string) string {
	cleaned := strings.TrimSpace(cmdText)
	if cleaned == "" {
		return ""
	}
	cleaned = strings.ReplaceAll(cleaned, "\r\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	return cleaned
}
