package history

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djdanielsson/mosaicterm-sub001/internal/storage"
)

var testAt = time.Unix(1700000000, 0)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService(t *testing.T) (*Service, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	svc := NewService(db, discardLogger())
	t.Cleanup(func() {
		svc.Close()
		db.Close()
	})
	return svc, db
}

func TestRecordAndQuery(t *testing.T) {
	svc, _ := testService(t)

	if err := svc.RecordCommandSync("s1", "bash", "/home/mel", "git status", testAt); err != nil {
		t.Fatalf("RecordCommandSync: %v", err)
	}

	recent, err := svc.GetRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("recent = %d rows, want 1", len(recent))
	}
	got := recent[0]
	if got.SessionID != "s1" || got.Shell != "bash" || got.Cwd != "/home/mel" ||
		got.CommandText != "git status" || got.Timestamp.Unix() != testAt.Unix() {
		t.Fatalf("stored command = %+v", got)
	}

	hits, err := svc.Search(context.Background(), "git", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].CommandText != "git status" {
		t.Fatalf("search hits = %+v", hits)
	}
}

func TestRecorderStampsSession(t *testing.T) {
	svc, db := testService(t)

	var sink Sink = svc.ForSession("s9", "zsh")
	sink.Record("  ls -la  ", "/tmp", testAt)
	svc.Close() // drains the queue

	rows, err := db.GetCommandsBySession(context.Background(), "s9", 10)
	if err != nil {
		t.Fatalf("GetCommandsBySession: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Shell != "zsh" || rows[0].Cwd != "/tmp" || rows[0].CommandText != "ls -la" {
		t.Fatalf("stored command = %+v", rows[0])
	}
}

func TestEmptyAndSensitiveSkipped(t *testing.T) {
	svc, _ := testService(t)

	if err := svc.RecordCommandSync("s1", "bash", "/", "   ", testAt); err != nil {
		t.Fatalf("RecordCommandSync: %v", err)
	}
	if err := svc.RecordCommandSync("s1", "bash", "/", "export API_KEY=abc123", testAt); err != nil {
		t.Fatalf("RecordCommandSync: %v", err)
	}
	if err := svc.RecordCommandSync("s1", "bash", "/", "mysql --password=hunter2", testAt); err != nil {
		t.Fatalf("RecordCommandSync: %v", err)
	}
	if err := svc.RecordCommandSync("s1", "bash", "/", "git push", testAt); err != nil {
		t.Fatalf("RecordCommandSync: %v", err)
	}

	recent, err := svc.GetRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 1 || recent[0].CommandText != "git push" {
		t.Fatalf("recent = %+v, want only the git push", recent)
	}
	if got := svc.Skipped(); got != 2 {
		t.Fatalf("skipped = %d, want 2", got)
	}
}

func TestCompleteCommandBackfills(t *testing.T) {
	svc, db := testService(t)

	if err := svc.RecordCommandSync("s1", "bash", "/", "make test", testAt); err != nil {
		t.Fatalf("RecordCommandSync: %v", err)
	}
	svc.CompleteCommand("s1", 2)
	svc.Close()

	rows, err := db.GetCommandsBySession(context.Background(), "s1", 1)
	if err != nil {
		t.Fatalf("GetCommandsBySession: %v", err)
	}
	if len(rows) != 1 || rows[0].ExitCode == nil || *rows[0].ExitCode != 2 {
		t.Fatalf("stored command = %+v, want exit 2", rows[0])
	}
}

func TestMultilineCommandFlattened(t *testing.T) {
	svc, _ := testService(t)

	if err := svc.RecordCommandSync("s1", "bash", "/", "echo a\necho b", testAt); err != nil {
		t.Fatalf("RecordCommandSync: %v", err)
	}
	recent, err := svc.GetRecent(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 1 || recent[0].CommandText != "echo a echo b" {
		t.Fatalf("stored text = %q", recent[0].CommandText)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hist", "commands.txt")
	sink, err := NewFileSink(path, discardLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	sink.Record("ls", "/home/mel", testAt)
	sink.Record("  git status  ", "/home/mel", testAt)
	sink.Record("export TOKEN=abc", "/home/mel", testAt)
	sink.Record("printf 'a\nb'", "/home/mel", testAt)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("history file mode = %o, want 600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	want := []string{"ls", "git status", "printf 'a b'"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("file lines = %q, want %q", got, want)
	}
}

type collectSink struct {
	mu   sync.Mutex
	cmds []string
}

func (c *collectSink) Record(command, cwd string, submittedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, command)
}

func (c *collectSink) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cmds...)
}

func TestFanout(t *testing.T) {
	a := &collectSink{}
	b := &collectSink{}
	sink := Fanout(a, nil, b)

	sink.Record("ls", "/", testAt)

	if got := a.recorded(); len(got) != 1 || got[0] != "ls" {
		t.Fatalf("first sink = %q", got)
	}
	if got := b.recorded(); len(got) != 1 || got[0] != "ls" {
		t.Fatalf("second sink = %q", got)
	}
}
