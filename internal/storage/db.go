package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite command store.
type DB struct {
	conn *sql.DB
}

// NewDB opens or creates the database at dbPath and initializes the
// schema. Pass ":memory:" for an in-memory database in tests. The
// history file holds every command a user ever typed, so it is
// restricted to owner read/write.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc's driver returns SQLITE_BUSY under concurrent writers; a
	// single connection sidesteps it.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if dbPath != ":memory:" {
		if err := os.Chmod(dbPath, 0o600); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to restrict database permissions: %w", err)
		}
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		shell TEXT NOT NULL,
		cwd TEXT,
		command_text TEXT NOT NULL,
		exit_code INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_ts ON commands(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);
	CREATE INDEX IF NOT EXISTS idx_commands_text ON commands(command_text);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// InsertCommand adds a command record and fills in its assigned id.
func (db *DB) InsertCommand(ctx context.Context, cmd *Command) error {
	query := `
		INSERT INTO commands (ts, session_id, shell, cwd, command_text, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.conn.ExecContext(ctx, query,
		cmd.Timestamp.Unix(),
		cmd.SessionID,
		cmd.Shell,
		cmd.Cwd,
		cmd.CommandText,
		cmd.ExitCode,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	cmd.ID = id
	return nil
}

// GetRecentCommands retrieves the limit most recent commands.
func (db *DB) GetRecentCommands(ctx context.Context, limit int) ([]*Command, error) {
	query := `
		SELECT id, ts, session_id, shell, cwd, command_text, exit_code
		FROM commands
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent commands: %w", err)
	}
	defer rows.Close()

	return db.scanCommands(rows)
}

// SearchCommands returns commands whose text starts with prefix.
func (db *DB) SearchCommands(ctx context.Context, prefix string, limit int) ([]*Command, error) {
	query := `
		SELECT id, ts, session_id, shell, cwd, command_text, exit_code
		FROM commands
		WHERE command_text LIKE ? ESCAPE '\'
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search commands: %w", err)
	}
	defer rows.Close()

	return db.scanCommands(rows)
}

// GetCommandsBySession retrieves the most recent commands of one session.
func (db *DB) GetCommandsBySession(ctx context.Context, sessionID string, limit int) ([]*Command, error) {
	query := `
		SELECT id, ts, session_id, shell, cwd, command_text, exit_code
		FROM commands
		WHERE session_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands by session: %w", err)
	}
	defer rows.Close()

	return db.scanCommands(rows)
}

// CommandFrequencies aggregates per-command-text usage counts and last
// use, most used first, restricted to texts starting with prefix when
// one is given.
func (db *DB) CommandFrequencies(ctx context.Context, prefix string, limit int) ([]Frequency, error) {
	query := `
		SELECT command_text, COUNT(*), MAX(ts)
		FROM commands
		WHERE command_text LIKE ? ESCAPE '\'
		GROUP BY command_text
		ORDER BY COUNT(*) DESC, MAX(ts) DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query command frequencies: %w", err)
	}
	defer rows.Close()

	var freqs []Frequency
	for rows.Next() {
		var f Frequency
		var lastUnix int64
		if err := rows.Scan(&f.CommandText, &f.Uses, &lastUnix); err != nil {
			return nil, fmt.Errorf("failed to scan frequency row: %w", err)
		}
		f.LastUsed = time.Unix(lastUnix, 0)
		freqs = append(freqs, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frequency rows: %w", err)
	}
	return freqs, nil
}

func (db *DB) scanCommands(rows *sql.Rows) ([]*Command, error) {
	var commands []*Command

	for rows.Next() {
		var cmd Command
		var tsUnix int64
		var exitCode sql.NullInt64

		err := rows.Scan(
			&cmd.ID,
			&tsUnix,
			&cmd.SessionID,
			&cmd.Shell,
			&cmd.Cwd,
			&cmd.CommandText,
			&exitCode,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}

		cmd.Timestamp = time.Unix(tsUnix, 0)
		if exitCode.Valid {
			val := int(exitCode.Int64)
			cmd.ExitCode = &val
		}

		commands = append(commands, &cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command rows: %w", err)
	}

	return commands, nil
}

// UpdateLastExitCode back-fills the exit code of the newest command
// recorded for sessionID. Records are inserted when a command is
// submitted, before its exit code exists; the completion catches up
// here.
func (db *DB) UpdateLastExitCode(ctx context.Context, sessionID string, exitCode int) error {
	query := `
		UPDATE commands SET exit_code = ?
		WHERE id = (
			SELECT id FROM commands
			WHERE session_id = ?
			ORDER BY ts DESC, id DESC
			LIMIT 1
		)
	`

	if _, err := db.conn.ExecContext(ctx, query, exitCode, sessionID); err != nil {
		return fmt.Errorf("failed to update exit code: %w", err)
	}
	return nil
}

// escapeLike neutralizes LIKE metacharacters so a prefix containing %
// or _ matches literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
