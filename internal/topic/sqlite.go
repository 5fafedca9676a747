package topic

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tally/internal/payload"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on results(session_id, report_name)
const currentSchemaVersion = 1

// SQLiteStore is the durable Store. Uses WAL mode so readers are not
// blocked by the single writer.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a session database at the given path.
// Applies required pragmas and migrations automatically; safe to call
// multiple times against the same file.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer Store methods when available.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) SaveState(ctx context.Context, sessionID string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	return s.withSeq(ctx, sessionID, func(tx *sql.Tx, seq int) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO topic_states (session_id, state, seq)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, seq = excluded.seq
		`, sessionID, string(raw), seq)
		if err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) LoadState(ctx context.Context, sessionID string) (State, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM topic_states WHERE session_id = ?
	`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load state: %w", err)
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, false, fmt.Errorf("load state: %w", err)
	}
	return st, true, nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, sessionID string, p payload.Payload) error {
	raw, err := p.MarshalCanonical()
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}

	return s.withSeq(ctx, sessionID, func(tx *sql.Tx, seq int) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO results (session_id, seq, report_name, payload)
			VALUES (?, ?, ?, ?)
		`, sessionID, seq, p.ReportName, string(raw))
		if err != nil {
			return fmt.Errorf("save result: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) LastResult(ctx context.Context, sessionID string) (*payload.Payload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM results
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("last result: %w", err)
	}
	defer rows.Close()

	var results []payload.Payload
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("last result: %w", err)
		}
		var p payload.Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("last result: %w", err)
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("last result: %w", err)
	}

	st, _, err := s.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return selectLastResult(results, st), nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, sessionID, kind, content string) error {
	return s.withSeq(ctx, sessionID, func(tx *sql.Tx, seq int) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_messages (session_id, seq, kind, content)
			VALUES (?, ?, ?, ?)
		`, sessionID, seq, kind, content)
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Audit(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, content FROM audit_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Content); err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) SeenWriteKey(ctx context.Context, sessionID, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM write_keys WHERE session_id = ? AND idempotency_key = ?
	`, sessionID, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen write key: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordWriteKey(ctx context.Context, sessionID, key string) error {
	return s.withSeq(ctx, sessionID, func(tx *sql.Tx, seq int) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO write_keys (session_id, idempotency_key, seq)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id, idempotency_key) DO NOTHING
		`, sessionID, key, seq)
		if err != nil {
			return fmt.Errorf("record write key: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ClearWriteKeys(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM write_keys WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return fmt.Errorf("clear write keys: %w", err)
	}
	return nil
}

// withSeq runs fn inside a transaction with the session's next logical
// sequence number. The session row is created on first use.
func (s *SQLiteStore) withSeq(ctx context.Context, sessionID string, fn func(tx *sql.Tx, seq int) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id) VALUES (?)
		ON CONFLICT(id) DO NOTHING
	`, sessionID); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_seq = last_seq + 1 WHERE id = ?
	`, sessionID); err != nil {
		return fmt.Errorf("bump seq: %w", err)
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `
		SELECT last_seq FROM sessions WHERE id = ?
	`, sessionID).Scan(&seq); err != nil {
		return fmt.Errorf("read seq: %w", err)
	}

	if err := fn(tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the results report-name index for databases created
// before it landed in schema.sql. CREATE INDEX IF NOT EXISTS is a
// no-op on new databases.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_results_session_report
		ON results(session_id, report_name)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
