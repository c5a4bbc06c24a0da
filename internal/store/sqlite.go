package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on records.seq for ordered listing and next-seq lookup
const currentSchemaVersion = 1

// SQLiteTable is a Table backed by its own SQLite database file.
type SQLiteTable struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteTable creates or opens the database at path. Applies required
// pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - immediate transactions, so a read-modify-write holds the write lock
//     from its first statement
//
// This function is idempotent - safe to call multiple times.
func OpenSQLiteTable(path string, now func() time.Time) (*SQLiteTable, error) {
	if now == nil {
		now = time.Now
	}

	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
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

	return &SQLiteTable{db: db, now: now}, nil
}

func (t *SQLiteTable) Get(ctx context.Context, key string) (Record, bool, error) {
	rec := Record{Key: key}
	var updatedAt int64
	err := t.db.QueryRowContext(ctx, `
		SELECT value, seq, updated_at FROM records WHERE key = ?
	`, key).Scan(&rec.Value, &rec.Seq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %q: %w", key, err)
	}
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return rec, true, nil
}

func (t *SQLiteTable) Put(ctx context.Context, key string, value []byte) (Record, error) {
	return t.Update(ctx, key, func([]byte, bool) ([]byte, error) { return value, nil })
}

// Update runs fn inside an immediate transaction. The commit order of
// transactions is the sequence order.
func (t *SQLiteTable) Update(ctx context.Context, key string, fn UpdateFunc) (Record, error) {
	if key == "" {
		return Record{}, ErrEmptyKey
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("update %q: begin tx: %w", key, err)
	}
	defer tx.Rollback() // No-op if committed

	var current []byte
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return Record{}, fmt.Errorf("update %q: read current: %w", key, err)
	}

	next, err := fn(current, exists)
	if err != nil {
		return Record{}, err
	}
	if next == nil {
		next = []byte{}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM records`).Scan(&seq); err != nil {
		return Record{}, fmt.Errorf("update %q: next seq: %w", key, err)
	}

	now := t.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (key, value, seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`, key, next, seq, now.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("update %q: upsert: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("update %q: commit: %w", key, err)
	}

	return Record{Key: key, Value: next, Seq: seq, UpdatedAt: time.Unix(0, now.UnixNano())}, nil
}

// List returns all records ordered by seq.
func (t *SQLiteTable) List(ctx context.Context) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT key, value, seq, updated_at
		FROM records
		ORDER BY seq ASC, key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var updatedAt int64
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Seq, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.UpdatedAt = time.Unix(0, updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

// Close closes the database connection.
func (t *SQLiteTable) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
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
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes seq. Without it MAX(seq) scans the whole table on
// every write.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_records_seq ON records(seq)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (t *SQLiteTable) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := t.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// quarantineSQLite moves an unreadable database and its WAL side files out
// of the way. It returns the new path of the main file, or "" when there
// was nothing to move.
func quarantineSQLite(path string, now time.Time) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}

	moved := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if err := os.Rename(path, moved); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		side := path + suffix
		if _, err := os.Stat(side); err == nil {
			_ = os.Rename(side, moved+suffix)
		}
	}
	return moved, nil
}
