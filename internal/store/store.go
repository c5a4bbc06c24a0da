package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"
)

// ErrEmptyKey is returned when a write names no key.
var ErrEmptyKey = errors.New("store: empty key")

// Record is one committed key/value pair.
type Record struct {
	Key       string
	Value     []byte
	Seq       int64
	UpdatedAt time.Time
}

// UpdateFunc computes the next value for a key from its current value.
// exists is false when the key has never been written. Returning an error
// aborts the write and leaves the key untouched.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Table is a keyed record store with atomic per-key upserts.
type Table interface {
	// Get returns the record for key and whether it exists.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Put unconditionally replaces the value for key.
	Put(ctx context.Context, key string, value []byte) (Record, error)

	// Update atomically replaces the value for key with fn's result.
	Update(ctx context.Context, key string, fn UpdateFunc) (Record, error)

	// List returns every record, ordered by Seq ascending.
	List(ctx context.Context) ([]Record, error)

	// Close releases resources held by the table.
	Close() error
}

// Backend selects a Table implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// ParseBackend validates a configured backend name.
func ParseBackend(name string) (Backend, error) {
	switch Backend(name) {
	case BackendFile, BackendSQLite, BackendMemory:
		return Backend(name), nil
	default:
		return "", fmt.Errorf("unknown store backend %q: must be one of file, sqlite, memory", name)
	}
}

// Options configures Open and OpenOrEmpty.
type Options struct {
	Backend Backend
	// Dir is the data directory shared by all tables.
	Dir string
	// Name identifies the table; it becomes a directory (file backend)
	// or a database file name (sqlite backend) under Dir.
	Name string
	// Logger receives warnings about skipped or quarantined data.
	Logger *slog.Logger
	// Now stamps Record.UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Backend == "" {
		o.Backend = BackendFile
	}
	return o
}

// Path returns where the table lives on disk. Memory tables have no path.
func (o Options) Path() string {
	switch o.Backend {
	case BackendSQLite:
		return filepath.Join(o.Dir, o.Name+".db")
	case BackendMemory:
		return ""
	default:
		return filepath.Join(o.Dir, o.Name)
	}
}

// Open opens the table described by opts, returning any error.
func Open(opts Options) (Table, error) {
	opts = opts.withDefaults()
	if opts.Name == "" {
		return nil, fmt.Errorf("store: table name is required")
	}

	switch opts.Backend {
	case BackendMemory:
		return NewMemoryTable(opts.Now), nil
	case BackendFile:
		return OpenFileTable(opts.Path(), opts.Logger, opts.Now)
	case BackendSQLite:
		return OpenSQLiteTable(opts.Path(), opts.Now)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", opts.Backend)
	}
}

// OpenOrEmpty opens the table described by opts and never fails. A sqlite
// database that cannot be opened is quarantined and recreated once; if the
// table still cannot be opened it degrades to an empty in-memory table so
// the rest of the service keeps answering.
func OpenOrEmpty(opts Options) Table {
	opts = opts.withDefaults()
	logger := opts.Logger.With("table", opts.Name, "backend", string(opts.Backend))

	table, err := Open(opts)
	if err == nil {
		return table
	}
	logger.Warn("store unreadable", "path", opts.Path(), "error", err)

	if opts.Backend == BackendSQLite {
		moved, qerr := quarantineSQLite(opts.Path(), opts.Now())
		if qerr != nil {
			logger.Error("quarantine failed", "path", opts.Path(), "error", qerr)
		} else if moved != "" {
			logger.Warn("moved unreadable database aside", "path", opts.Path(), "moved_to", moved)
			table, err = Open(opts)
			if err == nil {
				return table
			}
			logger.Warn("store still unreadable after quarantine", "error", err)
		}
	}

	logger.Error("falling back to empty in-memory table; writes will not persist", "error", err)
	return NewMemoryTable(opts.Now)
}
