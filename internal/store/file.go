package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// recordKeyDomain is the BLAKE3 key used to hash record keys into file
// names. Device ids such as MAC addresses contain ':' which is not safe on
// every filesystem, so keys never appear in paths directly.
var recordKeyDomain = [32]byte{
	'f', 'o', 't', 'a', '.', 's', 't', 'o', 'r', 'e', '.', 'r', 'e', 'c', 'o', 'r',
	'd', '.', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

const (
	recordSuffix = ".rec"
	tempPattern  = ".rec-*.tmp"
)

// staleTempAge is how old a temp file must be before open removes it.
// Younger temp files may belong to a write in flight from another process.
const staleTempAge = time.Minute

// envelope is the on-disk form of a Record. The original key is stored so
// a directory scan can list records without a separate index.
type envelope struct {
	Key       string    `cbor:"key"`
	Value     []byte    `cbor:"value"`
	Seq       int64     `cbor:"seq"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// FileTable stores one file per key. The files are the only state: every
// read goes to disk, so writes made by another process sharing the
// directory are visible without a reopen.
type FileTable struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
	seq    *seqClock
	locks  *KeyLocks
}

// OpenFileTable opens or creates the table rooted at root. Stale temp files
// are removed and the sequence clock resumes after the highest persisted
// sequence.
func OpenFileTable(root string, logger *slog.Logger, now func() time.Time) (*FileTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating table directory %s: %w", root, err)
	}

	t := &FileTable{
		root:   root,
		logger: logger,
		now:    now,
		locks:  NewKeyLocks(),
	}

	records, err := t.scan(true)
	if err != nil {
		return nil, fmt.Errorf("scanning table %s: %w", root, err)
	}
	var maxSeq int64
	for _, rec := range records {
		maxSeq = max(maxSeq, rec.Seq)
	}
	t.seq = newSeqClockAt(maxSeq)

	return t, nil
}

func (t *FileTable) Get(_ context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, nil
	}
	return t.readKey(key)
}

func (t *FileTable) Put(ctx context.Context, key string, value []byte) (Record, error) {
	return t.Update(ctx, key, func([]byte, bool) ([]byte, error) { return value, nil })
}

func (t *FileTable) Update(ctx context.Context, key string, fn UpdateFunc) (Record, error) {
	if key == "" {
		return Record{}, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	unlock := t.locks.Lock(key)
	defer unlock()

	current, exists, err := t.readKey(key)
	if err != nil {
		return Record{}, err
	}

	next, err := fn(bytes.Clone(current.Value), exists)
	if err != nil {
		return Record{}, err
	}

	// Another process may have committed this key with a sequence ahead
	// of ours; the new write must still order after it.
	rec := Record{
		Key:       key,
		Value:     bytes.Clone(next),
		Seq:       t.seq.NextAfter(current.Seq),
		UpdatedAt: t.now(),
	}
	if err := t.writeFile(rec); err != nil {
		return Record{}, err
	}

	return cloneRecord(rec), nil
}

func (t *FileTable) List(_ context.Context) ([]Record, error) {
	records, err := t.scan(false)
	if err != nil {
		return nil, fmt.Errorf("scanning table %s: %w", t.root, err)
	}
	sortBySeq(records)
	return records, nil
}

func (t *FileTable) Close() error { return nil }

// readKey reads the record file for key. A missing file is reported as
// absent; a file that cannot be decoded is logged and treated the same way.
func (t *FileTable) readKey(key string) (Record, bool, error) {
	path := t.recordPath(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reading record %q: %w", key, err)
	}

	rec, ok := t.decode(path, data)
	if !ok || rec.Key != key {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// decode parses one record file. Failures are logged and reported as !ok.
func (t *FileTable) decode(path string, data []byte) (Record, bool) {
	var env envelope
	if err := Unmarshal(data, &env); err != nil || env.Key == "" {
		t.logger.Warn("skipping corrupt record", "path", path, "error", err)
		return Record{}, false
	}
	if t.recordPath(env.Key) != path {
		t.logger.Warn("skipping misplaced record", "path", path, "key", env.Key)
		return Record{}, false
	}
	return Record{
		Key:       env.Key,
		Value:     env.Value,
		Seq:       env.Seq,
		UpdatedAt: env.UpdatedAt,
	}, true
}

// scan reads every record file under root. Record files that cannot be
// decoded are logged and skipped so one bad record never hides the others.
// With cleanup set, temp files older than staleTempAge are removed.
func (t *FileTable) scan(cleanup bool) ([]Record, error) {
	var records []Record

	err := filepath.WalkDir(t.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// A shard directory removed mid-walk is not an error.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}

		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") {
			if cleanup {
				t.removeStaleTemp(path, entry)
			}
			return nil
		}
		if !strings.HasSuffix(name, recordSuffix) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				t.logger.Warn("skipping unreadable record", "path", path, "error", err)
			}
			return nil
		}
		if rec, ok := t.decode(path, data); ok {
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

func (t *FileTable) removeStaleTemp(path string, entry fs.DirEntry) {
	info, err := entry.Info()
	if err != nil || time.Since(info.ModTime()) < staleTempAge {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.logger.Warn("could not remove stale temp file", "path", path, "error", err)
	}
}

// writeFile atomically replaces the record file for rec.Key.
func (t *FileTable) writeFile(rec Record) error {
	data, err := Marshal(envelope{
		Key:       rec.Key,
		Value:     rec.Value,
		Seq:       rec.Seq,
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding record %q: %w", rec.Key, err)
	}

	finalPath := t.recordPath(rec.Key)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	if err := writeFileAtomic(dir, finalPath, data); err != nil {
		return fmt.Errorf("writing record %q: %w", rec.Key, err)
	}
	return nil
}

// recordPath returns the sharded path for key.
func (t *FileTable) recordPath(key string) string {
	hasher, err := blake3.NewKeyed(recordKeyDomain[:])
	if err != nil {
		panic("store: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(key))
	sum := hex.EncodeToString(hasher.Sum(nil))
	return filepath.Join(t.root, sum[:2], sum+recordSuffix)
}

// writeFileAtomic writes data to a temp file in dir, syncs it and renames
// it over finalPath.
func writeFileAtomic(dir, finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	success = true
	syncDir(dir)
	return nil
}

// syncDir flushes directory metadata so the rename survives a crash.
// Failures are ignored: some filesystems do not support fsync on
// directories and the data file itself is already durable.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
