// Package blob stores firmware binaries on disk, one file per version.
//
// Binaries are streamed into a temp file in the same directory, fsynced and
// renamed into place, so a reader never observes a partially written
// binary. The catalog publishes its index entry only after Write returns,
// which keeps an upload invisible until it is complete.
//
// Files may be compressed at rest with zstd or lz4. Digests and sizes
// always describe the uncompressed firmware, and Open always returns
// uncompressed bytes.
package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/roach88/fota/internal/model"
)

// Compression identifies how a binary is stored on disk.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression validates a configured compression name. An empty name
// means no compression.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, CompressionLZ4:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("unknown compression %q: must be one of none, zstd, lz4", name)
	}
}

// suffix is appended to the firmware file name on disk.
func (c Compression) suffix() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

var allCompressions = []Compression{CompressionNone, CompressionZstd, CompressionLZ4}

// ErrNotExist is returned when no binary is stored for a version.
var ErrNotExist = errors.New("blob does not exist")

// Store is a directory of firmware binaries.
type Store struct {
	dir         string
	compression Compression
	logger      *slog.Logger
}

// Info describes a stored binary.
type Info struct {
	Version     string
	FileName    string
	Size        int64
	Digest      model.Digest
	Compression Compression
	ModTime     time.Time
}

// Open creates dir if needed and returns a Store that compresses new
// binaries with compression.
func Open(dir string, compression Compression, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if compression == "" {
		compression = CompressionNone
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating firmware directory %s: %w", dir, err)
	}
	return &Store{dir: dir, compression: compression, logger: logger}, nil
}

// Dir returns the directory binaries are stored in.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(version string, c Compression) string {
	return filepath.Join(s.dir, model.FirmwareFileName(version)+c.suffix())
}

// Write streams r into the binary for version, replacing any previous
// binary for that version. The returned Info describes the uncompressed
// content.
func (s *Store) Write(version string, r io.Reader) (Info, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*.tmp")
	if err != nil {
		return Info{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	compressor, err := s.newCompressor(tmp)
	if err != nil {
		return Info{}, err
	}

	hasher := model.NewHasher()
	size, err := io.Copy(io.MultiWriter(compressor, hasher), r)
	if err != nil {
		return Info{}, fmt.Errorf("writing firmware %s: %w", version, err)
	}
	if err := compressor.Close(); err != nil {
		return Info{}, fmt.Errorf("flushing firmware %s: %w", version, err)
	}
	if err := tmp.Sync(); err != nil {
		return Info{}, fmt.Errorf("syncing firmware %s: %w", version, err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("closing firmware %s: %w", version, err)
	}

	finalPath := s.path(version, s.compression)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Info{}, fmt.Errorf("publishing firmware %s: %w", version, err)
	}
	success = true

	// A re-upload under a different compression setting leaves the old
	// variant behind; drop it so Scan sees one binary per version.
	for _, c := range allCompressions {
		if c == s.compression {
			continue
		}
		if err := os.Remove(s.path(version, c)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("could not remove superseded firmware file", "version", version, "error", err)
		}
	}

	return Info{
		Version:     version,
		FileName:    model.FirmwareFileName(version),
		Size:        size,
		Digest:      hasher.Digest(),
		Compression: s.compression,
		ModTime:     time.Now(),
	}, nil
}

// Open returns a reader over the uncompressed binary for version stored
// with compression c.
func (s *Store) Open(version string, c Compression) (io.ReadCloser, error) {
	f, err := os.Open(s.path(version, c))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("firmware %s: %w", version, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("opening firmware %s: %w", version, err)
	}

	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening zstd stream for %s: %w", version, err)
		}
		return &readCloser{Reader: dec, close: func() error {
			dec.Close()
			return f.Close()
		}}, nil
	case CompressionLZ4:
		return &readCloser{Reader: lz4.NewReader(f), close: f.Close}, nil
	default:
		return f, nil
	}
}

// ReadAll returns the whole uncompressed binary.
func (s *Store) ReadAll(version string, c Compression) ([]byte, error) {
	rc, err := s.Open(version, c)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading firmware %s: %w", version, err)
	}
	return data, nil
}

// Exists reports whether a binary for version is stored with compression c.
func (s *Store) Exists(version string, c Compression) bool {
	_, err := os.Stat(s.path(version, c))
	return err == nil
}

// Scan lists the binaries found on disk without reading them. Files that
// do not follow the firmware naming convention are ignored, as are
// leftover temp files. When more than one compression variant exists for
// a version the most recently modified one wins.
func (s *Store) Scan() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing firmware directory %s: %w", s.dir, err)
	}

	found := make(map[string]Info)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, c, ok := parseStoredName(entry.Name())
		if !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("skipping firmware file", "name", entry.Name(), "error", err)
			}
			continue
		}
		info := Info{
			Version:     version,
			FileName:    model.FirmwareFileName(version),
			Compression: c,
			ModTime:     fi.ModTime(),
		}
		if c == CompressionNone {
			info.Size = fi.Size()
		}
		if prev, dup := found[version]; dup && !info.ModTime.After(prev.ModTime) {
			continue
		}
		found[version] = info
	}

	infos := make([]Info, 0, len(found))
	for _, info := range found {
		infos = append(infos, info)
	}
	return infos, nil
}

// Describe reads a stored binary once to fill in its uncompressed size and
// digest. Used when indexing binaries that have no catalog entry.
func (s *Store) Describe(info Info) (Info, error) {
	rc, err := s.Open(info.Version, info.Compression)
	if err != nil {
		return Info{}, err
	}
	defer rc.Close()

	hasher := model.NewHasher()
	size, err := io.Copy(hasher, rc)
	if err != nil {
		return Info{}, fmt.Errorf("hashing firmware %s: %w", info.Version, err)
	}
	info.Size = size
	info.Digest = hasher.Digest()
	return info, nil
}

func parseStoredName(name string) (string, Compression, bool) {
	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		if strings.HasSuffix(name, c.suffix()) {
			version, ok := model.ParseFirmwareFileName(strings.TrimSuffix(name, c.suffix()))
			return version, c, ok
		}
	}
	version, ok := model.ParseFirmwareFileName(name)
	return version, CompressionNone, ok
}

func (s *Store) newCompressor(w io.Writer) (io.WriteCloser, error) {
	switch s.compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return enc, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
