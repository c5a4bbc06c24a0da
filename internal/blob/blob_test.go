package blob

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fota/internal/model"
)

func firmwareBytes() []byte {
	// Padding-heavy, like a real flash image.
	return append([]byte("\xe9\x03\x02\x20esp32"), bytes.Repeat([]byte{0xff}, 4096)...)
}

func TestStore_WriteOpen_AllCompressions(t *testing.T) {
	data := firmwareBytes()

	for _, c := range allCompressions {
		t.Run(string(c), func(t *testing.T) {
			s, err := Open(t.TempDir(), c, nil)
			require.NoError(t, err)

			info, err := s.Write("1.0.0", bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), info.Size)
			assert.Equal(t, model.DigestOf(data), info.Digest)
			assert.Equal(t, c, info.Compression)
			assert.Equal(t, "firmware_1.0.0.bin", info.FileName)
			assert.True(t, s.Exists("1.0.0", c))

			got, err := s.ReadAll("1.0.0", c)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestStore_CompressedFilesAreSmaller(t *testing.T) {
	s, err := Open(t.TempDir(), CompressionZstd, nil)
	require.NoError(t, err)

	data := firmwareBytes()
	_, err = s.Write("1.0.0", bytes.NewReader(data))
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(s.Dir(), "firmware_1.0.0.bin.zst"))
	require.NoError(t, err)
	assert.Less(t, fi.Size(), int64(len(data)))
}

func TestStore_RewriteReplacesContent(t *testing.T) {
	s, err := Open(t.TempDir(), CompressionNone, nil)
	require.NoError(t, err)

	_, err = s.Write("1.0.2", strings.NewReader("old"))
	require.NoError(t, err)
	_, err = s.Write("1.0.2", strings.NewReader("new"))
	require.NoError(t, err)

	got, err := s.ReadAll("1.0.2", CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestStore_RewriteWithOtherCompressionDropsOldVariant(t *testing.T) {
	dir := t.TempDir()
	plain, err := Open(dir, CompressionNone, nil)
	require.NoError(t, err)
	_, err = plain.Write("2.0", strings.NewReader("plain"))
	require.NoError(t, err)

	packed, err := Open(dir, CompressionLZ4, nil)
	require.NoError(t, err)
	_, err = packed.Write("2.0", strings.NewReader("packed"))
	require.NoError(t, err)

	assert.False(t, packed.Exists("2.0", CompressionNone))

	infos, err := packed.Scan()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, CompressionLZ4, infos[0].Compression)
}

func TestStore_OpenMissing(t *testing.T) {
	s, err := Open(t.TempDir(), CompressionNone, nil)
	require.NoError(t, err)

	_, err = s.Open("9.9.9", CompressionNone)
	assert.ErrorIs(t, err, ErrNotExist)
}

// A failed upload must not leave anything that Scan or Open would pick up.
func TestStore_FailedWriteLeavesNothing(t *testing.T) {
	s, err := Open(t.TempDir(), CompressionNone, nil)
	require.NoError(t, err)

	_, err = s.Write("1.0.0", io.MultiReader(strings.NewReader("partial"), errReader{}))
	require.Error(t, err)

	assert.False(t, s.Exists("1.0.0", CompressionNone))
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_ScanAndDescribe(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, CompressionZstd, nil)
	require.NoError(t, err)

	_, err = s.Write("1.0.0", strings.NewReader("zstd image"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "firmware_1.0.1.bin"), []byte("dropped in by hand"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".upload-1.tmp"), []byte("partial"), 0o644))

	infos, err := s.Scan()
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byVersion := map[string]Info{}
	for _, info := range infos {
		byVersion[info.Version] = info
	}
	assert.Equal(t, CompressionZstd, byVersion["1.0.0"].Compression)
	assert.Equal(t, CompressionNone, byVersion["1.0.1"].Compression)

	described, err := s.Describe(byVersion["1.0.0"])
	require.NoError(t, err)
	assert.Equal(t, int64(len("zstd image")), described.Size)
	assert.Equal(t, model.DigestOf([]byte("zstd image")), described.Digest)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	c, err = ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
