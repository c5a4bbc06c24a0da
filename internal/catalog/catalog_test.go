package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fota/internal/blob"
	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/store"
	"github.com/roach88/fota/internal/testutil"
)

type fixture struct {
	dir   string
	blobs *blob.Store
	index store.Table
	clock *testutil.StepClock
}

func newFixture(t *testing.T, compression blob.Compression) *fixture {
	t.Helper()
	dir := t.TempDir()

	blobs, err := blob.Open(filepath.Join(dir, "firmwares"), compression, nil)
	require.NoError(t, err)

	index, err := store.OpenFileTable(filepath.Join(dir, "catalog"), nil, nil)
	require.NoError(t, err)

	return &fixture{
		dir:   dir,
		blobs: blobs,
		index: index,
		clock: testutil.NewStepClock(time.Time{}, time.Second),
	}
}

func (f *fixture) open(t *testing.T, cmp model.Comparator) *Catalog {
	t.Helper()
	return Open(context.Background(), Options{
		Blobs:     f.blobs,
		Index:     f.index,
		PublicURL: "http://fw.example:8008/",
		Compare:   cmp,
		Now:       f.clock.Now,
	})
}

func TestUpload_ThenResolve(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, nil)

	img, err := c.Upload(ctx, "1.0.0", "build.bin", []byte("AAA"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", img.Version)
	assert.Equal(t, "firmware_1.0.0.bin", img.FileName)
	assert.Equal(t, int64(3), img.Size)
	assert.Equal(t, model.DigestOf([]byte("AAA")), img.Digest)
	assert.Equal(t, testutil.Epoch, img.UploadedAt)

	data, url, err := c.Resolve(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("AAA"), data)
	assert.Equal(t, "http://fw.example:8008/firmwares/firmware_1.0.0.bin", url)
}

func TestUpload_SameVersionLastWriteWins(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, nil)

	_, err := c.Upload(ctx, "1.0.0", "a.bin", []byte("AAA"))
	require.NoError(t, err)
	_, err = c.Upload(ctx, "1.0.0", "b.bin", []byte("BBBB"))
	require.NoError(t, err)

	data, _, err := c.Resolve(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBB"), data)
	assert.Equal(t, []string{"1.0.0"}, c.ListVersions(ctx))
}

func TestUpload_Rejections(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, nil)

	tests := []struct {
		name     string
		version  string
		filename string
		want     error
	}{
		{"empty version", "", "fw.bin", model.ErrInvalidVersionIdentifier},
		{"blank version", "   ", "fw.bin", model.ErrInvalidVersionIdentifier},
		{"path traversal", "../../etc/passwd", "fw.bin", model.ErrInvalidVersionIdentifier},
		{"separator", "1.0/2", "fw.bin", model.ErrInvalidVersionIdentifier},
		{"wrong extension", "1.0.0", "fw.hex", model.ErrInvalidFileType},
		{"no extension", "1.0.0", "firmware", model.ErrInvalidFileType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Upload(ctx, tt.version, tt.filename, []byte("x"))
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, c.ListVersions(ctx))
	entries, err := os.ReadDir(c.blobs.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpload_UppercaseExtensionAccepted(t *testing.T) {
	c := newFixture(t, blob.CompressionNone).open(t, nil)
	_, err := c.Upload(context.Background(), "2.0", "FW.BIN", []byte("x"))
	require.NoError(t, err)
}

func TestGetLatest_Lexical(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, nil)

	for _, v := range []string{"1.0.0", "1.0.10", "1.0.2"} {
		_, err := c.Upload(ctx, v, "fw.bin", []byte(v))
		require.NoError(t, err)
	}

	latest, err := c.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.2", latest)
	assert.Equal(t, []string{"1.0.2", "1.0.10", "1.0.0"}, c.ListVersions(ctx))
}

func TestGetLatest_Natural(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, model.NaturalCompare)

	for _, v := range []string{"1.0.0", "1.0.10", "1.0.2"} {
		_, err := c.Upload(ctx, v, "fw.bin", []byte(v))
		require.NoError(t, err)
	}

	latest, err := c.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.10", latest)
}

func TestGetLatest_Empty(t *testing.T) {
	c := newFixture(t, blob.CompressionNone).open(t, nil)
	_, err := c.GetLatest(context.Background())
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolve_NotFound(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, nil)

	_, _, err := c.Resolve(ctx, "9.9.9")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, _, err = c.Resolve(ctx, "../secret")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolve_BinaryRemovedBehindOurBack(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, nil)

	_, err := c.Upload(ctx, "1.0.0", "fw.bin", []byte("AAA"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(c.blobs.Dir(), "firmware_1.0.0.bin")))

	_, _, err = c.Resolve(ctx, "1.0.0")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestOpen_StreamsCompressedBinary(t *testing.T) {
	ctx := context.Background()
	for _, comp := range []blob.Compression{blob.CompressionZstd, blob.CompressionLZ4} {
		t.Run(string(comp), func(t *testing.T) {
			c := newFixture(t, comp).open(t, nil)
			payload := []byte("firmware payload firmware payload firmware payload")

			img, err := c.Upload(ctx, "3.1", "fw.bin", payload)
			require.NoError(t, err)
			assert.Equal(t, string(comp), img.Compression)
			assert.Equal(t, int64(len(payload)), img.Size)

			rc, got, err := c.Open(ctx, "3.1")
			require.NoError(t, err)
			defer rc.Close()
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, payload, data)
			assert.Equal(t, img, got)
		})
	}
}

func TestReopen_RestoresIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, blob.CompressionNone)
	c := f.open(t, nil)

	img, err := c.Upload(ctx, "1.0.0", "fw.bin", []byte("AAA"))
	require.NoError(t, err)

	reopened := f.open(t, nil)
	got, err := reopened.Get(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, img.Digest, got.Digest)
	assert.True(t, img.UploadedAt.Equal(got.UploadedAt))
}

func TestReopen_IndexesOrphanBinaries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, blob.CompressionNone)

	// Dropped in by hand, the way the old server left its firmware directory.
	require.NoError(t, os.WriteFile(filepath.Join(f.blobs.Dir(), "firmware_0.9.bin"), []byte("legacy"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.blobs.Dir(), "notes.txt"), []byte("ignored"), 0o644))

	c := f.open(t, nil)
	assert.Equal(t, []string{"0.9"}, c.ListVersions(ctx))

	img, err := c.Get(ctx, "0.9")
	require.NoError(t, err)
	assert.Equal(t, int64(6), img.Size)
	assert.Equal(t, model.DigestOf([]byte("legacy")), img.Digest)

	rec, ok, err := f.index.Get(ctx, "0.9")
	require.NoError(t, err)
	require.True(t, ok, "orphan binary should be written to the index")
	assert.NotEmpty(t, rec.Value)
}

func TestReopen_DropsEntriesWithoutBinary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, blob.CompressionNone)
	c := f.open(t, nil)

	_, err := c.Upload(ctx, "1.0.0", "fw.bin", []byte("AAA"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.blobs.Dir(), "firmware_1.0.0.bin")))

	reopened := f.open(t, nil)
	assert.Empty(t, reopened.ListVersions(ctx))
	assert.False(t, reopened.Has("1.0.0"))
}

func TestReopen_SkipsCorruptIndexEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, blob.CompressionNone)
	c := f.open(t, nil)

	_, err := c.Upload(ctx, "1.0.0", "fw.bin", []byte("AAA"))
	require.NoError(t, err)
	_, err = f.index.Put(ctx, "1.0.0", []byte{0xff, 0x00})
	require.NoError(t, err)

	// The binary is still there, so the version is re-described from disk.
	reopened := f.open(t, nil)
	img, err := reopened.Get(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, model.DigestOf([]byte("AAA")), img.Digest)
}

func TestURL_EscapesDanglingVersions(t *testing.T) {
	c := newFixture(t, blob.CompressionNone).open(t, nil)
	assert.Equal(t, "http://fw.example:8008/firmwares/firmware_a%20b.bin", c.URL("a b"))
}

func TestConcurrentUploadsAndResolves(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, nil)

	const versions = 8
	var wg sync.WaitGroup
	for i := 0; i < versions; i++ {
		v := fmt.Sprintf("v%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := c.Upload(ctx, v, "fw.bin", []byte(fmt.Sprintf("%s-%d", v, j)))
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				data, _, err := c.Resolve(ctx, v)
				if err != nil {
					assert.ErrorIs(t, err, model.ErrNotFound)
					continue
				}
				// Never a torn read: always one complete upload.
				assert.Regexp(t, `^v\d-\d$`, string(data))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, c.ListVersions(ctx), versions)
	for i := 0; i < versions; i++ {
		data, _, err := c.Resolve(ctx, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d-4", i), string(data))
	}
}

func TestCatalog_SeesUploadsFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, blob.CompressionNone)
	server := f.open(t, nil)

	_, err := server.Upload(ctx, "1.0.0", "fw.bin", []byte("AAA"))
	require.NoError(t, err)

	// A second catalog over its own handles to the same directories.
	blobs, err := blob.Open(f.blobs.Dir(), blob.CompressionNone, nil)
	require.NoError(t, err)
	index, err := store.OpenFileTable(filepath.Join(f.dir, "catalog"), nil, nil)
	require.NoError(t, err)
	offline := Open(ctx, Options{Blobs: blobs, Index: index, Now: f.clock.Now})
	_, err = offline.Upload(ctx, "2.0.0", "fw.bin", []byte("BBBB"))
	require.NoError(t, err)
	_, err = offline.Upload(ctx, "1.0.0", "fw.bin", []byte("CC"))
	require.NoError(t, err)

	latest, err := server.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest)
	assert.Equal(t, []string{"2.0.0", "1.0.0"}, server.ListVersions(ctx))

	img, err := server.Get(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), img.Size)
	assert.Equal(t, model.DigestOf([]byte("CC")), img.Digest)
}

func TestGetAndHas_NormalizeLikeUpload(t *testing.T) {
	ctx := context.Background()
	c := newFixture(t, blob.CompressionNone).open(t, nil)

	_, err := c.Upload(ctx, "１.０.３", "fw.bin", []byte("AAA"))
	require.NoError(t, err)

	assert.True(t, c.Has("１.０.３"))
	assert.True(t, c.Has(" 1.0.3 "))
	img, err := c.Get(ctx, "１.０.３")
	require.NoError(t, err)
	assert.Equal(t, "1.0.3", img.Version)

	assert.False(t, c.Has(""))
	_, err = c.Get(ctx, "../x")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// failingIndex accepts reads but rejects every write.
type failingIndex struct {
	store.Table
	fail bool
}

func (f *failingIndex) Put(ctx context.Context, key string, value []byte) (store.Record, error) {
	if f.fail {
		return store.Record{}, fmt.Errorf("disk full")
	}
	return f.Table.Put(ctx, key, value)
}

func TestUpload_IndexWriteFailureStillDescribesNewBinary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, blob.CompressionNone)
	index := &failingIndex{Table: f.index}
	c := Open(ctx, Options{Blobs: f.blobs, Index: index, Now: f.clock.Now})

	_, err := c.Upload(ctx, "1.0.0", "fw.bin", []byte("AAA"))
	require.NoError(t, err)

	index.fail = true
	_, err = c.Upload(ctx, "1.0.0", "fw.bin", []byte("BBBBB"))
	require.Error(t, err)

	rc, img, err := c.Open(ctx, "1.0.0")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBBB"), data)
	assert.Equal(t, int64(len(data)), img.Size)
	assert.Equal(t, model.DigestOf(data), img.Digest)
}
