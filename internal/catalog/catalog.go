// Package catalog tracks uploaded firmware images keyed by version.
//
// A catalog is two resources: binaries in a blob.Store and an index table
// of model.FirmwareImage records. Upload writes the binary completely
// before publishing the index entry, and both steps run under the
// version's write lock, so Resolve never sees a half-written upload or a
// binary that does not match its index entry.
//
// Reads pick up index entries committed by other processes sharing the
// same data directory, such as offline CLI commands run next to a server.
//
// "Latest" is the greatest version under the configured comparator. The
// default comparator is lexical, which is not numeric aware.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/fota/internal/blob"
	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/store"
)

// DownloadPath is the URL path prefix binaries are served under.
const DownloadPath = "/firmwares/"

// Options configures a Catalog.
type Options struct {
	Blobs *blob.Store
	Index store.Table
	// PublicURL is the externally reachable base URL, used to build
	// download URLs. Trailing slashes are ignored.
	PublicURL string
	// Compare decides "latest". Defaults to model.LexicalCompare.
	Compare model.Comparator
	Now     func() time.Time
	Logger  *slog.Logger
}

// Catalog is the firmware catalog. It is safe for concurrent use; uploads
// of different versions proceed in parallel.
type Catalog struct {
	blobs     *blob.Store
	index     store.Table
	locks     *store.KeyLocks
	compare   model.Comparator
	publicURL string
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.RWMutex
	images map[string]model.FirmwareImage
	// seen holds the index sequence each image was last loaded from.
	seen map[string]int64
}

// Open loads the index and reconciles it with the binaries on disk:
// binaries without an index entry are described and indexed, and index
// entries whose binary is gone are left out. Open does not fail on
// unreadable data; it logs and continues with whatever it could load.
func Open(ctx context.Context, opts Options) *Catalog {
	if opts.Compare == nil {
		opts.Compare = model.LexicalCompare
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Catalog{
		blobs:     opts.Blobs,
		index:     opts.Index,
		locks:     store.NewKeyLocks(),
		compare:   opts.Compare,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		now:       opts.Now,
		logger:    opts.Logger.With("component", "catalog"),
		images:    make(map[string]model.FirmwareImage),
		seen:      make(map[string]int64),
	}
	c.load(ctx)
	return c
}

func (c *Catalog) load(ctx context.Context) {
	indexed := make(map[string]model.FirmwareImage)
	seqs := make(map[string]int64)
	records, err := c.index.List(ctx)
	if err != nil {
		c.logger.Error("catalog index unreadable, rebuilding from binaries", "error", err)
	}
	for _, rec := range records {
		img, ok := c.decodeEntry(rec)
		if !ok {
			continue
		}
		indexed[img.Version] = img
		seqs[img.Version] = rec.Seq
	}

	infos, err := c.blobs.Scan()
	if err != nil {
		c.logger.Error("firmware directory unreadable", "error", err)
		return
	}

	for _, info := range infos {
		if img, ok := indexed[info.Version]; ok && img.Compression == string(info.Compression) {
			c.images[info.Version] = img
			c.seen[info.Version] = seqs[info.Version]
			continue
		}

		described, err := c.blobs.Describe(info)
		if err != nil {
			c.logger.Warn("skipping unreadable firmware binary", "version", info.Version, "error", err)
			continue
		}
		img := imageFromInfo(described, info.ModTime)
		if rec, err := c.putIndex(ctx, img); err != nil {
			c.logger.Warn("could not index firmware binary", "version", img.Version, "error", err)
		} else {
			c.seen[img.Version] = rec.Seq
		}
		c.images[img.Version] = img
		c.logger.Info("indexed firmware binary found on disk", "version", img.Version, "size", img.Size)
	}

	for version := range indexed {
		if _, ok := c.images[version]; !ok {
			c.seen[version] = seqs[version]
			c.logger.Warn("catalog entry has no binary, not listing it", "version", version)
		}
	}
}

// refresh loads index entries committed since this catalog last saw them,
// typically by another process. An entry is only listed once its binary
// exists. Errors are logged and the current view is kept.
func (c *Catalog) refresh(ctx context.Context) {
	records, err := c.index.List(ctx)
	if err != nil {
		c.logger.Warn("catalog index unreadable, serving cached view", "error", err)
		return
	}

	c.mu.RLock()
	var changed []store.Record
	for _, rec := range records {
		if rec.Seq > c.seen[rec.Key] {
			changed = append(changed, rec)
		}
	}
	c.mu.RUnlock()
	if len(changed) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range changed {
		if rec.Seq <= c.seen[rec.Key] {
			continue
		}
		c.seen[rec.Key] = rec.Seq
		img, ok := c.decodeEntry(rec)
		if !ok || !c.blobs.Exists(img.Version, blob.Compression(img.Compression)) {
			continue
		}
		c.images[img.Version] = img
		c.logger.Debug("catalog entry loaded from index", "version", img.Version, "seq", rec.Seq)
	}
}

func (c *Catalog) decodeEntry(rec store.Record) (model.FirmwareImage, bool) {
	var img model.FirmwareImage
	if err := store.Unmarshal(rec.Value, &img); err != nil || img.Version != rec.Key {
		c.logger.Warn("skipping corrupt catalog entry", "version", rec.Key, "error", err)
		return model.FirmwareImage{}, false
	}
	return img, true
}

// Upload stores data as the binary for version, replacing any earlier
// image with the same version. filename is the operator's file name and
// must carry the .bin extension.
func (c *Catalog) Upload(ctx context.Context, version, filename string, data []byte) (model.FirmwareImage, error) {
	return c.UploadStream(ctx, version, filename, bytes.NewReader(data))
}

// UploadStream is Upload for callers that have a reader rather than a
// byte slice, such as a multipart request body.
func (c *Catalog) UploadStream(ctx context.Context, version, filename string, r io.Reader) (model.FirmwareImage, error) {
	v, err := model.NormalizeVersion(version)
	if err != nil {
		return model.FirmwareImage{}, err
	}
	if !model.HasFirmwareExtension(filename) {
		return model.FirmwareImage{}, fmt.Errorf("%w: got %q", model.ErrInvalidFileType, filename)
	}
	if err := ctx.Err(); err != nil {
		return model.FirmwareImage{}, err
	}

	unlock := c.locks.Lock(v)
	defer unlock()

	info, err := c.blobs.Write(v, r)
	if err != nil {
		return model.FirmwareImage{}, fmt.Errorf("upload %s: %w", v, err)
	}

	img := imageFromInfo(info, c.now())
	rec, err := c.putIndex(ctx, img)

	// The new binary is already in place, so it is what downloads serve
	// whether or not the index write went through.
	c.mu.Lock()
	c.images[v] = img
	if err == nil {
		c.seen[v] = rec.Seq
	}
	c.mu.Unlock()

	if err != nil {
		return model.FirmwareImage{}, fmt.Errorf("upload %s: %w", v, err)
	}

	c.logger.Info("firmware uploaded", "version", v, "size", img.Size, "digest", img.Digest.String())
	return img, nil
}

func (c *Catalog) putIndex(ctx context.Context, img model.FirmwareImage) (store.Record, error) {
	value, err := store.Marshal(img)
	if err != nil {
		return store.Record{}, fmt.Errorf("encoding catalog entry: %w", err)
	}
	rec, err := c.index.Put(ctx, img.Version, value)
	if err != nil {
		return store.Record{}, fmt.Errorf("writing catalog entry: %w", err)
	}
	return rec, nil
}

// GetLatest returns the greatest stored version, or model.ErrNotFound
// when the catalog is empty.
func (c *Catalog) GetLatest(ctx context.Context) (string, error) {
	c.refresh(ctx)
	latest, ok := model.Greatest(c.versions(), c.compare)
	if !ok {
		return "", fmt.Errorf("latest: %w", model.ErrNotFound)
	}
	return latest, nil
}

// Resolve returns the binary and download URL for version.
func (c *Catalog) Resolve(ctx context.Context, version string) ([]byte, string, error) {
	rc, img, err := c.Open(ctx, version)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", fmt.Errorf("resolve %s: %w", img.Version, err)
	}
	return data, c.URL(img.Version), nil
}

// Open returns a reader over the binary for version together with its
// index entry. The caller must close the reader.
func (c *Catalog) Open(ctx context.Context, version string) (io.ReadCloser, model.FirmwareImage, error) {
	v, err := model.NormalizeVersion(version)
	if err != nil {
		return nil, model.FirmwareImage{}, fmt.Errorf("resolve %q: %w", version, model.ErrNotFound)
	}
	c.refresh(ctx)

	unlock := c.locks.RLock(v)
	defer unlock()

	img, ok := c.image(v)
	if !ok {
		return nil, model.FirmwareImage{}, fmt.Errorf("resolve %s: %w", v, model.ErrNotFound)
	}

	rc, err := c.blobs.Open(v, blob.Compression(img.Compression))
	if errors.Is(err, blob.ErrNotExist) {
		return nil, model.FirmwareImage{}, fmt.Errorf("resolve %s: %w", v, model.ErrNotFound)
	}
	if err != nil {
		return nil, model.FirmwareImage{}, fmt.Errorf("resolve %s: %w", v, err)
	}
	return rc, img, nil
}

// Get returns the index entry for version. The version is normalized the
// same way Upload normalizes it.
func (c *Catalog) Get(ctx context.Context, version string) (model.FirmwareImage, error) {
	v, err := model.NormalizeVersion(version)
	if err != nil {
		return model.FirmwareImage{}, fmt.Errorf("get %q: %w", version, model.ErrNotFound)
	}
	c.refresh(ctx)
	img, ok := c.image(v)
	if !ok {
		return model.FirmwareImage{}, fmt.Errorf("get %s: %w", v, model.ErrNotFound)
	}
	return img, nil
}

// Has reports whether version is in the catalog.
func (c *Catalog) Has(version string) bool {
	_, err := c.Get(context.Background(), version)
	return err == nil
}

// ListVersions returns every version, greatest first. The order is for
// presentation only.
func (c *Catalog) ListVersions(ctx context.Context) []string {
	c.refresh(ctx)
	versions := c.versions()
	model.SortDescending(versions, c.compare)
	return versions
}

// List returns every image, greatest version first.
func (c *Catalog) List(ctx context.Context) []model.FirmwareImage {
	c.refresh(ctx)
	c.mu.RLock()
	images := make([]model.FirmwareImage, 0, len(c.images))
	for _, img := range c.images {
		images = append(images, img)
	}
	c.mu.RUnlock()

	sort.SliceStable(images, func(i, j int) bool {
		return c.compare(images[i].Version, images[j].Version) > 0
	})
	return images
}

// URL builds the download URL for version. It does not check that the
// version exists, so it also serves dangling assignments.
func (c *Catalog) URL(version string) string {
	return c.publicURL + DownloadPath + url.PathEscape(model.FirmwareFileName(version))
}

func (c *Catalog) image(version string) (model.FirmwareImage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.images[version]
	return img, ok
}

func (c *Catalog) versions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := make([]string, 0, len(c.images))
	for v := range c.images {
		versions = append(versions, v)
	}
	return versions
}

func imageFromInfo(info blob.Info, uploadedAt time.Time) model.FirmwareImage {
	return model.FirmwareImage{
		Version:     info.Version,
		FileName:    info.FileName,
		Size:        info.Size,
		Digest:      info.Digest,
		Compression: string(info.Compression),
		UploadedAt:  uploadedAt,
	}
}
