// Package reconcile answers the one question devices ask: which firmware
// should I be running?
//
// A Service combines the firmware catalog, the device registry and the
// assignment table. Each table is owned and locked independently; the
// Service adds no locking of its own, so a liveness report never waits on
// an upload and one device never waits on another.
//
// Resolution order for a device:
//
//  1. its explicit assignment, even if that version was never uploaded
//  2. otherwise the catalog's latest version
//  3. otherwise the unknown sentinel (empty version, empty URL)
//
// ResolveDesiredFirmware never fails. Devices treat the sentinel as "no
// update available".
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/fota/internal/assign"
	"github.com/roach88/fota/internal/blob"
	"github.com/roach88/fota/internal/catalog"
	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/registry"
	"github.com/roach88/fota/internal/store"
)

// Table names under the data directory.
const (
	CatalogTable     = "catalog"
	DevicesTable     = "devices"
	AssignmentsTable = "assignments"
	FirmwareDir      = "firmwares"
)

// Options describes where and how the three tables are stored.
type Options struct {
	DataDir     string
	Backend     store.Backend
	Compression blob.Compression
	PublicURL   string
	Compare     model.Comparator
	// StrictAssignments rejects assignments to versions not in the catalog.
	StrictAssignments bool
	Now               func() time.Time
	Logger            *slog.Logger
}

// Service is the reconciliation facade.
type Service struct {
	catalog     *catalog.Catalog
	registry    *registry.Registry
	assignments *assign.Table
	tables      []store.Table
	logger      *slog.Logger
}

// Open opens every table under opts.DataDir and returns a Service.
//
// Tables are opened independently and each degrades to empty when its
// backing store is unreadable, so a corrupt device table still leaves the
// catalog and assignments working. The only error is a firmware directory
// that cannot be created.
func Open(ctx context.Context, opts Options) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	blobs, err := blob.Open(filepath.Join(opts.DataDir, FirmwareDir), opts.Compression, opts.Logger)
	if err != nil {
		return nil, err
	}

	open := func(name string) store.Table {
		return store.OpenOrEmpty(store.Options{
			Backend: opts.Backend,
			Dir:     opts.DataDir,
			Name:    name,
			Logger:  opts.Logger,
			Now:     opts.Now,
		})
	}
	catalogTable := open(CatalogTable)
	devicesTable := open(DevicesTable)
	assignmentsTable := open(AssignmentsTable)

	cat := catalog.Open(ctx, catalog.Options{
		Blobs:     blobs,
		Index:     catalogTable,
		PublicURL: opts.PublicURL,
		Compare:   opts.Compare,
		Now:       opts.Now,
		Logger:    opts.Logger,
	})

	assignOpts := []assign.Option{assign.WithClock(opts.Now), assign.WithLogger(opts.Logger)}
	if opts.StrictAssignments {
		assignOpts = append(assignOpts, assign.WithStrictVersions(cat))
	}

	svc := New(cat, registry.New(devicesTable, opts.Now, opts.Logger), assign.New(assignmentsTable, assignOpts...), opts.Logger)
	svc.tables = []store.Table{catalogTable, devicesTable, assignmentsTable}
	return svc, nil
}

// New assembles a Service from already opened parts. Close is a no-op for
// a Service built this way.
func New(c *catalog.Catalog, r *registry.Registry, a *assign.Table, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:     c,
		registry:    r,
		assignments: a,
		logger:      logger.With("component", "reconcile"),
	}
}

// Close closes the tables opened by Open.
func (s *Service) Close() error {
	var errs []error
	for _, t := range s.tables {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Catalog returns the firmware catalog.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Registry returns the device registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Assignments returns the assignment table.
func (s *Service) Assignments() *assign.Table { return s.assignments }

// ReportLiveness records a device heartbeat. It does not touch the
// device's assignment.
func (s *Service) ReportLiveness(ctx context.Context, deviceID, address, version string) (model.DeviceRecord, error) {
	return s.registry.RecordLiveness(ctx, deviceID, address, version)
}

// PublishFirmware uploads a firmware image. Devices with an explicit
// assignment are unaffected; every unassigned device sees the new latest
// on its next resolve.
func (s *Service) PublishFirmware(ctx context.Context, version, filename string, data []byte) (model.FirmwareImage, error) {
	return s.catalog.Upload(ctx, version, filename, data)
}

// PublishFirmwareStream is PublishFirmware reading from r.
func (s *Service) PublishFirmwareStream(ctx context.Context, version, filename string, r io.Reader) (model.FirmwareImage, error) {
	return s.catalog.UploadStream(ctx, version, filename, r)
}

// Assign pins a device to a version.
func (s *Service) Assign(ctx context.Context, deviceID, version string) (model.Assignment, error) {
	return s.assignments.Assign(ctx, deviceID, version)
}

// ResolveBinary returns the bytes and download URL of a stored version.
func (s *Service) ResolveBinary(ctx context.Context, version string) ([]byte, string, error) {
	return s.catalog.Resolve(ctx, version)
}

// ResolveDesiredFirmware returns the version deviceID should run.
func (s *Service) ResolveDesiredFirmware(ctx context.Context, deviceID string) model.Desired {
	deviceID = model.NormalizeDeviceID(deviceID)
	a, err := s.assignments.Lookup(ctx, deviceID)
	switch {
	case err == nil:
		if !s.catalog.Has(a.Version) {
			s.logger.Debug("assigned version not in catalog", "device_id", deviceID, "version", a.Version)
		}
		return model.Desired{Version: a.Version, URL: s.catalog.URL(a.Version), Source: model.SourceAssigned}
	case !errors.Is(err, model.ErrNotAssigned):
		s.logger.Warn("assignment lookup failed, falling back to latest", "device_id", deviceID, "error", err)
	}

	latest, err := s.catalog.GetLatest(ctx)
	if err != nil {
		return model.UnknownDesired()
	}
	return model.Desired{Version: latest, URL: s.catalog.URL(latest), Source: model.SourceLatest}
}

// DeviceView is one row of the fleet view.
type DeviceView struct {
	model.DeviceRecord
	// Assigned is the explicit assignment, empty when none.
	Assigned string        `json:"assigned,omitempty"`
	Desired  model.Desired `json:"desired"`
}

// Fleet lists every known device with its assignment and desired state,
// most recently seen first. Devices that have an assignment but have
// never reported are not included.
func (s *Service) Fleet(ctx context.Context) []DeviceView {
	devices := s.registry.List(ctx)
	assignments := s.assignments.List(ctx)

	latest := model.UnknownDesired()
	if v, err := s.catalog.GetLatest(ctx); err == nil {
		latest = model.Desired{Version: v, URL: s.catalog.URL(v), Source: model.SourceLatest}
	}

	views := make([]DeviceView, 0, len(devices))
	for id, dev := range devices {
		view := DeviceView{DeviceRecord: dev, Desired: latest}
		if a, ok := assignments[id]; ok {
			view.Assigned = a.Version
			view.Desired = model.Desired{Version: a.Version, URL: s.catalog.URL(a.Version), Source: model.SourceAssigned}
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		if !views[i].LastSeenAt.Equal(views[j].LastSeenAt) {
			return views[i].LastSeenAt.After(views[j].LastSeenAt)
		}
		return views[i].DeviceID < views[j].DeviceID
	})
	return views
}

// Summary counts what the service knows about.
type Summary struct {
	Devices     int    `json:"devices"`
	Firmwares   int    `json:"firmwares"`
	Assignments int    `json:"assignments"`
	Latest      string `json:"latest"`
}

// Summarize returns table sizes and the current latest version.
func (s *Service) Summarize(ctx context.Context) Summary {
	latest, _ := s.catalog.GetLatest(ctx)
	return Summary{
		Devices:     len(s.registry.List(ctx)),
		Firmwares:   len(s.catalog.ListVersions(ctx)),
		Assignments: len(s.assignments.List(ctx)),
		Latest:      latest,
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%d devices, %d firmwares, %d assignments, latest %q", s.Devices, s.Firmwares, s.Assignments, s.Latest)
}
