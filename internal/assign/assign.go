// Package assign holds operator-declared firmware versions per device.
//
// Assignments are not checked against the device registry or the
// firmware catalog at write time: an operator may pin a device before it
// has ever reported, or before the matching binary is uploaded. Dangling
// references are resolved at read time by the reconcile package.
package assign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/store"
)

// VersionChecker reports whether a version exists. The catalog satisfies
// it.
type VersionChecker interface {
	Has(version string) bool
}

// Option configures a Table.
type Option func(*Table)

// WithStrictVersions rejects assignments to versions the checker does not
// know with model.ErrUnknownVersion. This is a compatibility break: it
// forbids staging an assignment before its binary is uploaded.
func WithStrictVersions(c VersionChecker) Option {
	return func(t *Table) { t.strict = c }
}

// WithClock sets the source of AssignedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// Table is the assignment table.
type Table struct {
	table  store.Table
	strict VersionChecker
	now    func() time.Time
	logger *slog.Logger
}

// New returns an assignment table backed by table.
func New(table store.Table, opts ...Option) *Table {
	t := &Table{table: table, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "assign")
	return t
}

// Assign pins deviceID to version, replacing any earlier assignment.
func (t *Table) Assign(ctx context.Context, deviceID, version string) (model.Assignment, error) {
	deviceID = model.NormalizeDeviceID(deviceID)
	version = model.CanonicalVersion(version)
	if deviceID == "" || version == "" {
		return model.Assignment{}, fmt.Errorf("%w: device id and version are both required", model.ErrMissingParameters)
	}
	if t.strict != nil && !t.strict.Has(version) {
		return model.Assignment{}, fmt.Errorf("assign %s to %s: %w", deviceID, version, model.ErrUnknownVersion)
	}

	a := model.Assignment{DeviceID: deviceID, Version: version, AssignedAt: t.now()}
	value, err := store.Marshal(a)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("encoding assignment: %w", err)
	}
	if _, err := t.table.Put(ctx, deviceID, value); err != nil {
		return model.Assignment{}, fmt.Errorf("assign %s to %s: %w", deviceID, version, err)
	}

	t.logger.Info("firmware assigned", "device_id", deviceID, "version", version)
	return a, nil
}

// Lookup returns the assignment for deviceID, or model.ErrNotAssigned.
// An unreadable record counts as no assignment.
func (t *Table) Lookup(ctx context.Context, deviceID string) (model.Assignment, error) {
	deviceID = model.NormalizeDeviceID(deviceID)
	rec, ok, err := t.table.Get(ctx, deviceID)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("lookup %s: %w", deviceID, err)
	}
	if !ok {
		return model.Assignment{}, fmt.Errorf("lookup %s: %w", deviceID, model.ErrNotAssigned)
	}

	var a model.Assignment
	if err := store.Unmarshal(rec.Value, &a); err != nil || a.Version == "" {
		t.logger.Warn("ignoring unreadable assignment", "device_id", deviceID, "error", err)
		return model.Assignment{}, fmt.Errorf("lookup %s: %w", deviceID, model.ErrNotAssigned)
	}
	return a, nil
}

// List returns every assignment keyed by device. It never fails.
func (t *Table) List(ctx context.Context) map[string]model.Assignment {
	records, err := t.table.List(ctx)
	if err != nil {
		t.logger.Error("listing assignments", "error", err)
		return map[string]model.Assignment{}
	}

	out := make(map[string]model.Assignment, len(records))
	for _, rec := range records {
		var a model.Assignment
		if err := store.Unmarshal(rec.Value, &a); err != nil || a.Version == "" {
			t.logger.Warn("skipping unreadable assignment", "device_id", rec.Key, "error", err)
			continue
		}
		out[rec.Key] = a
	}
	return out
}
