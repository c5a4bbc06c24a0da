// Package registry records device liveness.
//
// Each device has one record keyed by its identity. A liveness report
// always overwrites the address and last-seen time, and overwrites the
// self-reported version only when one is supplied. Reports for one device
// are applied atomically in commit order at the table; reports for
// different devices never wait on each other.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/store"
)

// Registry is the device registry.
type Registry struct {
	table  store.Table
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Registry over table. now defaults to time.Now and logger
// to slog.Default.
func New(table store.Table, now func() time.Time, logger *slog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{table: table, now: now, logger: logger.With("component", "registry")}
}

// RecordLiveness upserts the record for deviceID. An empty version leaves
// the previously recorded version in place.
//
// lastSeenAt comes from the service clock, never from the device. If the
// clock has not moved past the previous report (coarse clocks, or a step
// backwards) the new value is nudged to one nanosecond after it, so
// lastSeenAt strictly increases per device.
func (r *Registry) RecordLiveness(ctx context.Context, deviceID, address, version string) (model.DeviceRecord, error) {
	deviceID = model.NormalizeDeviceID(deviceID)
	if deviceID == "" {
		return model.DeviceRecord{}, model.ErrMissingIdentity
	}
	version = strings.TrimSpace(version)

	var out model.DeviceRecord
	_, err := r.table.Update(ctx, deviceID, func(current []byte, exists bool) ([]byte, error) {
		next := model.DeviceRecord{
			DeviceID:            deviceID,
			LastKnownAddress:    address,
			SelfReportedVersion: version,
			LastSeenAt:          r.now(),
		}

		if exists {
			var prev model.DeviceRecord
			if err := store.Unmarshal(current, &prev); err != nil {
				r.logger.Warn("overwriting unreadable device record", "device_id", deviceID, "error", err)
			} else {
				if next.SelfReportedVersion == "" {
					next.SelfReportedVersion = prev.SelfReportedVersion
				}
				if !next.LastSeenAt.After(prev.LastSeenAt) {
					next.LastSeenAt = prev.LastSeenAt.Add(time.Nanosecond)
				}
			}
		}

		out = next
		return store.Marshal(next)
	})
	if err != nil {
		return model.DeviceRecord{}, fmt.Errorf("recording liveness for %s: %w", deviceID, err)
	}

	r.logger.Debug("liveness recorded", "device_id", deviceID, "addr", address, "version", out.SelfReportedVersion)
	return out, nil
}

// Import writes rec as-is, keeping its LastSeenAt. It is for migrating
// data from another store. An existing record that is newer wins.
func (r *Registry) Import(ctx context.Context, rec model.DeviceRecord) (bool, error) {
	rec.DeviceID = model.NormalizeDeviceID(rec.DeviceID)
	if rec.DeviceID == "" {
		return false, model.ErrMissingIdentity
	}

	written := false
	_, err := r.table.Update(ctx, rec.DeviceID, func(current []byte, exists bool) ([]byte, error) {
		if exists {
			var prev model.DeviceRecord
			if err := store.Unmarshal(current, &prev); err == nil && !rec.LastSeenAt.After(prev.LastSeenAt) {
				return current, nil
			}
		}
		written = true
		return store.Marshal(rec)
	})
	if err != nil {
		return false, fmt.Errorf("importing device %s: %w", rec.DeviceID, err)
	}
	return written, nil
}

// Get returns the record for deviceID.
func (r *Registry) Get(ctx context.Context, deviceID string) (model.DeviceRecord, bool, error) {
	deviceID = model.NormalizeDeviceID(deviceID)
	rec, ok, err := r.table.Get(ctx, deviceID)
	if err != nil || !ok {
		return model.DeviceRecord{}, false, err
	}
	var dev model.DeviceRecord
	if err := store.Unmarshal(rec.Value, &dev); err != nil {
		return model.DeviceRecord{}, false, fmt.Errorf("decoding device %s: %w", deviceID, err)
	}
	return dev, true, nil
}

// List returns every known device keyed by identity. It never fails: a
// table that cannot be listed yields an empty map, and unreadable records
// are left out.
func (r *Registry) List(ctx context.Context) map[string]model.DeviceRecord {
	records, err := r.table.List(ctx)
	if err != nil {
		r.logger.Error("listing devices", "error", err)
		return map[string]model.DeviceRecord{}
	}

	devices := make(map[string]model.DeviceRecord, len(records))
	for _, rec := range records {
		var dev model.DeviceRecord
		if err := store.Unmarshal(rec.Value, &dev); err != nil {
			r.logger.Warn("skipping unreadable device record", "device_id", rec.Key, "error", err)
			continue
		}
		devices[rec.Key] = dev
	}
	return devices
}
