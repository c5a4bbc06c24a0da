// Package legacy imports the flat-file data directory written by the
// previous Python service:
//
//	devices.json            {"<mac>": {"ip": ..., "last_seen": "2006-01-02 15:04:05", "version": ...}}
//	device_firmware.json    {"<mac>": {"version": ..., "url": ...}}
//	firmwares/firmware_<version>.bin
//
// firmware.json is not read. It only held the most recent upload, which
// the catalog derives on its own. Stored assignment URLs are ignored and
// recomputed from the configured public URL.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/reconcile"
)

// File names inside a legacy data directory.
const (
	DevicesFile     = "devices.json"
	AssignmentsFile = "device_firmware.json"
	FirmwareDir     = "firmwares"
)

// LastSeenLayout is the timestamp format of legacy device records.
const LastSeenLayout = "2006-01-02 15:04:05"

// UnknownVersion is what the legacy service stored when a device did not
// report a version.
const UnknownVersion = "unbekannt"

type legacyDevice struct {
	IP       string `json:"ip"`
	LastSeen string `json:"last_seen"`
	Version  string `json:"version"`
}

type legacyAssignment struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Report summarizes an import.
type Report struct {
	Firmwares   int      `json:"firmwares"`
	Devices     int      `json:"devices"`
	Assignments int      `json:"assignments"`
	Skipped     []string `json:"skipped,omitempty"`
}

func (r *Report) skip(format string, args ...any) {
	r.Skipped = append(r.Skipped, fmt.Sprintf(format, args...))
}

// Importer copies legacy state into a Service.
type Importer struct {
	svc    *reconcile.Service
	loc    *time.Location
	logger *slog.Logger
}

// NewImporter returns an Importer. Legacy timestamps carry no zone and are
// read in loc; nil means time.Local, which is what the legacy service
// wrote.
func NewImporter(svc *reconcile.Service, loc *time.Location, logger *slog.Logger) *Importer {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{svc: svc, loc: loc, logger: logger.With("component", "legacy")}
}

// Import reads dir and writes everything it can understand. Missing or
// unreadable files are noted in the report and skipped, the way the
// legacy service treated them. An error is returned only when dir itself
// is not a readable directory.
func (im *Importer) Import(ctx context.Context, dir string) (Report, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Report{}, fmt.Errorf("legacy data directory: %w", err)
	}
	if !info.IsDir() {
		return Report{}, fmt.Errorf("legacy data directory: %s is not a directory", dir)
	}

	var report Report
	im.importFirmwares(ctx, filepath.Join(dir, FirmwareDir), &report)
	im.importDevices(ctx, filepath.Join(dir, DevicesFile), &report)
	im.importAssignments(ctx, filepath.Join(dir, AssignmentsFile), &report)

	im.logger.Info("legacy import finished",
		"firmwares", report.Firmwares,
		"devices", report.Devices,
		"assignments", report.Assignments,
		"skipped", len(report.Skipped))
	return report, nil
}

func (im *Importer) importFirmwares(ctx context.Context, dir string, report *Report) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		report.skip("%s: %v", FirmwareDir, err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, ok := model.ParseFirmwareFileName(entry.Name())
		if !ok {
			continue
		}
		if err := im.publishFile(ctx, filepath.Join(dir, entry.Name()), version); err != nil {
			im.logger.Warn("skipping legacy firmware", "path", entry.Name(), "error", err)
			report.skip("%s/%s: %v", FirmwareDir, entry.Name(), err)
			continue
		}
		report.Firmwares++
	}
}

func (im *Importer) publishFile(ctx context.Context, path, version string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = im.svc.PublishFirmwareStream(ctx, version, filepath.Base(path), f)
	return err
}

func (im *Importer) importDevices(ctx context.Context, path string, report *Report) {
	var devices map[string]legacyDevice
	if !im.readJSON(path, &devices, report) {
		return
	}

	for _, mac := range sortedKeys(devices) {
		d := devices[mac]
		lastSeen, err := time.ParseInLocation(LastSeenLayout, d.LastSeen, im.loc)
		if err != nil {
			report.skip("device %s: last_seen %q: %v", mac, d.LastSeen, err)
			continue
		}

		version := d.Version
		if version == UnknownVersion {
			version = ""
		}

		written, err := im.svc.Registry().Import(ctx, model.DeviceRecord{
			DeviceID:            mac,
			LastKnownAddress:    d.IP,
			SelfReportedVersion: version,
			LastSeenAt:          lastSeen,
		})
		if err != nil {
			report.skip("device %q: %v", mac, err)
			continue
		}
		if !written {
			report.skip("device %s: newer record already present", mac)
			continue
		}
		report.Devices++
	}
}

func (im *Importer) importAssignments(ctx context.Context, path string, report *Report) {
	var assignments map[string]legacyAssignment
	if !im.readJSON(path, &assignments, report) {
		return
	}

	for _, mac := range sortedKeys(assignments) {
		if _, err := im.svc.Assign(ctx, mac, assignments[mac].Version); err != nil {
			report.skip("assignment %q: %v", mac, err)
			continue
		}
		report.Assignments++
	}
}

// readJSON reports false when the file is absent or unusable. Absence is
// not noted in the report; a legacy directory may simply lack the file.
func (im *Importer) readJSON(path string, v any, report *Report) bool {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err == nil {
		err = json.Unmarshal(jsonc.ToJSON(data), v)
	}
	if err != nil {
		im.logger.Warn("skipping unreadable legacy file", "path", path, "error", err)
		report.skip("%s: %v", filepath.Base(path), err)
		return false
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
