package model

import "time"

// FirmwareImage describes one uploaded firmware binary. The binary itself
// lives in blob storage under FileName; the image is the catalog's index
// entry for it.
type FirmwareImage struct {
	Version     string    `cbor:"version" json:"version"`
	FileName    string    `cbor:"file_name" json:"file_name"`
	Size        int64     `cbor:"size" json:"size"`
	Digest      Digest    `cbor:"digest" json:"digest"`
	Compression string    `cbor:"compression" json:"compression"`
	UploadedAt  time.Time `cbor:"uploaded_at" json:"uploaded_at"`
}

// DeviceRecord holds the last known liveness facts for one device.
//
// SelfReportedVersion is empty when the device has never told us what it
// runs. LastSeenAt is stamped by the service clock, never by the device.
type DeviceRecord struct {
	DeviceID            string    `cbor:"device_id" json:"device_id"`
	LastKnownAddress    string    `cbor:"address" json:"address"`
	SelfReportedVersion string    `cbor:"version,omitempty" json:"version,omitempty"`
	LastSeenAt          time.Time `cbor:"last_seen_at" json:"last_seen_at"`
}

// Assignment pins one device to an operator chosen firmware version.
// The download URL is not stored; it is derived whenever the assignment
// is resolved.
type Assignment struct {
	DeviceID   string    `cbor:"device_id" json:"device_id"`
	Version    string    `cbor:"version" json:"version"`
	AssignedAt time.Time `cbor:"assigned_at" json:"assigned_at"`
}

// DesiredSource records which rule produced a Desired result.
type DesiredSource string

const (
	// SourceAssigned means an explicit Assignment decided the version.
	SourceAssigned DesiredSource = "assigned"
	// SourceLatest means the device had no assignment and the catalog's
	// latest version was used.
	SourceLatest DesiredSource = "latest"
	// SourceNone is the "unknown" sentinel: no assignment and an empty
	// catalog.
	SourceNone DesiredSource = "none"
)

// Desired is the firmware a device should be running.
type Desired struct {
	Version string        `json:"version"`
	URL     string        `json:"url"`
	Source  DesiredSource `json:"source"`
}

// Unknown reports whether d is the "no update available" sentinel.
func (d Desired) Unknown() bool {
	return d.Version == ""
}

// UnknownDesired returns the sentinel handed to devices when there is
// nothing to install.
func UnknownDesired() Desired {
	return Desired{Source: SourceNone}
}
