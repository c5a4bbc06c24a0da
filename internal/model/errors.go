package model

import "errors"

var (
	ErrMissingIdentity          = errors.New("missing device identity")
	ErrMissingParameters        = errors.New("missing required parameters")
	ErrInvalidVersionIdentifier = errors.New("invalid version identifier")
	ErrInvalidFileType          = errors.New("invalid firmware file type: only .bin images are accepted")
	ErrNotFound                 = errors.New("firmware not found")
	// ErrNotAssigned is a normal lookup outcome, not a failure.
	ErrNotAssigned = errors.New("device has no assignment")
	// ErrUnknownVersion is only returned when strict assignment checking
	// is enabled.
	ErrUnknownVersion = errors.New("version is not in the firmware catalog")
)

// Error codes shared by the CLI JSON envelope and the HTTP JSON API.
const (
	CodeMissingIdentity          = "E_MISSING_IDENTITY"
	CodeMissingParameters        = "E_MISSING_PARAMETERS"
	CodeInvalidVersionIdentifier = "E_INVALID_VERSION"
	CodeInvalidFileType          = "E_INVALID_FILE_TYPE"
	CodeNotFound                 = "E_NOT_FOUND"
	CodeNotAssigned              = "E_NOT_ASSIGNED"
	CodeUnknownVersion           = "E_UNKNOWN_VERSION"
	CodeInternal                 = "E_INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrMissingIdentity, CodeMissingIdentity},
	{ErrMissingParameters, CodeMissingParameters},
	{ErrInvalidVersionIdentifier, CodeInvalidVersionIdentifier},
	{ErrInvalidFileType, CodeInvalidFileType},
	{ErrNotFound, CodeNotFound},
	{ErrNotAssigned, CodeNotAssigned},
	{ErrUnknownVersion, CodeUnknownVersion},
}

// Code returns the stable code for err, or CodeInternal when err does not
// wrap one of the package sentinels.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsInputError reports whether err was caused by caller input rather than
// by storage or I/O.
func IsInputError(err error) bool {
	switch Code(err) {
	case CodeMissingIdentity, CodeMissingParameters, CodeInvalidVersionIdentifier,
		CodeInvalidFileType, CodeUnknownVersion:
		return true
	}
	return false
}
