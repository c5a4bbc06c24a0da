// Package model defines the records shared by the firmware catalog, the
// device registry, the assignment table and the reconciliation facade.
//
// The package also owns the rules that every table agrees on:
//
//   - Version identifiers are operator supplied, normalized with NFKC and
//     restricted to ASCII letters, digits, dot, dash and underscore so they
//     can double as storage keys and file names.
//   - Firmware binaries are named firmware_<version>.bin on disk and in
//     download URLs.
//   - "Latest" is decided by a Comparator. The default is plain lexical
//     order, which is NOT numeric aware: "1.0.2" sorts after "1.0.10".
//   - Errors are sentinels matched with errors.Is; Code maps them to the
//     stable strings used by the CLI and the JSON API.
//
// This package depends on no other fota packages.
package model
