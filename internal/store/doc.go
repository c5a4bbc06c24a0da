// Package store provides keyed record tables for the fota service.
//
// Each table maps a string key to an opaque value and offers atomic
// upsert-by-key:
//
//   - Put replaces the value for one key.
//   - Update runs a read-modify-write function for one key while holding
//     that key's lock, so concurrent writers to the same key never
//     interleave partial updates.
//   - Writes to different keys never wait on each other's I/O.
//
// Every committed write is stamped with a sequence number that strictly
// increases per table. The sequence is the commit order; caller supplied
// timestamps play no part in deciding which write is "last".
//
// # Backends
//
//   - file: one CBOR file per key under <root>/<h[:2]>/<h>.rec where h is
//     the BLAKE3 keyed hash of the key. Files are written to a temp file,
//     fsynced and renamed into place, so a crash leaves either the old or
//     the new record and never touches other keys. Reads go to the files,
//     so several processes may share one directory and see each other's
//     writes. Unreadable record files are skipped.
//   - sqlite: one SQLite database per table, WAL mode, upserts inside
//     transactions. A database that cannot be opened is moved aside to
//     <file>.corrupt-<unix> and recreated. The table holds a single
//     connection and takes the write lock when a transaction begins, so
//     writes within one table are serialized even for different keys.
//     Use the file backend when per-key write concurrency matters.
//   - memory: process-local, used by tests and the harness.
//
// OpenOrEmpty never fails: a table whose backing store is missing or
// unreadable starts empty instead of aborting startup.
package store
