/*
Package storage provides the BoltDB-backed versioned manifest repository.

Every instance group owns one repository holding immutable, tagged
manifests, the content-addressed objects they reference, and a small
namespaced metadata facility used for bookkeeping (the managed server
registry and controlling-master associations live there).

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  <dataDir>/backplane.db                                    │
	│                                                            │
	│  groups/                                                   │
	│    <group>/                                                │
	│      manifests/  "name\x00tag" -> CBOR Manifest            │
	│      objects/    BLAKE3 id     -> zstd(object bytes)       │
	│      meta/                                                 │
	│        <namespace>/  key -> CBOR value                     │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

Objects are addressed by the hex BLAKE3-256 hash of their uncompressed
bytes and stored zstd-compressed. Documents (configurations) are encoded
with the deterministic CBOR codec before hashing, so identical
configurations share one object.

# Transactions

A Tx stages all writes in memory and applies them with a single
db.Update on Commit:

	err := storage.Update(store, "acme", func(tx *storage.Tx) error {
		_, err := storage.PutNextDocument(tx, types.InstanceManifestName(id),
			types.KindInstance, cfg)
		return err
	})

Reads through the Tx see its staged writes; other readers see nothing
until Commit. No BoltDB write lock is held while a Tx is open, so a
synchronization that spends seconds on network I/O never blocks
repositories of other groups. Serializing writers of the same group is
the caller's job (see package lock).

A Tx is safe for concurrent use. Rollback after Commit is a no-op, which
makes `defer tx.Rollback()` the standard pattern.

# Transfer

Export and Import move manifests between repositories as a Bundle. Import
verifies every object against its content address before writing.
*/
package storage
