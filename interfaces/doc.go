// Package interfaces defines the contracts between the threshold key engine and
// its external collaborators, separating interface definitions from implementations.
//
// # Metadata Interfaces
//
// StorageLayer: durable per-address metadata store with optimistic concurrency.
// Every commit names the version it expects to replace and carries a signature by
// the address key.
//
// ServiceProvider: the caller's identity. Supplies the implicit identity share,
// the address of the caller's metadata and request signatures.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed blob storage across multiple backend types
// (memory, file, S3, IPFS, Vault).
//
// HeadStore: per-address version heads with compare-and-swap semantics.
//
// StorageBackendFactory: creates storage backends and head stores from URI strings.
//
// # Error Types
//
//   - ErrContentNotFound: no content or metadata at the requested address
//   - ErrBackendUnavailable: storage backend is not accessible
//   - ErrVersionConflict: commit based on a stale version
//   - ErrUnauthorized: commit signature does not match the address
//   - ErrInvalidLocationURI: storage location URI is malformed
package interfaces
