package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/shamir"
)

// NoVersion is the prior version of an address that has never been committed.
const NoVersion int64 = -1

// VersionedRecord is the latest committed payload for an address.
type VersionedRecord struct {
	Version int64
	Payload []byte
}

// CommitRequest replaces the record at Address, provided its current version is
// ExpectedPrior. Signature is a recoverable secp256k1 signature over Digest() made
// with the private key of Address.
type CommitRequest struct {
	Address       curve.KeyPoint
	ExpectedPrior int64
	Version       int64
	Payload       []byte
	Signature     []byte
}

// Digest is keccak256(address || prior || version || sha256(payload)).
func (r CommitRequest) Digest() []byte {
	var versions [16]byte
	binary.BigEndian.PutUint64(versions[:8], uint64(r.ExpectedPrior))
	binary.BigEndian.PutUint64(versions[8:], uint64(r.Version))
	payloadHash := sha256.Sum256(r.Payload)
	return crypto.Keccak256(r.Address.Compressed(), versions[:], payloadHash[:])
}

// StorageLayer is the durable, linearizable per-address metadata store.
type StorageLayer interface {
	// Fetch returns the latest record, or ErrContentNotFound.
	Fetch(ctx context.Context, address curve.KeyPoint) (*VersionedRecord, error)

	// Commit stores a new version. Stale ExpectedPrior values are rejected with
	// ErrVersionConflict, bad signatures with ErrUnauthorized and I/O failures with
	// ErrBackendUnavailable.
	Commit(ctx context.Context, req CommitRequest) error
}

// Head points an address at its latest blob.
type Head struct {
	Version   int64
	ContentID ContentID
	Signature []byte
}

// HeadStore keeps the latest version of every address with compare-and-swap updates.
type HeadStore interface {
	// GetHead returns the head for address, or ErrContentNotFound.
	GetHead(ctx context.Context, address string) (Head, error)

	// CompareAndSwap sets the head if the current version equals expectedPrior
	// (NoVersion for a new address), otherwise returns ErrVersionConflict.
	CompareAndSwap(ctx context.Context, address string, expectedPrior int64, next Head) error

	// Name returns identifier for logging.
	Name() string
}

// ServiceProvider supplies the caller's long-term identity.
type ServiceProvider interface {
	// IdentityShare is the implicit share tied to the caller's identity.
	IdentityShare() (shamir.Share, error)

	// PublicKey addresses the caller's metadata in the StorageLayer.
	PublicKey() curve.KeyPoint

	// SignRequest signs a 32-byte digest with the identity key.
	SignRequest(digest []byte) ([]byte, error)
}
