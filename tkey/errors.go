package tkey

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/tkey-engine/cryptoutils"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
	"github.com/ruteri/tkey-engine/shamir"
)

// Error classes. Every error returned by this package matches exactly one class
// with errors.Is; CodeOf maps it to a Code for callers that need an enumeration.
var (
	// ErrValidation is returned for malformed input: bad share strings, unknown
	// module names, zero share indexes.
	ErrValidation = errors.New("validation error")

	// ErrFormat is returned when serialized input cannot be decoded.
	ErrFormat = fmt.Errorf("%w: malformed encoding", ErrValidation)

	// ErrCrypto is returned for interpolation inconsistencies and decryption or
	// KDF mismatches (usually a wrong secondary secret).
	ErrCrypto = errors.New("crypto error")

	// ErrInconsistentShare is returned when shares do not match the recorded
	// commitments or public key.
	ErrInconsistentShare = fmt.Errorf("%w: inconsistent share", ErrCrypto)

	// ErrInsufficientShares is returned when fewer than threshold shares are resident.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrNotFound is returned when a share, description, module record or item is absent.
	ErrNotFound = errors.New("not found")

	// ErrEmptyRecord is returned when a record exists but holds nothing usable.
	ErrEmptyRecord = errors.New("record is empty")

	// ErrDuplicateShare is returned when a share index is already resident.
	ErrDuplicateShare = errors.New("duplicate share")

	// ErrSyncConflict is returned when the remote version advanced past the local base.
	// It is always safe to retry after Refresh.
	ErrSyncConflict = errors.New("metadata sync conflict")

	// ErrStorage is returned for StorageLayer failures.
	ErrStorage = errors.New("storage error")

	// ErrTransport is returned when the StorageLayer could not be reached or timed out.
	ErrTransport = fmt.Errorf("%w: transport failure", ErrStorage)

	// ErrState is returned for operations invoked in the wrong lifecycle state.
	ErrState = errors.New("invalid state")

	// ErrKeyUnavailable is returned when an operation needs the reconstructed private key.
	ErrKeyUnavailable = fmt.Errorf("%w: private key not reconstructed", ErrState)

	// ErrRecoveryFactorNotSet reports that a recovery factor was never configured for
	// this key. Non-fatal in InputFactorShare.
	ErrRecoveryFactorNotSet = fmt.Errorf("%w: recovery factor not set", ErrNotFound)

	// ErrRecoveryShareConsumed reports that a recovery factor's share was already
	// input or has been deleted. Non-fatal in InputFactorShare.
	ErrRecoveryShareConsumed = fmt.Errorf("%w: recovery share already consumed", ErrEmptyRecord)
)

// Code is the closed error enumeration exposed at the boundary.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeEmptyRecord
	CodeValidation
	CodeCrypto
	CodeInsufficientShares
	CodeDuplicateShare
	CodeSyncConflict
	CodeStorage
	CodeState
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not_found"
	case CodeEmptyRecord:
		return "empty_record"
	case CodeValidation:
		return "validation"
	case CodeCrypto:
		return "crypto"
	case CodeInsufficientShares:
		return "insufficient_shares"
	case CodeDuplicateShare:
		return "duplicate_share"
	case CodeSyncConflict:
		return "sync_conflict"
	case CodeStorage:
		return "storage"
	case CodeState:
		return "state"
	default:
		return "unknown"
	}
}

// CodeOf classifies err.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrEmptyRecord):
		return CodeEmptyRecord
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrCrypto):
		return CodeCrypto
	case errors.Is(err, ErrInsufficientShares):
		return CodeInsufficientShares
	case errors.Is(err, ErrDuplicateShare):
		return CodeDuplicateShare
	case errors.Is(err, ErrSyncConflict):
		return CodeSyncConflict
	case errors.Is(err, ErrStorage):
		return CodeStorage
	case errors.Is(err, ErrState):
		return CodeState
	default:
		return CodeUnknown
	}
}

// storageError classifies a StorageLayer error.
func storageError(err error) error {
	switch {
	case errors.Is(err, interfaces.ErrVersionConflict):
		return fmt.Errorf("%w: %w", ErrSyncConflict, err)
	case errors.Is(err, interfaces.ErrContentNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, interfaces.ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

// mathError classifies an error from the curve and shamir packages.
func mathError(err error) error {
	switch {
	case errors.Is(err, shamir.ErrInsufficientShares):
		return fmt.Errorf("%w: %w", ErrInsufficientShares, err)
	case errors.Is(err, shamir.ErrDuplicateIndex):
		return fmt.Errorf("%w: %w", ErrDuplicateShare, err)
	case errors.Is(err, shamir.ErrShareMismatch):
		return fmt.Errorf("%w: %w", ErrInconsistentShare, err)
	case errors.Is(err, shamir.ErrZeroIndex),
		errors.Is(err, curve.ErrScalarOutOfRange),
		errors.Is(err, curve.ErrInvalidPoint):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, cryptoutils.ErrDecryption):
		return fmt.Errorf("%w: %w", ErrCrypto, err)
	default:
		return fmt.Errorf("%w: %w", ErrCrypto, err)
	}
}
