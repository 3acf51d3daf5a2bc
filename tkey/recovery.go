package tkey

import (
	"context"
	"errors"
)

// RecoveryFactor derives a share from a secondary secret the user remembers.
type RecoveryFactor interface {
	// Marker is the general-store module name of the factor.
	Marker() string

	// GenerateNewShareStore issues a new share protected by secret. marker is the
	// human-readable hint stored alongside it, e.g. the security questions.
	GenerateNewShareStore(ctx context.Context, marker, secret string) (ShareStore, error)

	// RecoverShare returns the share protected by secret. It returns
	// ErrRecoveryFactorNotSet when the factor was never configured and
	// ErrRecoveryShareConsumed when its share is no longer part of the key.
	RecoverShare(ctx context.Context, secret string) (ShareStore, error)

	// ChangeSecret re-protects the factor's share under newSecret.
	ChangeSecret(ctx context.Context, oldSecret, newSecret string) error

	// StoreMarker saves value encrypted in the tkey store.
	StoreMarker(ctx context.Context, value string) error

	// GetMarker returns the value saved by StoreMarker.
	GetMarker() (string, error)
}

// InputOutcome reports what InputFactorShare did.
type InputOutcome int

const (
	// OutcomeInput means the recovered share is now resident.
	OutcomeInput InputOutcome = iota
	// OutcomeNotConfigured means the factor was never set up for this key.
	OutcomeNotConfigured
	// OutcomeConsumed means the factor's share was already input or deleted.
	OutcomeConsumed
)

func (o InputOutcome) String() string {
	switch o {
	case OutcomeInput:
		return "input"
	case OutcomeNotConfigured:
		return "not_configured"
	case OutcomeConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// InputFactorShare recovers the factor's share and inputs it. A factor that is
// not configured or whose share is already resident is not an error.
func (k *ThresholdKey) InputFactorShare(ctx context.Context, f RecoveryFactor, secret string) (InputOutcome, error) {
	share, err := f.RecoverShare(ctx, secret)
	switch {
	case errors.Is(err, ErrRecoveryFactorNotSet):
		k.log.Debug("recovery factor not configured", "factor", f.Marker())
		return OutcomeNotConfigured, nil
	case errors.Is(err, ErrRecoveryShareConsumed):
		k.log.Debug("recovery factor share consumed", "factor", f.Marker())
		return OutcomeConsumed, nil
	case err != nil:
		return OutcomeInput, err
	}

	err = k.InputShareStore(ctx, share)
	if errors.Is(err, ErrDuplicateShare) {
		return OutcomeConsumed, nil
	}
	if err != nil {
		return OutcomeInput, err
	}
	return OutcomeInput, nil
}
