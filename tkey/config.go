package tkey

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
)

// DefaultThreshold is the threshold of newly bootstrapped keys.
const DefaultThreshold = 2

// Config configures a ThresholdKey.
type Config struct {
	// Storage persists versioned metadata. Required.
	Storage interfaces.StorageLayer

	// ServiceProvider supplies the identity share and addresses the metadata. Required.
	ServiceProvider interfaces.ServiceProvider

	// Curve is the field and group configuration. Defaults to curve.Secp256k1().
	Curve *curve.Curve

	// Threshold of a newly bootstrapped key. Defaults to DefaultThreshold.
	// Existing keys keep the threshold recorded in their metadata.
	Threshold int

	// ManualSync disables the implicit sync after every mutation.
	ManualSync bool

	// Log defaults to a discarding logger.
	Log *slog.Logger

	// State carried over from an earlier instance.
	Shares                   ShareStoreMap
	Transitions              *LocalMetadataTransitions
	LastFetchedCloudMetadata *Metadata
	// Metadata is used as the last fetched metadata when LastFetchedCloudMetadata is unset.
	Metadata *Metadata
}

func (cfg *Config) withDefaults() (Config, error) {
	out := *cfg
	if out.Storage == nil {
		return Config{}, errors.New("tkey: storage layer is required")
	}
	if out.ServiceProvider == nil {
		return Config{}, errors.New("tkey: service provider is required")
	}
	if out.Curve == nil {
		out.Curve = curve.Secp256k1()
	}
	if out.Threshold == 0 {
		out.Threshold = DefaultThreshold
	}
	if out.Threshold < 2 {
		return Config{}, fmt.Errorf("%w: threshold must be at least 2, got %d", ErrValidation, out.Threshold)
	}
	if out.Log == nil {
		out.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out.LastFetchedCloudMetadata == nil {
		out.LastFetchedCloudMetadata = out.Metadata
	}
	return out, nil
}

// State is the lifecycle state of a ThresholdKey.
type State int32

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateReady
	StateReconstructing
	StateMutating
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateReconstructing:
		return "reconstructing"
	case StateMutating:
		return "mutating"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// InitializeOptions controls Initialize.
type InitializeOptions struct {
	// ImportKey becomes the secret of a newly bootstrapped key instead of a random one.
	ImportKey *curve.Scalar

	// Input is a share to input once metadata is loaded.
	Input *ShareStore

	// NeverInitializeNewKey makes Initialize fail with ErrNotFound instead of
	// bootstrapping when no metadata exists.
	NeverInitializeNewKey bool

	// IncludeLocalMetadataTransitions replays Config.Transitions on top of the
	// loaded metadata.
	IncludeLocalMetadataTransitions bool
}
