package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tkey-engine/cryptoutils"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
)

// VersionedStore implements interfaces.StorageLayer on top of an immutable blob
// backend and a compare-and-swap head store. Payloads are written first and only
// become visible once the head swap succeeds, so a failed commit leaves at most an
// unreferenced blob behind.
type VersionedStore struct {
	blobs interfaces.StorageBackend
	heads interfaces.HeadStore
	log   *slog.Logger
}

func NewVersionedStore(blobs interfaces.StorageBackend, heads interfaces.HeadStore, log *slog.Logger) *VersionedStore {
	return &VersionedStore{blobs: blobs, heads: heads, log: log}
}

// NewMemoryVersionedStore is an in-process store for tests and local tooling.
func NewMemoryVersionedStore(log *slog.Logger) *VersionedStore {
	return NewVersionedStore(NewMemoryBackend(), NewMemoryHeadStore(), log)
}

// Fetch returns the latest committed record for address.
func (s *VersionedStore) Fetch(ctx context.Context, address curve.KeyPoint) (*interfaces.VersionedRecord, error) {
	if !address.IsSet() {
		return nil, fmt.Errorf("%w: empty address", interfaces.ErrContentNotFound)
	}

	head, err := s.heads.GetHead(ctx, address.Hex())
	if err != nil {
		return nil, err
	}

	payload, err := s.blobs.Fetch(ctx, head.ContentID)
	if err != nil {
		if errors.Is(err, interfaces.ErrContentNotFound) {
			// head without blob: replicas have lost data
			return nil, fmt.Errorf("%w: blob %s for version %d is missing", interfaces.ErrBackendUnavailable, head.ContentID, head.Version)
		}
		return nil, err
	}

	return &interfaces.VersionedRecord{Version: head.Version, Payload: payload}, nil
}

// Commit verifies the request signature, stores the payload and advances the head.
func (s *VersionedStore) Commit(ctx context.Context, req interfaces.CommitRequest) error {
	start := time.Now()

	if !req.Address.IsSet() {
		return fmt.Errorf("%w: empty address", interfaces.ErrUnauthorized)
	}
	if req.Version <= req.ExpectedPrior || req.Version < 0 {
		return fmt.Errorf("%w: version %d does not advance %d", interfaces.ErrVersionConflict, req.Version, req.ExpectedPrior)
	}
	if !cryptoutils.VerifyDigestSignature(req.Address, req.Digest(), req.Signature) {
		return interfaces.ErrUnauthorized
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	id, err := s.blobs.Store(ctx, req.Payload)
	if err != nil {
		return err
	}

	address := req.Address.Hex()
	err = s.heads.CompareAndSwap(ctx, address, req.ExpectedPrior, interfaces.Head{
		Version:   req.Version,
		ContentID: id,
		Signature: req.Signature,
	})
	if err != nil {
		s.log.Debug("Commit rejected",
			slog.String("address", address),
			slog.Int64("expected_prior", req.ExpectedPrior),
			"err", err)
		return err
	}

	s.log.Info("Committed metadata",
		slog.String("address", address),
		slog.Int64("version", req.Version),
		slog.String("content_id", id.String()),
		slog.Duration("duration", time.Since(start)))
	return nil
}
