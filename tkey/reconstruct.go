package tkey

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/shamir"
)

// Interpolate recovers the secret from threshold shares and checks that it
// matches pubKey. A forged or corrupted share yields ErrInconsistentShare.
func Interpolate(c *curve.Curve, shares []shamir.Share, threshold int, pubKey curve.KeyPoint) (curve.Scalar, error) {
	if len(shares) < threshold {
		return curve.Scalar{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(shares), threshold)
	}
	secret, err := shamir.Reconstruct(c, shares, threshold)
	if err != nil {
		return curve.Scalar{}, mathError(err)
	}
	derived, err := c.ScalarBaseMult(secret)
	if err != nil {
		return curve.Scalar{}, fmt.Errorf("%w: %v", ErrInconsistentShare, err)
	}
	if !derived.Equal(pubKey) {
		return curve.Scalar{}, fmt.Errorf("%w: interpolated key %s does not match %s", ErrInconsistentShare, derived, pubKey)
	}
	return secret, nil
}

// latestPolynomial interpolates the latest polynomial from the resident shares.
func latestPolynomial(c *curve.Curve, m *Metadata, shares ShareStoreMap) (*shamir.Polynomial, PolyEntry, error) {
	latest, err := m.LatestPoly()
	if err != nil {
		return nil, PolyEntry{}, err
	}
	held := shares.Shares(latest.ID)
	if len(held) < latest.Threshold {
		return nil, latest, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(held), latest.Threshold)
	}
	poly, err := shamir.InterpolatePolynomial(c, held[:latest.Threshold])
	if err != nil {
		return nil, latest, mathError(err)
	}
	id, err := poly.ID()
	if err != nil {
		return nil, latest, mathError(err)
	}
	if id != latest.ID {
		return nil, latest, fmt.Errorf("%w: interpolated polynomial %s, expected %s", ErrInconsistentShare, id, latest.ID)
	}
	return poly, latest, nil
}

// Reconstruct recovers the private key from the resident shares of the latest
// polynomial and keeps it for operations that need it.
func (k *ThresholdKey) Reconstruct(ctx context.Context) (*KeyReconstructionDetails, error) {
	done, err := k.begin(ctx, "reconstruct", StateReady, StateReconstructing)
	if err != nil {
		return nil, err
	}
	defer done(StateReady)

	m, shares, err := k.view()
	if err != nil {
		return nil, err
	}
	latest, err := m.LatestPoly()
	if err != nil {
		return nil, err
	}
	key, err := Interpolate(k.curve, shares.Shares(latest.ID), latest.Threshold, m.PubKey)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, aborted(err)
	}

	k.mu.Lock()
	k.privKey = &key
	k.mu.Unlock()

	k.log.Debug("key reconstructed", slog.String("polyID", latest.ID.String()))
	return &KeyReconstructionDetails{Key: key, SeedPolyID: latest.ID}, nil
}

// ReconstructLatestPoly returns the latest polynomial interpolated from the
// resident shares.
func (k *ThresholdKey) ReconstructLatestPoly() (*shamir.Polynomial, error) {
	m, shares, err := k.view()
	if err != nil {
		return nil, err
	}
	poly, _, err := latestPolynomial(k.curve, m, shares)
	return poly, err
}

// DeriveShareStore evaluates the latest polynomial at an issued index, whether
// or not that share is resident.
func (k *ThresholdKey) DeriveShareStore(index string) (ShareStore, error) {
	idx, err := canonicalIndex(k.curve, index)
	if err != nil {
		return ShareStore{}, err
	}
	m, shares, err := k.view()
	if err != nil {
		return ShareStore{}, err
	}
	if ss, ok := shares.Get(mustLatestID(m), idx); ok {
		return ss, nil
	}
	poly, latest, err := latestPolynomial(k.curve, m, shares)
	if err != nil {
		return ShareStore{}, err
	}
	if !latest.HasIndex(idx) {
		return ShareStore{}, fmt.Errorf("%w: share %s", ErrNotFound, idx)
	}
	si, err := shamir.ParseShareIndex(k.curve, idx)
	if err != nil {
		return ShareStore{}, mathError(err)
	}
	return ShareStore{Share: poly.Share(si), PolyID: latest.ID}, nil
}

func mustLatestID(m *Metadata) shamir.PolyID {
	latest, err := m.LatestPoly()
	if err != nil {
		return ""
	}
	return latest.ID
}

// ShareStoreRef describes one issued index of a polynomial. Held is set when
// the share is resident; PublicShare is share·G derived from the commitments.
type ShareStoreRef struct {
	Index       string         `json:"index"`
	PolyID      shamir.PolyID  `json:"polynomialID"`
	Held        *ShareStore    `json:"held,omitempty"`
	PublicShare curve.KeyPoint `json:"publicShare"`
}

// GetAllShareStoresForLatestPolynomial lists every issued index of the latest
// polynomial in ascending order.
func (k *ThresholdKey) GetAllShareStoresForLatestPolynomial() ([]ShareStoreRef, error) {
	m, shares, err := k.view()
	if err != nil {
		return nil, err
	}
	latest, err := m.LatestPoly()
	if err != nil {
		return nil, err
	}

	indexes := make([]shamir.ShareIndex, 0, len(latest.ShareIndexes))
	for _, h := range latest.ShareIndexes {
		idx, err := shamir.ParseShareIndex(k.curve, h)
		if err != nil {
			return nil, mathError(err)
		}
		indexes = append(indexes, idx)
	}
	shamir.SortIndexes(indexes)

	out := make([]ShareStoreRef, 0, len(indexes))
	for _, idx := range indexes {
		pub, err := shamir.PublicShare(k.curve, latest.Commitments, idx)
		if err != nil {
			return nil, mathError(err)
		}
		ref := ShareStoreRef{Index: idx.Hex(), PolyID: latest.ID, PublicShare: pub}
		if ss, ok := shares.Get(latest.ID, idx.Hex()); ok {
			ref.Held = &ss
		}
		out = append(out, ref)
	}
	return out, nil
}

// Reshare moves the key to a new polynomial with the given threshold. The secret
// is unchanged, every issued index of the latest polynomial gets a new share and
// earlier polynomials stay recorded. It requires a reconstructed key.
func (k *ThresholdKey) Reshare(ctx context.Context, threshold int) (shamir.PolyID, error) {
	if threshold < 2 {
		return "", fmt.Errorf("%w: threshold must be at least 2, got %d", ErrValidation, threshold)
	}
	secret, err := k.privateKey()
	if err != nil {
		return "", err
	}

	var polyID shamir.PolyID
	err = k.mutate(ctx, "reshare", syncAuto, func(d *draft) error {
		latest, err := d.meta.LatestPoly()
		if err != nil {
			return err
		}
		if threshold > len(latest.ShareIndexes) {
			return fmt.Errorf("%w: threshold %d exceeds the %d issued shares", ErrInsufficientShares, threshold, len(latest.ShareIndexes))
		}

		poly, err := shamir.GenerateWithShares(k.curve, secret, []shamir.Share{k.identity}, threshold)
		if err != nil {
			return mathError(err)
		}
		commitments, err := poly.Commitments()
		if err != nil {
			return mathError(err)
		}
		polyID = shamir.NewPolyID(commitments)

		entry := PolyEntry{
			ID:           polyID,
			Threshold:    threshold,
			ShareIndexes: append([]string{}, latest.ShareIndexes...),
			Commitments:  commitments,
		}
		if err := d.apply(Transition{Op: OpAddPolynomial, Poly: &entry}); err != nil {
			return err
		}
		for _, h := range entry.ShareIndexes {
			idx, err := shamir.ParseShareIndex(k.curve, h)
			if err != nil {
				return mathError(err)
			}
			d.shares.Put(ShareStore{Share: poly.Share(idx), PolyID: polyID})
		}
		k.log.Info("reshared key",
			slog.String("from", latest.ID.String()),
			slog.String("to", polyID.String()),
			slog.Int("threshold", threshold))
		return nil
	})
	if err != nil {
		return "", err
	}
	return polyID, nil
}
