package tkey

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/shamir"
)

// canonicalIndex parses a hex share index into its canonical 64-character form.
func canonicalIndex(c *curve.Curve, index string) (string, error) {
	idx, err := shamir.ParseShareIndex(c, index)
	if err != nil {
		return "", fmt.Errorf("%w: share index %q: %v", ErrValidation, index, err)
	}
	return idx.Hex(), nil
}

// checkShare validates ss against the metadata before it becomes resident.
func checkShare(c *curve.Curve, m *Metadata, shares ShareStoreMap, ss ShareStore) error {
	if err := ss.Share.Validate(c); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	entry, ok := m.Poly(ss.PolyID)
	if !ok {
		return fmt.Errorf("%w: unknown polynomial %s", ErrNotFound, ss.PolyID)
	}
	if _, held := shares.Get(ss.PolyID, ss.IndexHex()); held {
		return fmt.Errorf("%w: index %s of polynomial %s", ErrDuplicateShare, ss.IndexHex(), ss.PolyID)
	}
	if !entry.HasIndex(ss.IndexHex()) {
		return fmt.Errorf("%w: index %s is not issued for polynomial %s", ErrNotFound, ss.IndexHex(), ss.PolyID)
	}
	if err := shamir.VerifyShare(c, entry.Commitments, ss.Share); err != nil {
		return mathError(err)
	}
	return nil
}

// GetShares returns a copy of every resident share.
func (k *ThresholdKey) GetShares() (ShareStoreMap, error) {
	_, shares, err := k.view()
	if err != nil {
		return nil, err
	}
	return shares.Clone(), nil
}

// GetSharesIndexes returns the indexes of the resident shares of the latest
// polynomial in ascending order.
func (k *ThresholdKey) GetSharesIndexes() ([]string, error) {
	m, shares, err := k.view()
	if err != nil {
		return nil, err
	}
	latest, err := m.LatestPoly()
	if err != nil {
		return nil, err
	}
	held := shares.Shares(latest.ID)
	out := make([]string, len(held))
	for i, s := range held {
		out[i] = s.Index.Hex()
	}
	return out, nil
}

// InputShare decodes a transport string and inputs the share.
func (k *ThresholdKey) InputShare(ctx context.Context, s string, transport ShareTransport) error {
	ss, err := DecodeShareStore(k.curve, s, transport)
	if err != nil {
		return err
	}
	return k.InputShareStore(ctx, ss)
}

// InputShareStore makes ss resident after checking it against the polynomial commitments.
func (k *ThresholdKey) InputShareStore(ctx context.Context, ss ShareStore) error {
	return k.mutate(ctx, "input share", syncDefer, func(d *draft) error {
		if err := checkShare(k.curve, d.meta, d.shares, ss); err != nil {
			return err
		}
		d.shares.Put(ss)
		k.log.Debug("share input", slog.String("index", ss.IndexHex()), slog.String("polyID", ss.PolyID.String()))
		return nil
	})
}

// OutputShareStore returns the resident share at index. An empty polyID means
// the latest polynomial.
func (k *ThresholdKey) OutputShareStore(index string, polyID shamir.PolyID) (ShareStore, error) {
	idx, err := canonicalIndex(k.curve, index)
	if err != nil {
		return ShareStore{}, err
	}
	m, shares, err := k.view()
	if err != nil {
		return ShareStore{}, err
	}
	if polyID == "" {
		latest, err := m.LatestPoly()
		if err != nil {
			return ShareStore{}, err
		}
		polyID = latest.ID
	}
	ss, ok := shares.Get(polyID, idx)
	if !ok {
		return ShareStore{}, fmt.Errorf("%w: no resident share %s for polynomial %s", ErrNotFound, idx, polyID)
	}
	return ss, nil
}

// OutputShare encodes the resident share of the latest polynomial at index.
func (k *ThresholdKey) OutputShare(index string, transport ShareTransport) (string, error) {
	ss, err := k.OutputShareStore(index, "")
	if err != nil {
		return "", err
	}
	return EncodeShareStore(k.curve, ss, transport)
}

// ShareToShareStore finds the index of a bare hex share value among the issued
// indexes of the latest polynomial.
func (k *ThresholdKey) ShareToShareStore(value string) (ShareStore, error) {
	v, err := k.curve.ScalarFromHex(value)
	if err != nil {
		return ShareStore{}, fmt.Errorf("%w: share value: %v", ErrValidation, err)
	}
	m, _, err := k.view()
	if err != nil {
		return ShareStore{}, err
	}
	latest, err := m.LatestPoly()
	if err != nil {
		return ShareStore{}, err
	}
	pub, err := k.curve.ScalarBaseMult(v)
	if err != nil {
		return ShareStore{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, h := range latest.ShareIndexes {
		idx, err := shamir.ParseShareIndex(k.curve, h)
		if err != nil {
			return ShareStore{}, mathError(err)
		}
		expected, err := shamir.PublicShare(k.curve, latest.Commitments, idx)
		if err != nil {
			return ShareStore{}, mathError(err)
		}
		if expected.Equal(pub) {
			return ShareStore{Share: shamir.Share{Index: idx, Value: v}, PolyID: latest.ID}, nil
		}
	}
	return ShareStore{}, fmt.Errorf("%w: share does not belong to polynomial %s", ErrNotFound, latest.ID)
}

// GenerateNewShare issues a share at a fresh index of the latest polynomial. The
// secret and all previously issued shares stay valid.
func (k *ThresholdKey) GenerateNewShare(ctx context.Context) (ShareStore, error) {
	return k.generateShare(ctx, "", nil)
}

// RecordBuilder derives a general-store record for a newly issued share. current
// is the record module holds inside the same mutation, nil when it has none.
type RecordBuilder func(current *ModuleRecord, ss ShareStore) (ModuleRecord, error)

// GenerateNewShareForModule issues a new share like GenerateNewShare and, in the
// same metadata version, stores the general-store record that build derives from it.
// build runs inside the mutation queue; an error from it discards the new share.
func (k *ThresholdKey) GenerateNewShareForModule(ctx context.Context, module string, build RecordBuilder) (ShareStore, error) {
	if module == "" || build == nil {
		return ShareStore{}, fmt.Errorf("%w: module name and record builder are required", ErrValidation)
	}
	return k.generateShare(ctx, module, build)
}

func (k *ThresholdKey) generateShare(ctx context.Context, module string, build RecordBuilder) (ShareStore, error) {
	var out ShareStore
	err := k.mutate(ctx, "generate share", syncAuto, func(d *draft) error {
		poly, latest, err := latestPolynomial(k.curve, d.meta, d.shares)
		if err != nil {
			return err
		}

		used := make(map[string]bool, len(latest.ShareIndexes))
		for _, idx := range latest.ShareIndexes {
			used[idx] = true
		}
		idx, err := shamir.RandomShareIndex(k.curve, used)
		if err != nil {
			return mathError(err)
		}

		out = ShareStore{Share: poly.Share(idx), PolyID: latest.ID}
		if err := d.apply(Transition{Op: OpAddShareIndex, PolyID: latest.ID, ShareIndex: idx.Hex()}); err != nil {
			return err
		}
		d.shares.Put(out)

		if build != nil {
			rec, err := build(generalRecord(d.meta, module), out)
			if err != nil {
				return err
			}
			if err := d.apply(Transition{Op: OpSetGeneralStore, Module: module, Record: &rec}); err != nil {
				return err
			}
		}
		k.log.Info("generated new share",
			slog.String("index", idx.Hex()),
			slog.String("polyID", latest.ID.String()),
			slog.String("module", module))
		return nil
	})
	if err != nil {
		return ShareStore{}, err
	}
	return out, nil
}

// DeleteShare removes an issued index from the latest polynomial together with
// its descriptions and the resident share, if any. The identity share cannot be
// deleted and at least threshold indexes must remain.
func (k *ThresholdKey) DeleteShare(ctx context.Context, index string) error {
	idx, err := canonicalIndex(k.curve, index)
	if err != nil {
		return err
	}
	return k.mutate(ctx, "delete share", syncAuto, func(d *draft) error {
		latest, err := d.meta.LatestPoly()
		if err != nil {
			return err
		}
		if !latest.HasIndex(idx) {
			return fmt.Errorf("%w: share %s", ErrNotFound, idx)
		}
		if idx == k.identity.Index.Hex() {
			return fmt.Errorf("%w: the identity share cannot be deleted", ErrValidation)
		}
		if len(latest.ShareIndexes)-1 < latest.Threshold {
			return fmt.Errorf("%w: deleting %s would leave %d shares for threshold %d",
				ErrInsufficientShares, idx, len(latest.ShareIndexes)-1, latest.Threshold)
		}
		if err := d.apply(Transition{Op: OpRemoveShareIndex, PolyID: latest.ID, ShareIndex: idx}); err != nil {
			return err
		}
		delete(d.shares[latest.ID], idx)
		k.log.Info("deleted share", slog.String("index", idx), slog.String("polyID", latest.ID.String()))
		return nil
	})
}

// GetShareDescriptions returns the descriptions of every share index.
func (k *ThresholdKey) GetShareDescriptions() (map[string][]string, error) {
	m, _, err := k.view()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(m.ShareDescriptions))
	for idx, descs := range m.ShareDescriptions {
		out[idx] = append([]string{}, descs...)
	}
	return out, nil
}

// AddShareDescription attaches a description to a share index. updateMetadata
// syncs immediately, otherwise the change waits for the next sync.
func (k *ThresholdKey) AddShareDescription(ctx context.Context, index, description string, updateMetadata bool) error {
	idx, err := canonicalIndex(k.curve, index)
	if err != nil {
		return err
	}
	return k.mutate(ctx, "add share description", syncModeFor(updateMetadata), func(d *draft) error {
		return d.apply(Transition{Op: OpAddShareDescription, ShareIndex: idx, Description: description})
	})
}

// UpdateShareDescription replaces oldDescription of a share index.
func (k *ThresholdKey) UpdateShareDescription(ctx context.Context, index, oldDescription, newDescription string, updateMetadata bool) error {
	idx, err := canonicalIndex(k.curve, index)
	if err != nil {
		return err
	}
	return k.mutate(ctx, "update share description", syncModeFor(updateMetadata), func(d *draft) error {
		if !hasDescription(d.meta, idx, oldDescription) {
			return fmt.Errorf("%w: description %q of share %s", ErrNotFound, oldDescription, idx)
		}
		return d.apply(Transition{Op: OpUpdateShareDescription, ShareIndex: idx, OldDescription: oldDescription, Description: newDescription})
	})
}

// DeleteShareDescription removes a description from a share index.
func (k *ThresholdKey) DeleteShareDescription(ctx context.Context, index, description string, updateMetadata bool) error {
	idx, err := canonicalIndex(k.curve, index)
	if err != nil {
		return err
	}
	return k.mutate(ctx, "delete share description", syncModeFor(updateMetadata), func(d *draft) error {
		if !hasDescription(d.meta, idx, description) {
			return fmt.Errorf("%w: description %q of share %s", ErrNotFound, description, idx)
		}
		return d.apply(Transition{Op: OpDeleteShareDescription, ShareIndex: idx, Description: description})
	})
}

func hasDescription(m *Metadata, index, description string) bool {
	for _, d := range m.ShareDescriptions[index] {
		if d == description {
			return true
		}
	}
	return false
}
