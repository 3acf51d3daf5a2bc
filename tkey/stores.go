package tkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/tkey-engine/cryptoutils"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
	"golang.org/x/sync/errgroup"
)

// SetTkeyStoreItem encrypts data to the key and stores it under module and id.
// An empty id gets a random one. Returns the id.
func (k *ThresholdKey) SetTkeyStoreItem(ctx context.Context, module, id string, data Record) (string, error) {
	if module == "" {
		return "", fmt.Errorf("%w: module name is required", ErrValidation)
	}
	if id == "" {
		id = uuid.NewString()
	}
	err := k.mutate(ctx, "set tkey store item", syncAuto, func(d *draft) error {
		plaintext, err := json.Marshal(StoreItem{ID: id, Data: data})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
		ciphertext, err := cryptoutils.EncryptToKey(d.meta.PubKey, plaintext)
		if err != nil {
			return mathError(err)
		}
		return d.apply(Transition{Op: OpSetTkeyStoreItem, Module: module, Item: &SealedItem{ID: id, Ciphertext: ciphertext}})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteTkeyStoreItem removes an item from the tkey store.
func (k *ThresholdKey) DeleteTkeyStoreItem(ctx context.Context, module, id string) error {
	return k.mutate(ctx, "delete tkey store item", syncAuto, func(d *draft) error {
		if _, ok := findItem(d.meta, module, id); !ok {
			return fmt.Errorf("%w: item %s of module %s", ErrNotFound, id, module)
		}
		return d.apply(Transition{Op: OpDeleteTkeyStoreItem, Module: module, ItemID: id})
	})
}

func findItem(m *Metadata, module, id string) (SealedItem, bool) {
	for _, it := range m.TkeyStore[module] {
		if it.ID == id {
			return it, true
		}
	}
	return SealedItem{}, false
}

func (k *ThresholdKey) openItem(priv curve.Scalar, sealed SealedItem) (StoreItem, error) {
	plaintext, err := cryptoutils.DecryptWithKey(k.curve, priv, sealed.Ciphertext)
	if err != nil {
		return StoreItem{}, mathError(err)
	}
	var item StoreItem
	if err := json.Unmarshal(plaintext, &item); err != nil {
		return StoreItem{}, fmt.Errorf("%w: tkey store item %s: %v", ErrFormat, sealed.ID, err)
	}
	if item.ID != sealed.ID {
		return StoreItem{}, fmt.Errorf("%w: tkey store item id %s sealed as %s", ErrCrypto, sealed.ID, item.ID)
	}
	return item, nil
}

// GetTkeyStore decrypts every item of module. It requires a reconstructed key.
func (k *ThresholdKey) GetTkeyStore(module string) ([]StoreItem, error) {
	m, _, err := k.view()
	if err != nil {
		return nil, err
	}
	sealed, ok := m.TkeyStore[module]
	if !ok {
		return nil, fmt.Errorf("%w: tkey store module %s", ErrNotFound, module)
	}
	priv, err := k.privateKey()
	if err != nil {
		return nil, err
	}
	out := make([]StoreItem, 0, len(sealed))
	for _, s := range sealed {
		item, err := k.openItem(priv, s)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// GetTkeyStoreItem decrypts one item. It requires a reconstructed key.
func (k *ThresholdKey) GetTkeyStoreItem(module, id string) (StoreItem, error) {
	m, _, err := k.view()
	if err != nil {
		return StoreItem{}, err
	}
	sealed, ok := findItem(m, module, id)
	if !ok {
		return StoreItem{}, fmt.Errorf("%w: item %s of module %s", ErrNotFound, id, module)
	}
	priv, err := k.privateKey()
	if err != nil {
		return StoreItem{}, err
	}
	return k.openItem(priv, sealed)
}

// GetGeneralStoreRecord returns the plaintext record of module.
func (k *ThresholdKey) GetGeneralStoreRecord(module string) (ModuleRecord, error) {
	m, _, err := k.view()
	if err != nil {
		return ModuleRecord{}, err
	}
	rec, ok := m.GeneralStore[module]
	if !ok {
		return ModuleRecord{}, fmt.Errorf("%w: general store module %s", ErrNotFound, module)
	}
	return rec.Clone(), nil
}

// SetGeneralStoreRecord replaces the record of module.
func (k *ThresholdKey) SetGeneralStoreRecord(ctx context.Context, module string, rec ModuleRecord) error {
	if module == "" {
		return fmt.Errorf("%w: module name is required", ErrValidation)
	}
	if rec.SecurityQuestion != nil && rec.Generic != nil {
		return fmt.Errorf("%w: module record has more than one variant", ErrValidation)
	}
	return k.mutate(ctx, "set general store record", syncAuto, func(d *draft) error {
		return d.apply(Transition{Op: OpSetGeneralStore, Module: module, Record: &rec})
	})
}

// UpdateGeneralStoreRecord replaces the record of module with the one update
// derives from it. update runs inside the mutation queue, so current cannot be
// changed by another mutation of this key before the result is applied.
func (k *ThresholdKey) UpdateGeneralStoreRecord(ctx context.Context, module string, update func(current *ModuleRecord) (ModuleRecord, error)) error {
	if module == "" || update == nil {
		return fmt.Errorf("%w: module name and update are required", ErrValidation)
	}
	return k.mutate(ctx, "update general store record", syncAuto, func(d *draft) error {
		rec, err := update(generalRecord(d.meta, module))
		if err != nil {
			return err
		}
		if rec.SecurityQuestion != nil && rec.Generic != nil {
			return fmt.Errorf("%w: module record has more than one variant", ErrValidation)
		}
		return d.apply(Transition{Op: OpSetGeneralStore, Module: module, Record: &rec})
	})
}

func generalRecord(m *Metadata, module string) *ModuleRecord {
	rec, ok := m.GeneralStore[module]
	if !ok {
		return nil
	}
	out := rec.Clone()
	return &out
}

// DeleteGeneralStoreRecord removes the record of module.
func (k *ThresholdKey) DeleteGeneralStoreRecord(ctx context.Context, module string) error {
	return k.mutate(ctx, "delete general store record", syncAuto, func(d *draft) error {
		if _, ok := d.meta.GeneralStore[module]; !ok {
			return fmt.Errorf("%w: general store module %s", ErrNotFound, module)
		}
		return d.apply(Transition{Op: OpSetGeneralStore, Module: module})
	})
}

// scopedKey resolves the key owning a scoped metadata address; nil means the
// reconstructed key.
func (k *ThresholdKey) scopedKey(key *curve.Scalar) (curve.Scalar, curve.KeyPoint, error) {
	var priv curve.Scalar
	if key == nil {
		var err error
		if priv, err = k.privateKey(); err != nil {
			return curve.Scalar{}, curve.KeyPoint{}, err
		}
	} else {
		if err := k.curve.Validate(*key); err != nil {
			return curve.Scalar{}, curve.KeyPoint{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		priv = *key
	}
	addr, err := k.curve.ScalarBaseMult(priv)
	if err != nil {
		return curve.Scalar{}, curve.KeyPoint{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if addr.Equal(k.sp.PublicKey()) {
		return curve.Scalar{}, curve.KeyPoint{}, fmt.Errorf("%w: scoped metadata cannot use the key metadata address", ErrValidation)
	}
	return priv, addr, nil
}

// GetScopedMetadata fetches the JSON document stored at the address of key.
func (k *ThresholdKey) GetScopedMetadata(ctx context.Context, key *curve.Scalar) (json.RawMessage, error) {
	_, addr, err := k.scopedKey(key)
	if err != nil {
		return nil, err
	}
	rec, err := k.storage.Fetch(ctx, addr)
	if err != nil {
		return nil, storageError(err)
	}
	return json.RawMessage(rec.Payload), nil
}

// SetScopedMetadata stores a JSON document at the address of key, signed by key.
func (k *ThresholdKey) SetScopedMetadata(ctx context.Context, key *curve.Scalar, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("%w: scoped metadata is not valid JSON", ErrFormat)
	}
	priv, addr, err := k.scopedKey(key)
	if err != nil {
		return err
	}

	prior := interfaces.NoVersion
	rec, err := k.storage.Fetch(ctx, addr)
	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
	case err != nil:
		return storageError(err)
	default:
		prior = rec.Version
	}

	req := interfaces.CommitRequest{Address: addr, ExpectedPrior: prior, Version: prior + 1, Payload: doc}
	req.Signature, err = cryptoutils.SignDigest(k.curve, priv, req.Digest())
	if err != nil {
		return fmt.Errorf("%w: signing scoped metadata: %v", ErrCrypto, err)
	}
	if err := k.storage.Commit(ctx, req); err != nil {
		return storageError(err)
	}
	return nil
}

// SetScopedMetadataStream stores docs[i] at the address of keys[i] concurrently.
func (k *ThresholdKey) SetScopedMetadataStream(ctx context.Context, keys []*curve.Scalar, docs []json.RawMessage) error {
	if len(keys) != len(docs) {
		return fmt.Errorf("%w: %d keys for %d documents", ErrValidation, len(keys), len(docs))
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range keys {
		i := i
		g.Go(func() error {
			return k.SetScopedMetadata(gctx, keys[i], docs[i])
		})
	}
	return g.Wait()
}
