package tkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
	"github.com/ruteri/tkey-engine/shamir"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// ThresholdKey manages one threshold-shared private key: its metadata, the shares
// held locally and the synchronization of metadata mutations with the StorageLayer.
//
// Mutating operations are serialized through a single-slot queue. Readers take
// snapshots: every value handed out is a copy.
type ThresholdKey struct {
	curve      *curve.Curve
	storage    interfaces.StorageLayer
	sp         interfaces.ServiceProvider
	identity   shamir.Share
	threshold  int
	manualSync bool
	log        *slog.Logger

	// resume state consumed by Initialize
	cfg Config

	queue *semaphore.Weighted
	state *atomic.Int32

	// mu guards the fields below. current, lastFetched and shares are replaced,
	// never modified in place, once published.
	mu          sync.RWMutex
	current     *Metadata
	lastFetched *Metadata
	transitions []Transition
	shares      ShareStoreMap
	privKey     *curve.Scalar
}

// New creates an uninitialized ThresholdKey. Call Initialize before anything else.
func New(cfg Config) (*ThresholdKey, error) {
	c, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if c.Threshold < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2, got %d", ErrValidation, c.Threshold)
	}

	identity, err := c.ServiceProvider.IdentityShare()
	if err != nil {
		return nil, fmt.Errorf("failed to get identity share: %w", err)
	}
	if err := identity.Validate(c.Curve); err != nil {
		return nil, fmt.Errorf("%w: identity share: %v", ErrValidation, err)
	}

	return &ThresholdKey{
		curve:      c.Curve,
		storage:    c.Storage,
		sp:         c.ServiceProvider,
		identity:   identity,
		threshold:  c.Threshold,
		manualSync: c.ManualSync,
		log:        c.Log,
		cfg:        c,
		queue:      semaphore.NewWeighted(1),
		state:      atomic.NewInt32(int32(StateUninitialized)),
	}, nil
}

// Curve returns the field and group configuration of the key.
func (k *ThresholdKey) Curve() *curve.Curve {
	return k.curve
}

// State returns the lifecycle state.
func (k *ThresholdKey) State() State {
	return State(k.state.Load())
}

func (k *ThresholdKey) stateError(op string) error {
	return fmt.Errorf("%w: cannot %s in state %s", ErrState, op, k.State())
}

func aborted(err error) error {
	return fmt.Errorf("%w: operation aborted: %w", ErrState, err)
}

// begin takes the mutation queue and moves the key from `from` to `to`.
// The returned function releases both.
func (k *ThresholdKey) begin(ctx context.Context, op string, from, to State) (func(State), error) {
	if err := k.queue.Acquire(ctx, 1); err != nil {
		return nil, aborted(err)
	}
	if !k.state.CompareAndSwap(int32(from), int32(to)) {
		k.queue.Release(1)
		return nil, k.stateError(op)
	}
	return func(final State) {
		k.state.Store(int32(final))
		k.queue.Release(1)
	}, nil
}

type syncMode int

const (
	syncAuto syncMode = iota
	syncNow
	syncDefer
)

func syncModeFor(updateMetadata bool) syncMode {
	if updateMetadata {
		return syncNow
	}
	return syncDefer
}

// draft is the working copy of a mutation.
type draft struct {
	meta   *Metadata
	shares ShareStoreMap
	log    []Transition
}

func (d *draft) apply(t Transition) error {
	if err := t.Apply(d.meta); err != nil {
		return err
	}
	d.log = append(d.log, t)
	return nil
}

// mutate runs fn on a copy of the local state and publishes the result in one
// step. Nothing is published when fn fails or ctx is done before publishing.
func (k *ThresholdKey) mutate(ctx context.Context, op string, mode syncMode, fn func(d *draft) error) error {
	done, err := k.begin(ctx, op, StateReady, StateMutating)
	if err != nil {
		return err
	}
	defer done(StateReady)

	k.mu.RLock()
	d := &draft{meta: k.current.Clone(), shares: k.shares.Clone()}
	k.mu.RUnlock()

	if err := fn(d); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return aborted(err)
	}

	k.mu.Lock()
	k.current = d.meta
	k.shares = d.shares
	k.transitions = append(k.transitions, d.log...)
	k.mu.Unlock()

	if mode == syncNow || (mode == syncAuto && !k.manualSync) {
		return k.syncLocked(ctx)
	}
	return nil
}

// SyncLocalMetadataTransitions commits the pending transitions as one new
// metadata version. On failure the transitions are kept for a retry; after
// ErrSyncConflict call Refresh first.
func (k *ThresholdKey) SyncLocalMetadataTransitions(ctx context.Context) error {
	done, err := k.begin(ctx, "sync metadata", StateReady, StateMutating)
	if err != nil {
		return err
	}
	defer done(StateReady)
	return k.syncLocked(ctx)
}

// syncLocked must be called with the queue held.
func (k *ThresholdKey) syncLocked(ctx context.Context) error {
	k.mu.RLock()
	base := k.lastFetched
	pending := cloneTransitions(k.transitions)
	k.mu.RUnlock()

	if len(pending) == 0 {
		return nil
	}

	next, err := applyTransitions(base, pending)
	if err != nil {
		return err
	}
	next.Nonce = base.Nonce + 1

	if err := k.commitMetadata(ctx, base.Nonce, next); err != nil {
		k.log.Warn("metadata sync failed",
			slog.Int64("baseNonce", base.Nonce),
			slog.Int("transitions", len(pending)),
			"err", err)
		return err
	}

	k.mu.Lock()
	k.lastFetched = next
	k.current = next.Clone()
	k.transitions = nil
	k.mu.Unlock()

	k.log.Debug("metadata synced", slog.Int64("nonce", next.Nonce), slog.Int("transitions", len(pending)))
	return nil
}

func (k *ThresholdKey) commitMetadata(ctx context.Context, prior int64, m *Metadata) error {
	payload, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	req := interfaces.CommitRequest{
		Address:       k.sp.PublicKey(),
		ExpectedPrior: prior,
		Version:       m.Nonce,
		Payload:       payload,
	}
	req.Signature, err = k.sp.SignRequest(req.Digest())
	if err != nil {
		return fmt.Errorf("%w: signing commit: %v", ErrCrypto, err)
	}
	if err := k.storage.Commit(ctx, req); err != nil {
		return storageError(err)
	}
	return nil
}

// fetchMetadata returns nil when nothing was ever committed for the address.
func (k *ThresholdKey) fetchMetadata(ctx context.Context) (*Metadata, error) {
	rec, err := k.storage.Fetch(ctx, k.sp.PublicKey())
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err)
	}
	m, err := ParseMetadata(k.curve, rec.Payload)
	if err != nil {
		return nil, err
	}
	if m.Nonce != rec.Version {
		return nil, fmt.Errorf("%w: metadata nonce %d stored at version %d", ErrFormat, m.Nonce, rec.Version)
	}
	return m, nil
}

// loaded is the state assembled by Initialize before it is published.
type loaded struct {
	lastFetched *Metadata
	current     *Metadata
	transitions []Transition
	shares      ShareStoreMap
}

// Initialize loads the key's metadata, creating a new key if none exists, and
// inputs the identity share plus opts.Input.
func (k *ThresholdKey) Initialize(ctx context.Context, opts InitializeOptions) (*KeyDetails, error) {
	done, err := k.begin(ctx, "initialize", StateUninitialized, StateBootstrapping)
	if err != nil {
		return nil, err
	}
	final := StateUninitialized
	defer func() { done(final) }()

	remote, err := k.fetchMetadata(ctx)
	if err != nil {
		return nil, err
	}

	var l *loaded
	if remote == nil || remote.Deleted {
		if opts.NeverInitializeNewKey {
			return nil, fmt.Errorf("%w: no metadata for %s", ErrNotFound, k.sp.PublicKey())
		}
		l, err = k.bootstrap(ctx, remote, opts.ImportKey)
	} else {
		l, err = k.load(remote, opts.IncludeLocalMetadataTransitions)
	}
	if err != nil {
		return nil, err
	}

	if opts.Input != nil {
		if err := checkShare(k.curve, l.current, l.shares, *opts.Input); err != nil {
			return nil, err
		}
		l.shares.Put(*opts.Input)
	}

	if err := ctx.Err(); err != nil {
		return nil, aborted(err)
	}

	k.mu.Lock()
	k.lastFetched = l.lastFetched
	k.current = l.current
	k.transitions = l.transitions
	k.shares = l.shares
	k.privKey = nil
	details := keyDetails(l.current, l.shares)
	k.mu.Unlock()

	final = StateReady
	k.log.Info("key initialized",
		slog.String("pubKey", details.PubKey.Hex()),
		slog.Int64("nonce", l.lastFetched.Nonce),
		slog.Int("threshold", details.Threshold),
		slog.Int("requiredShares", details.RequiredShares))
	return details, nil
}

// bootstrap creates and commits the first polynomial of a new key. tombstone is
// the deleted metadata of a previous key at the same address, if any.
func (k *ThresholdKey) bootstrap(ctx context.Context, tombstone *Metadata, importKey *curve.Scalar) (*loaded, error) {
	var secret curve.Scalar
	if importKey != nil {
		if importKey.IsZero() {
			return nil, fmt.Errorf("%w: imported key must not be zero", ErrValidation)
		}
		if err := k.curve.Validate(*importKey); err != nil {
			return nil, fmt.Errorf("%w: imported key: %v", ErrValidation, err)
		}
		secret = *importKey
	}

	poly, err := shamir.GenerateWithShares(k.curve, secret, []shamir.Share{k.identity}, k.threshold)
	if err != nil {
		return nil, mathError(err)
	}
	commitments, err := poly.Commitments()
	if err != nil {
		return nil, mathError(err)
	}
	polyID := shamir.NewPolyID(commitments)

	shares := ShareStoreMap{}
	shares.Put(ShareStore{Share: k.identity, PolyID: polyID})
	used := map[string]bool{k.identity.Index.Hex(): true}
	indexes := []string{k.identity.Index.Hex()}
	for i := 1; i < k.threshold; i++ {
		idx, err := shamir.RandomShareIndex(k.curve, used)
		if err != nil {
			return nil, mathError(err)
		}
		used[idx.Hex()] = true
		indexes = append(indexes, idx.Hex())
		shares.Put(ShareStore{Share: poly.Share(idx), PolyID: polyID})
	}

	prior, nonce := interfaces.NoVersion, int64(0)
	if tombstone != nil {
		prior, nonce = tombstone.Nonce, tombstone.Nonce+1
	}
	meta := newMetadata(commitments[0], PolyEntry{
		ID:           polyID,
		Threshold:    k.threshold,
		ShareIndexes: indexes,
		Commitments:  commitments,
	}, nonce)

	if err := k.commitMetadata(ctx, prior, meta); err != nil {
		return nil, err
	}
	k.log.Info("bootstrapped new key",
		slog.String("pubKey", meta.PubKey.Hex()),
		slog.String("polyID", polyID.String()),
		slog.Bool("imported", importKey != nil))

	return &loaded{
		lastFetched: meta,
		current:     meta.Clone(),
		shares:      shares,
	}, nil
}

// load reconciles fetched metadata with the state carried in the Config.
func (k *ThresholdKey) load(remote *Metadata, includeTransitions bool) (*loaded, error) {
	base := remote
	if lf := k.cfg.LastFetchedCloudMetadata; lf != nil && !lf.Deleted && lf.Nonce > remote.Nonce {
		k.log.Warn("configured metadata is newer than remote",
			slog.Int64("configuredNonce", lf.Nonce),
			slog.Int64("remoteNonce", remote.Nonce))
		base = lf.Clone()
	}

	l := &loaded{lastFetched: base, current: base.Clone(), shares: ShareStoreMap{}}

	if pending := k.cfg.Transitions; includeTransitions && pending != nil && len(pending.Transitions) > 0 {
		if pending.BaseNonce != base.Nonce {
			return nil, fmt.Errorf("%w: transitions were recorded on nonce %d, metadata is at %d",
				ErrSyncConflict, pending.BaseNonce, base.Nonce)
		}
		current, err := applyTransitions(base, pending.Transitions)
		if err != nil {
			return nil, err
		}
		l.current = current
		l.transitions = cloneTransitions(pending.Transitions)
	}

	for _, byIndex := range k.cfg.Shares {
		for _, ss := range byIndex {
			if err := checkShare(k.curve, l.current, l.shares, ss); err != nil {
				return nil, fmt.Errorf("carried share %s: %w", ss.IndexHex(), err)
			}
			l.shares.Put(ss)
		}
	}

	latest, err := l.current.LatestPoly()
	if err != nil {
		return nil, err
	}
	identity := ShareStore{Share: k.identity, PolyID: latest.ID}
	if err := shamir.VerifyShare(k.curve, latest.Commitments, k.identity); err != nil {
		return nil, fmt.Errorf("identity share: %w", mathError(err))
	}
	if _, held := l.shares.Get(latest.ID, identity.IndexHex()); !held {
		l.shares.Put(identity)
	}
	return l, nil
}

// Refresh re-fetches the remote metadata and rebases the pending transitions on
// it. Use it after ErrSyncConflict.
func (k *ThresholdKey) Refresh(ctx context.Context) error {
	done, err := k.begin(ctx, "refresh", StateReady, StateMutating)
	if err != nil {
		return err
	}
	defer done(StateReady)

	remote, err := k.fetchMetadata(ctx)
	if err != nil {
		return err
	}
	if remote == nil || remote.Deleted {
		return fmt.Errorf("%w: key metadata was removed remotely", ErrNotFound)
	}

	k.mu.RLock()
	pending := cloneTransitions(k.transitions)
	k.mu.RUnlock()

	current, err := applyTransitions(remote, pending)
	if err != nil {
		return fmt.Errorf("%w: pending transitions do not apply to nonce %d: %w", ErrSyncConflict, remote.Nonce, err)
	}
	if err := ctx.Err(); err != nil {
		return aborted(err)
	}

	k.mu.Lock()
	k.lastFetched = remote
	k.current = current
	k.mu.Unlock()

	k.log.Debug("metadata refreshed", slog.Int64("nonce", remote.Nonce), slog.Int("pending", len(pending)))
	return nil
}

// DeleteTkey commits a tombstone for the key and forgets all local state. It
// requires a reconstructed key. Pending transitions are discarded.
func (k *ThresholdKey) DeleteTkey(ctx context.Context) error {
	done, err := k.begin(ctx, "delete key", StateReady, StateMutating)
	if err != nil {
		return err
	}
	final := StateReady
	defer func() { done(final) }()

	k.mu.RLock()
	base := k.lastFetched
	haveKey := k.privKey != nil
	k.mu.RUnlock()
	if !haveKey {
		return ErrKeyUnavailable
	}

	tombstone := &Metadata{
		ShareDescriptions: map[string][]string{},
		GeneralStore:      map[string]ModuleRecord{},
		TkeyStore:         map[string][]SealedItem{},
		Nonce:             base.Nonce + 1,
		Deleted:           true,
	}
	if err := k.commitMetadata(ctx, base.Nonce, tombstone); err != nil {
		return err
	}

	k.mu.Lock()
	k.current = nil
	k.lastFetched = nil
	k.transitions = nil
	k.shares = nil
	k.privKey = nil
	k.mu.Unlock()

	final = StateDeleted
	k.log.Info("key deleted", slog.Int64("nonce", tombstone.Nonce))
	return nil
}

// view returns the published metadata and shares. Both are immutable.
func (k *ThresholdKey) view() (*Metadata, ShareStoreMap, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.current == nil {
		return nil, nil, k.stateError("read metadata")
	}
	return k.current, k.shares, nil
}

func (k *ThresholdKey) privateKey() (curve.Scalar, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.privKey == nil {
		return curve.Scalar{}, ErrKeyUnavailable
	}
	return *k.privKey, nil
}

func keyDetails(m *Metadata, shares ShareStoreMap) *KeyDetails {
	details := &KeyDetails{
		PubKey:            m.PubKey,
		ShareDescriptions: make(map[string][]string, len(m.ShareDescriptions)),
	}
	for idx, descs := range m.ShareDescriptions {
		details.ShareDescriptions[idx] = append([]string{}, descs...)
	}
	latest, err := m.LatestPoly()
	if err != nil {
		return details
	}
	details.Threshold = latest.Threshold
	details.TotalShares = len(latest.ShareIndexes)
	details.RequiredShares = max(latest.Threshold-len(shares[latest.ID]), 0)
	return details
}

// GetKeyDetails summarizes the current state of the key.
func (k *ThresholdKey) GetKeyDetails() (*KeyDetails, error) {
	m, shares, err := k.view()
	if err != nil {
		return nil, err
	}
	return keyDetails(m, shares), nil
}

// GetCurrentMetadata returns the last fetched metadata with pending transitions applied.
func (k *ThresholdKey) GetCurrentMetadata() (*Metadata, error) {
	m, _, err := k.view()
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// GetLastFetchedCloudMetadata returns the metadata as last observed in storage.
func (k *ThresholdKey) GetLastFetchedCloudMetadata() (*Metadata, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.lastFetched == nil {
		return nil, k.stateError("read metadata")
	}
	return k.lastFetched.Clone(), nil
}

// GetLocalMetadataTransitions returns the pending transitions. After a
// successful sync Transitions is nil.
func (k *ThresholdKey) GetLocalMetadataTransitions() (*LocalMetadataTransitions, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.lastFetched == nil {
		return nil, k.stateError("read transitions")
	}
	return &LocalMetadataTransitions{
		BaseNonce:   k.lastFetched.Nonce,
		Transitions: cloneTransitions(k.transitions),
	}, nil
}
