package tkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
	"github.com/ruteri/tkey-engine/serviceprovider"
	"github.com/ruteri/tkey-engine/shamir"
	"github.com/ruteri/tkey-engine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// countingStorage counts successful commits and can be told to fail them.
type countingStorage struct {
	interfaces.StorageLayer
	commits *atomic.Int64
	failErr error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{
		StorageLayer: storage.NewMemoryVersionedStore(discardLogger()),
		commits:      atomic.NewInt64(0),
	}
}

func (s *countingStorage) Commit(ctx context.Context, req interfaces.CommitRequest) error {
	if s.failErr != nil {
		return s.failErr
	}
	if err := s.StorageLayer.Commit(ctx, req); err != nil {
		return err
	}
	s.commits.Inc()
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	curve   *curve.Curve
	storage *countingStorage
	sp      *serviceprovider.PostboxProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := curve.Secp256k1()
	sp, err := serviceprovider.GeneratePostboxProvider(c)
	require.NoError(t, err)
	return &fixture{curve: c, storage: newCountingStorage(), sp: sp}
}

func (f *fixture) config(manualSync bool) Config {
	return Config{
		Storage:         f.storage,
		ServiceProvider: f.sp,
		Curve:           f.curve,
		ManualSync:      manualSync,
		Log:             discardLogger(),
	}
}

func (f *fixture) newKey(t *testing.T, manualSync bool) *ThresholdKey {
	t.Helper()
	k, err := New(f.config(manualSync))
	require.NoError(t, err)
	return k
}

func (f *fixture) initKey(t *testing.T, manualSync bool) *ThresholdKey {
	t.Helper()
	k := f.newKey(t, manualSync)
	_, err := k.Initialize(context.Background(), InitializeOptions{})
	require.NoError(t, err)
	return k
}

func assertSameShare(t *testing.T, expected, actual ShareStore) {
	t.Helper()
	assert.Equal(t, expected.PolyID, actual.PolyID, "polynomial id")
	assert.Equal(t, expected.Share.Index.Hex(), actual.Share.Index.Hex(), "share index")
	assert.Equal(t, expected.Share.Value.Hex(), actual.Share.Value.Hex(), "share value")
}

func TestInitializeBootstrapsNewKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.newKey(t, false)
	assert.Equal(t, StateUninitialized, k.State())

	_, err := k.GetKeyDetails()
	assert.ErrorIs(t, err, ErrState, "reads before Initialize should fail")

	details, err := k.Initialize(ctx, InitializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateReady, k.State())
	assert.Equal(t, DefaultThreshold, details.Threshold)
	assert.Equal(t, 2, details.TotalShares)
	assert.Equal(t, 0, details.RequiredShares)
	assert.Equal(t, int64(1), f.storage.commits.Load(), "bootstrap commits once")

	cloud, err := k.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(0), cloud.Nonce, "a new key starts at version 0")

	rec, err := k.Reconstruct(ctx)
	require.NoError(t, err)
	pub, err := f.curve.ScalarBaseMult(rec.Key)
	require.NoError(t, err)
	assert.True(t, pub.Equal(details.PubKey), "reconstructed key should match the public key")

	latest, err := cloud.LatestPoly()
	require.NoError(t, err)
	assert.Equal(t, latest.ID, rec.SeedPolyID)

	_, err = k.Initialize(ctx, InitializeOptions{})
	assert.ErrorIs(t, err, ErrState, "second Initialize should fail")
}

func TestInitializeNeverInitializeNewKey(t *testing.T) {
	f := newFixture(t)
	k := f.newKey(t, false)

	_, err := k.Initialize(context.Background(), InitializeOptions{NeverInitializeNewKey: true})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, StateUninitialized, k.State())
	assert.Equal(t, int64(0), f.storage.commits.Load())
}

func TestInitializeImportKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret, err := f.curve.RandomScalar()
	require.NoError(t, err)

	k := f.newKey(t, false)
	_, err = k.Initialize(ctx, InitializeOptions{ImportKey: &secret})
	require.NoError(t, err)

	rec, err := k.Reconstruct(ctx)
	require.NoError(t, err)
	assert.True(t, secret.Equal(rec.Key), "imported key should be reconstructed")
}

func TestInitializeLoadsExistingKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k1 := f.initKey(t, false)
	d1, err := k1.GetKeyDetails()
	require.NoError(t, err)

	k2 := f.newKey(t, false)
	d2, err := k2.Initialize(ctx, InitializeOptions{NeverInitializeNewKey: true})
	require.NoError(t, err)
	assert.True(t, d1.PubKey.Equal(d2.PubKey))
	assert.Equal(t, 1, d2.RequiredShares, "only the identity share is resident")
	assert.Equal(t, int64(1), f.storage.commits.Load(), "loading does not commit")

	indexes, err := k2.GetSharesIndexes()
	require.NoError(t, err)
	assert.Equal(t, []string{f.curve.ScalarFromUint64(serviceprovider.IdentityShareIndex).Hex()}, indexes)

	_, err = k2.Reconstruct(ctx)
	assert.ErrorIs(t, err, ErrInsufficientShares)
	assert.Equal(t, CodeInsufficientShares, CodeOf(err))
}

func TestInitializeWithWrongIdentity(t *testing.T) {
	f := newFixture(t)
	f.initKey(t, false)

	// same address, different postbox key
	other, err := serviceprovider.GeneratePostboxProvider(f.curve)
	require.NoError(t, err)
	cfg := f.config(false)
	cfg.ServiceProvider = &addressOverride{PostboxProvider: other, addr: f.sp.PublicKey()}
	k, err := New(cfg)
	require.NoError(t, err)

	_, err = k.Initialize(context.Background(), InitializeOptions{})
	assert.ErrorIs(t, err, ErrInconsistentShare)
}

type addressOverride struct {
	*serviceprovider.PostboxProvider
	addr curve.KeyPoint
}

func (a *addressOverride) PublicKey() curve.KeyPoint { return a.addr }

func TestShareLifecycleRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k1 := f.initKey(t, false)

	ss, err := k1.GenerateNewShare(ctx)
	require.NoError(t, err)
	encoded, err := k1.OutputShare(ss.IndexHex(), TransportHex)
	require.NoError(t, err)

	k2 := f.initKey(t, false)
	require.NoError(t, k2.InputShare(ctx, encoded, TransportHex))

	got, err := k2.OutputShareStore(ss.IndexHex(), "")
	require.NoError(t, err)
	assertSameShare(t, ss, got)

	rec2, err := k2.Reconstruct(ctx)
	require.NoError(t, err)
	rec1, err := k1.Reconstruct(ctx)
	require.NoError(t, err)
	assert.True(t, rec1.Key.Equal(rec2.Key), "both instances should reconstruct the same key")

	err = k2.InputShare(ctx, encoded, TransportHex)
	assert.ErrorIs(t, err, ErrDuplicateShare)
	assert.Equal(t, CodeDuplicateShare, CodeOf(err))

	indexes, err := k1.GetSharesIndexes()
	require.NoError(t, err)
	assert.Contains(t, indexes, ss.IndexHex())

	require.NoError(t, k1.DeleteShare(ctx, ss.IndexHex()))
	indexes, err = k1.GetSharesIndexes()
	require.NoError(t, err)
	assert.NotContains(t, indexes, ss.IndexHex())

	err = k1.DeleteShare(ctx, ss.IndexHex())
	assert.ErrorIs(t, err, ErrNotFound, "deleting twice should fail")
}

func TestShareTransports(t *testing.T) {
	f := newFixture(t)
	k := f.initKey(t, false)
	indexes, err := k.GetSharesIndexes()
	require.NoError(t, err)
	ss, err := k.OutputShareStore(indexes[1], "")
	require.NoError(t, err)

	for _, transport := range []ShareTransport{TransportHex, TransportBase64, TransportJSON} {
		encoded, err := EncodeShareStore(f.curve, ss, transport)
		require.NoError(t, err, transport.String())
		decoded, err := DecodeShareStore(f.curve, encoded, transport)
		require.NoError(t, err, transport.String())
		assertSameShare(t, ss, decoded)
	}

	_, err = DecodeShareStore(f.curve, "not hex", TransportHex)
	assert.ErrorIs(t, err, ErrFormat)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = ParseShareTransport("carrier-pigeon")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInputShareRejectsBadShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k1 := f.initKey(t, false)
	ss, err := k1.GenerateNewShare(ctx)
	require.NoError(t, err)

	k2 := f.initKey(t, false)

	forged := ss
	forged.Share.Value = f.curve.Add(ss.Share.Value, f.curve.ScalarFromUint64(1))
	err = k2.InputShareStore(ctx, forged)
	assert.ErrorIs(t, err, ErrInconsistentShare)
	assert.Equal(t, CodeCrypto, CodeOf(err))

	unknown := ss
	unknown.PolyID = shamir.PolyID("00")
	assert.ErrorIs(t, k2.InputShareStore(ctx, unknown), ErrNotFound)

	assert.ErrorIs(t, k2.InputShare(ctx, "zz", TransportHex), ErrFormat)

	shares, err := k2.GetShares()
	require.NoError(t, err)
	assert.Len(t, shares[ss.PolyID], 1, "rejected shares must not become resident")
}

func TestInterpolate(t *testing.T) {
	c := curve.Secp256k1()
	secret, err := c.RandomScalar()
	require.NoError(t, err)
	pub, err := c.ScalarBaseMult(secret)
	require.NoError(t, err)

	for _, threshold := range []int{2, 3, 5} {
		poly, err := shamir.Generate(c, secret, threshold, threshold+2)
		require.NoError(t, err)
		shares := make([]shamir.Share, 0, threshold+2)
		for i := 1; i <= threshold+2; i++ {
			idx, err := shamir.NewShareIndex(c.ScalarFromUint64(uint64(i)))
			require.NoError(t, err)
			shares = append(shares, poly.Share(idx))
		}

		got, err := Interpolate(c, shares[:threshold], threshold, pub)
		require.NoError(t, err)
		assert.True(t, secret.Equal(got))

		got, err = Interpolate(c, shares[2:2+threshold], threshold, pub)
		require.NoError(t, err)
		assert.True(t, secret.Equal(got), "any subset should give the same secret")

		_, err = Interpolate(c, shares[:threshold-1], threshold, pub)
		assert.ErrorIs(t, err, ErrInsufficientShares)

		for i := 0; i < threshold; i++ {
			tampered := append([]shamir.Share(nil), shares[:threshold]...)
			tampered[i].Value = c.Add(tampered[i].Value, c.ScalarFromUint64(7))
			_, err = Interpolate(c, tampered, threshold, pub)
			assert.ErrorIs(t, err, ErrInconsistentShare, "tampering with share %d should be detected", i)
		}
	}
}

func TestMetadataVersionMonotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, true)
	indexes, err := k.GetSharesIndexes()
	require.NoError(t, err)

	const rounds = 4
	for i := 0; i < rounds; i++ {
		require.NoError(t, k.AddShareDescription(ctx, indexes[1], "device "+string(rune('a'+i)), false))
		require.NoError(t, k.SyncLocalMetadataTransitions(ctx))
	}

	cloud, err := k.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(rounds), cloud.Nonce)
	assert.Len(t, cloud.ShareDescriptions[indexes[1]], rounds)

	pending, err := k.GetLocalMetadataTransitions()
	require.NoError(t, err)
	assert.Nil(t, pending.Transitions, "the log is cleared after sync")
	assert.Equal(t, int64(rounds), pending.BaseNonce)

	// nothing pending: no commit
	before := f.storage.commits.Load()
	require.NoError(t, k.SyncLocalMetadataTransitions(ctx))
	assert.Equal(t, before, f.storage.commits.Load())
}

func threeMutations(t *testing.T, k *ThresholdKey) {
	t.Helper()
	ctx := context.Background()
	_, err := k.GenerateNewShare(ctx)
	require.NoError(t, err)
	_, err = k.SetTkeyStoreItem(ctx, "notes", "first", Record{"text": Strings("hello")})
	require.NoError(t, err)
	require.NoError(t, k.SetGeneralStoreRecord(ctx, "device", ModuleRecord{Generic: Record{"name": Strings("laptop")}}))
}

func TestManualSyncBatching(t *testing.T) {
	ctx := context.Background()

	t.Run("manual", func(t *testing.T) {
		f := newFixture(t)
		k := f.initKey(t, true)
		base := f.storage.commits.Load()

		threeMutations(t, k)
		assert.Equal(t, base, f.storage.commits.Load(), "manual sync must not commit implicitly")

		pending, err := k.GetLocalMetadataTransitions()
		require.NoError(t, err)
		assert.Len(t, pending.Transitions, 3)

		require.NoError(t, k.SyncLocalMetadataTransitions(ctx))
		assert.Equal(t, base+1, f.storage.commits.Load(), "one commit for the batch")

		cloud, err := k.GetLastFetchedCloudMetadata()
		require.NoError(t, err)
		assert.Equal(t, int64(1), cloud.Nonce)
		latest, err := cloud.LatestPoly()
		require.NoError(t, err)
		assert.Len(t, latest.ShareIndexes, 3)
		assert.Len(t, cloud.TkeyStore["notes"], 1)
		assert.Contains(t, cloud.GeneralStore, "device")
	})

	t.Run("auto", func(t *testing.T) {
		f := newFixture(t)
		k := f.initKey(t, false)
		base := f.storage.commits.Load()

		threeMutations(t, k)
		assert.Equal(t, base+3, f.storage.commits.Load(), "one commit per mutation")

		cloud, err := k.GetLastFetchedCloudMetadata()
		require.NoError(t, err)
		assert.Equal(t, int64(3), cloud.Nonce)
	})
}

func TestUpdateMetadataFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, true)
	indexes, err := k.GetSharesIndexes()
	require.NoError(t, err)
	idx := indexes[1]
	base := f.storage.commits.Load()

	require.NoError(t, k.AddShareDescription(ctx, idx, "phone", true))
	assert.Equal(t, base+1, f.storage.commits.Load(), "updateMetadata forces a commit in manual mode")

	require.NoError(t, k.UpdateShareDescription(ctx, idx, "phone", "tablet", false))
	assert.Equal(t, base+1, f.storage.commits.Load())

	err = k.UpdateShareDescription(ctx, idx, "phone", "watch", false)
	assert.ErrorIs(t, err, ErrNotFound)

	descs, err := k.GetShareDescriptions()
	require.NoError(t, err)
	assert.Equal(t, []string{"tablet"}, descs[idx])

	require.NoError(t, k.DeleteShareDescription(ctx, idx, "tablet", true))
	assert.Equal(t, base+2, f.storage.commits.Load())
	assert.ErrorIs(t, k.DeleteShareDescription(ctx, idx, "tablet", true), ErrNotFound)

	cloud, err := k.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.NotContains(t, cloud.ShareDescriptions, idx)

	assert.ErrorIs(t, k.AddShareDescription(ctx, "0", "zero", true), ErrValidation)
}

func TestSyncConflictAndRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k1 := f.initKey(t, true)
	k2 := f.initKey(t, true)
	indexes, err := k1.GetSharesIndexes()
	require.NoError(t, err)

	require.NoError(t, k1.AddShareDescription(ctx, indexes[0], "from k1", true))

	require.NoError(t, k2.AddShareDescription(ctx, indexes[0], "from k2", false))
	err = k2.SyncLocalMetadataTransitions(ctx)
	assert.ErrorIs(t, err, ErrSyncConflict)
	assert.Equal(t, CodeSyncConflict, CodeOf(err))

	pending, err := k2.GetLocalMetadataTransitions()
	require.NoError(t, err)
	assert.Len(t, pending.Transitions, 1, "the log is kept after a conflict")
	assert.Equal(t, int64(0), pending.BaseNonce)

	require.NoError(t, k2.Refresh(ctx))
	require.NoError(t, k2.SyncLocalMetadataTransitions(ctx))

	cloud, err := k2.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cloud.Nonce)
	assert.ElementsMatch(t, []string{"from k1", "from k2"}, cloud.ShareDescriptions[indexes[0]])
}

func TestStorageFailureKeepsTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, false)

	f.storage.failErr = interfaces.ErrBackendUnavailable
	_, err := k.GenerateNewShare(ctx)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, CodeStorage, CodeOf(err))

	pending, err := k.GetLocalMetadataTransitions()
	require.NoError(t, err)
	assert.Len(t, pending.Transitions, 1)
	cloud, err := k.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(0), cloud.Nonce, "a failed commit does not advance the version")

	f.storage.failErr = nil
	require.NoError(t, k.SyncLocalMetadataTransitions(ctx))
	cloud, err = k.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cloud.Nonce)
}

func TestCancelledMutationLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	k := f.initKey(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := k.GenerateNewShare(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	pending, err := k.GetLocalMetadataTransitions()
	require.NoError(t, err)
	assert.Empty(t, pending.Transitions)
	details, err := k.GetKeyDetails()
	require.NoError(t, err)
	assert.Equal(t, 2, details.TotalShares)
	assert.Equal(t, StateReady, k.State())
}

func TestResumeFromCarriedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k1 := f.initKey(t, true)
	indexes, err := k1.GetSharesIndexes()
	require.NoError(t, err)
	require.NoError(t, k1.AddShareDescription(ctx, indexes[1], "laptop", false))

	pending, err := k1.GetLocalMetadataTransitions()
	require.NoError(t, err)
	shares, err := k1.GetShares()
	require.NoError(t, err)
	cloud, err := k1.GetLastFetchedCloudMetadata()
	require.NoError(t, err)

	cfg := f.config(true)
	cfg.Transitions = pending
	cfg.Shares = shares
	cfg.LastFetchedCloudMetadata = cloud
	k2, err := New(cfg)
	require.NoError(t, err)
	details, err := k2.Initialize(ctx, InitializeOptions{IncludeLocalMetadataTransitions: true})
	require.NoError(t, err)
	assert.Equal(t, 0, details.RequiredShares, "carried shares are resident")
	assert.Equal(t, []string{"laptop"}, details.ShareDescriptions[indexes[1]])

	require.NoError(t, k2.SyncLocalMetadataTransitions(ctx))
	_, err = k2.Reconstruct(ctx)
	require.NoError(t, err)

	// the carried log was recorded on nonce 0, the remote is now at 1
	k3, err := New(cfg)
	require.NoError(t, err)
	_, err = k3.Initialize(ctx, InitializeOptions{IncludeLocalMetadataTransitions: true})
	assert.ErrorIs(t, err, ErrSyncConflict)
}

func TestEncryptDecrypt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, false)
	msg := []byte("attack at dawn")

	ct, err := k.Encrypt(msg)
	require.NoError(t, err)

	_, err = k.Decrypt(ct)
	assert.ErrorIs(t, err, ErrKeyUnavailable, "decrypt needs a reconstructed key")
	assert.Equal(t, CodeState, CodeOf(err))

	_, err = k.Reconstruct(ctx)
	require.NoError(t, err)
	pt, err := k.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, msg, pt)

	ct[len(ct)-1] ^= 0xff
	_, err = k.Decrypt(ct)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestTkeyStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, false)

	id, err := k.SetTkeyStoreItem(ctx, "seedPhrase", "", Record{
		"phrase": Strings("alpha", "beta"),
		"meta":   Nested(Record{"type": Strings("bip39")}),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "an empty id gets a generated one")

	_, err = k.GetTkeyStoreItem("seedPhrase", id)
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = k.Reconstruct(ctx)
	require.NoError(t, err)

	item, err := k.GetTkeyStoreItem("seedPhrase", id)
	require.NoError(t, err)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, []string{"alpha", "beta"}, item.Data["phrase"].Strings)
	assert.Equal(t, []string{"bip39"}, item.Data["meta"].Record["type"].Strings)

	_, err = k.SetTkeyStoreItem(ctx, "seedPhrase", "second", Record{"phrase": Strings("gamma")})
	require.NoError(t, err)
	items, err := k.GetTkeyStore("seedPhrase")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = k.GetTkeyStore("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = k.GetTkeyStoreItem("seedPhrase", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, k.DeleteTkeyStoreItem(ctx, "seedPhrase", id))
	assert.ErrorIs(t, k.DeleteTkeyStoreItem(ctx, "seedPhrase", id), ErrNotFound)
	items, err = k.GetTkeyStore("seedPhrase")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = k.SetTkeyStoreItem(ctx, "", "x", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGeneralStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, false)

	_, err := k.GetGeneralStoreRecord("device")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := ModuleRecord{Generic: Record{"name": Strings("laptop")}}
	require.NoError(t, k.SetGeneralStoreRecord(ctx, "device", rec))

	got, err := k.GetGeneralStoreRecord("device")
	require.NoError(t, err)
	assert.Equal(t, KindGeneric, got.Kind())
	name, ok := got.Generic.First("name")
	assert.True(t, ok)
	assert.Equal(t, "laptop", name)

	require.NoError(t, k.UpdateGeneralStoreRecord(ctx, "device", func(current *ModuleRecord) (ModuleRecord, error) {
		require.NotNil(t, current)
		name, _ := current.Generic.First("name")
		return ModuleRecord{Generic: Record{"name": Strings(name + " 2")}}, nil
	}))
	got, err = k.GetGeneralStoreRecord("device")
	require.NoError(t, err)
	name, _ = got.Generic.First("name")
	assert.Equal(t, "laptop 2", name)

	require.NoError(t, k.DeleteGeneralStoreRecord(ctx, "device"))
	assert.ErrorIs(t, k.DeleteGeneralStoreRecord(ctx, "device"), ErrNotFound)

	err = k.UpdateGeneralStoreRecord(ctx, "device", func(current *ModuleRecord) (ModuleRecord, error) {
		assert.Nil(t, current)
		return ModuleRecord{}, ErrNotFound
	})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = k.GetGeneralStoreRecord("device")
	assert.ErrorIs(t, err, ErrNotFound, "a failed update publishes nothing")

	bad := ModuleRecord{Generic: Record{}, SecurityQuestion: &SecurityQuestionRecord{}}
	assert.ErrorIs(t, k.SetGeneralStoreRecord(ctx, "bad", bad), ErrValidation)
}

func TestDeleteShareConstraints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, false)
	identity := f.curve.ScalarFromUint64(serviceprovider.IdentityShareIndex).Hex()

	assert.ErrorIs(t, k.DeleteShare(ctx, identity), ErrValidation)

	indexes, err := k.GetSharesIndexes()
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	device := indexes[1]
	assert.ErrorIs(t, k.DeleteShare(ctx, device), ErrInsufficientShares, "cannot drop below threshold")

	unknown := f.curve.ScalarFromUint64(999).Hex()
	assert.ErrorIs(t, k.DeleteShare(ctx, unknown), ErrNotFound)

	_, err = k.GenerateNewShare(ctx)
	require.NoError(t, err)
	require.NoError(t, k.AddShareDescription(ctx, device, "old phone", true))
	require.NoError(t, k.DeleteShare(ctx, device))

	descs, err := k.GetShareDescriptions()
	require.NoError(t, err)
	assert.NotContains(t, descs, device, "descriptions go with the share")

	_, err = k.Reconstruct(ctx)
	require.NoError(t, err, "remaining shares still reconstruct")
}

func TestShareToShareStoreAndListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k1 := f.initKey(t, false)
	ss, err := k1.GenerateNewShare(ctx)
	require.NoError(t, err)

	k2 := f.initKey(t, false)
	found, err := k2.ShareToShareStore(ss.Share.Value.Hex())
	require.NoError(t, err)
	assertSameShare(t, ss, found)

	random, err := f.curve.RandomScalar()
	require.NoError(t, err)
	_, err = k2.ShareToShareStore(random.Hex())
	assert.ErrorIs(t, err, ErrNotFound)

	refs, err := k2.GetAllShareStoresForLatestPolynomial()
	require.NoError(t, err)
	require.Len(t, refs, 3)
	held := 0
	for _, ref := range refs {
		if ref.Held != nil {
			held++
		}
		if ref.Index == ss.IndexHex() {
			expected, err := f.curve.ScalarBaseMult(ss.Share.Value)
			require.NoError(t, err)
			assert.True(t, expected.Equal(ref.PublicShare))
			assert.Nil(t, ref.Held)
		}
	}
	assert.Equal(t, 1, held, "only the identity share is held")

	_, err = k2.ReconstructLatestPoly()
	assert.ErrorIs(t, err, ErrInsufficientShares)

	poly, err := k1.ReconstructLatestPoly()
	require.NoError(t, err)
	assert.Equal(t, 2, poly.Threshold())

	derived, err := k1.DeriveShareStore(ss.IndexHex())
	require.NoError(t, err)
	assertSameShare(t, ss, derived)
}

func TestReshare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, false)

	_, err := k.Reshare(ctx, 3)
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	before, err := k.Reconstruct(ctx)
	require.NoError(t, err)

	_, err = k.Reshare(ctx, 3)
	assert.ErrorIs(t, err, ErrInsufficientShares, "threshold above the issued shares")

	_, err = k.GenerateNewShare(ctx)
	require.NoError(t, err)
	polyID, err := k.Reshare(ctx, 3)
	require.NoError(t, err)
	assert.NotEqual(t, before.SeedPolyID, polyID)

	cloud, err := k.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.Len(t, cloud.Polynomials, 2, "earlier polynomials stay recorded")

	after, err := k.Reconstruct(ctx)
	require.NoError(t, err)
	assert.Equal(t, polyID, after.SeedPolyID)
	assert.True(t, before.Key.Equal(after.Key), "resharing keeps the secret")

	details, err := k.GetKeyDetails()
	require.NoError(t, err)
	assert.Equal(t, 3, details.Threshold)
}

func TestScopedMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, false)

	_, err := k.GetScopedMetadata(ctx, nil)
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	scoped, err := f.curve.RandomScalar()
	require.NoError(t, err)
	_, err = k.GetScopedMetadata(ctx, &scoped)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, k.SetScopedMetadata(ctx, &scoped, []byte(`{"a":1}`)))
	require.NoError(t, k.SetScopedMetadata(ctx, &scoped, []byte(`{"a":2}`)))
	doc, err := k.GetScopedMetadata(ctx, &scoped)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(doc))

	assert.ErrorIs(t, k.SetScopedMetadata(ctx, &scoped, []byte(`{`)), ErrFormat)

	_, err = k.Reconstruct(ctx)
	require.NoError(t, err)
	require.NoError(t, k.SetScopedMetadata(ctx, nil, []byte(`"own"`)))

	other, err := f.curve.RandomScalar()
	require.NoError(t, err)
	keys := []*curve.Scalar{&scoped, &other}
	raw := []json.RawMessage{json.RawMessage(`[1]`), json.RawMessage(`[2]`)}
	require.NoError(t, k.SetScopedMetadataStream(ctx, keys, raw))
	doc, err = k.GetScopedMetadata(ctx, &other)
	require.NoError(t, err)
	assert.JSONEq(t, `[2]`, string(doc))

	assert.ErrorIs(t, k.SetScopedMetadataStream(ctx, keys, raw[:1]), ErrValidation)
}

func TestDeleteTkey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, false)

	assert.ErrorIs(t, k.DeleteTkey(ctx), ErrKeyUnavailable)
	first, err := k.Reconstruct(ctx)
	require.NoError(t, err)
	require.NoError(t, k.DeleteTkey(ctx))
	assert.Equal(t, StateDeleted, k.State())

	_, err = k.GenerateNewShare(ctx)
	assert.ErrorIs(t, err, ErrState)
	_, err = k.GetKeyDetails()
	assert.ErrorIs(t, err, ErrState)

	k2 := f.newKey(t, false)
	_, err = k2.Initialize(ctx, InitializeOptions{NeverInitializeNewKey: true})
	assert.ErrorIs(t, err, ErrNotFound, "a deleted key is gone")

	k3 := f.initKey(t, false)
	cloud, err := k3.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cloud.Nonce, "a new key continues after the tombstone")
	second, err := k3.Reconstruct(ctx)
	require.NoError(t, err)
	assert.False(t, first.Key.Equal(second.Key))
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)

	cfg := f.config(false)
	cfg.Storage = nil
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = f.config(false)
	cfg.Threshold = 1
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrValidation)

	cfg = f.config(false)
	cfg.Curve = nil
	cfg.Log = nil
	k, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "secp256k1", k.Curve().Name())
}

func TestThresholdThree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.config(false)
	cfg.Threshold = 3
	k, err := New(cfg)
	require.NoError(t, err)
	details, err := k.Initialize(ctx, InitializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, details.Threshold)
	assert.Equal(t, 3, details.TotalShares)

	indexes, err := k.GetSharesIndexes()
	require.NoError(t, err)
	device, err := k.OutputShare(indexes[1], TransportBase64)
	require.NoError(t, err)

	k2, err := New(cfg)
	require.NoError(t, err)
	details, err = k2.Initialize(ctx, InitializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, details.RequiredShares)

	require.NoError(t, k2.InputShare(ctx, device, TransportBase64))
	_, err = k2.Reconstruct(ctx)
	assert.ErrorIs(t, err, ErrInsufficientShares, "T-1 shares must not reconstruct")
}

func TestConcurrentMutationsAndReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.initKey(t, true)
	base := f.storage.commits.Load()

	indexes, err := k.GetSharesIndexes()
	require.NoError(t, err)
	device := indexes[1]

	const writers = 16
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				details, err := k.GetKeyDetails()
				if !assert.NoError(t, err) {
					return
				}
				assert.LessOrEqual(t, len(details.ShareDescriptions[device]), writers)

				m, err := k.GetCurrentMetadata()
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, int64(0), m.Nonce, "nothing is committed before the sync")
				// Snapshots are copies.
				m.ShareDescriptions[device] = append(m.ShareDescriptions[device], "scribble")
			}
		}()
	}

	var writersWG sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		writersWG.Add(1)
		go func() {
			defer writersWG.Done()
			assert.NoError(t, k.AddShareDescription(ctx, device, fmt.Sprintf("device %d", i), false))
		}()
	}
	writersWG.Wait()
	close(stop)
	readers.Wait()

	descs, err := k.GetShareDescriptions()
	require.NoError(t, err)
	assert.Len(t, descs[device], writers, "every mutation landed exactly once")
	assert.NotContains(t, descs[device], "scribble")

	pending, err := k.GetLocalMetadataTransitions()
	require.NoError(t, err)
	assert.Len(t, pending.Transitions, writers)

	require.NoError(t, k.SyncLocalMetadataTransitions(ctx))
	assert.Equal(t, base+1, f.storage.commits.Load())
	cloud, err := k.GetLastFetchedCloudMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cloud.Nonce)
	assert.Len(t, cloud.ShareDescriptions[device], writers)
}
