package metadatahandler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
	"github.com/ruteri/tkey-engine/serviceprovider"
	"github.com/ruteri/tkey-engine/storage"
	"github.com/ruteri/tkey-engine/tkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *slog.Logger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := NewHandler(storage.NewMemoryVersionedStore(logger), logger)
	mux := chi.NewRouter()
	handler.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, logger
}

func signedCommit(t *testing.T, sp *serviceprovider.PostboxProvider, prior, version int64, payload string) interfaces.CommitRequest {
	t.Helper()
	req := interfaces.CommitRequest{
		Address:       sp.PublicKey(),
		ExpectedPrior: prior,
		Version:       version,
		Payload:       []byte(payload),
	}
	sig, err := sp.SignRequest(req.Digest())
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func TestClientRoundTrip(t *testing.T) {
	srv, logger := newTestServer(t)
	client := NewClient(srv.URL, logger)
	ctx := context.Background()

	sp, err := serviceprovider.GeneratePostboxProvider(curve.Secp256k1())
	require.NoError(t, err)

	_, err = client.Fetch(ctx, sp.PublicKey())
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, client.Commit(ctx, signedCommit(t, sp, interfaces.NoVersion, 0, `{"v":0}`)))
	require.NoError(t, client.Commit(ctx, signedCommit(t, sp, 0, 1, `{"v":1}`)))

	rec, err := client.Fetch(ctx, sp.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, `{"v":1}`, string(rec.Payload))

	err = client.Commit(ctx, signedCommit(t, sp, 0, 1, `{"v":"stale"}`))
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict, "stale prior version should conflict")

	forged := signedCommit(t, sp, 1, 2, `{"v":2}`)
	forged.Payload = []byte(`{"v":"forged"}`)
	err = client.Commit(ctx, forged)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized, "signature must cover the payload")

	rec, err = client.Fetch(ctx, sp.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version, "rejected commits must not advance the head")
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/metadata/not-a-point")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	sp, err := serviceprovider.GeneratePostboxProvider(curve.Secp256k1())
	require.NoError(t, err)
	resp, err = http.Post(srv.URL+"/api/metadata/"+sp.PublicKey().Hex(), "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerFetchResponse(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryVersionedStore(logger)
	handler := NewHandler(store, logger)
	mux := chi.NewRouter()
	handler.RegisterRoutes(mux)

	sp, err := serviceprovider.GeneratePostboxProvider(curve.Secp256k1())
	require.NoError(t, err)
	require.NoError(t, store.Commit(context.Background(), signedCommit(t, sp, interfaces.NoVersion, 0, `{"hello":"world"}`)))

	req := httptest.NewRequest(http.MethodGet, "/api/metadata/"+sp.PublicKey().Hex(), nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Version int64  `json:"version"`
		Payload []byte `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(0), body.Version)
	assert.JSONEq(t, `{"hello":"world"}`, string(body.Payload))
}

func TestClientTransportFailure(t *testing.T) {
	srv, logger := newTestServer(t)
	client := NewClient(srv.URL, logger)
	srv.Close()

	sp, err := serviceprovider.GeneratePostboxProvider(curve.Secp256k1())
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), sp.PublicKey())
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	err = client.Commit(context.Background(), signedCommit(t, sp, interfaces.NoVersion, 0, `{}`))
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestThresholdKeyOverHTTP(t *testing.T) {
	srv, logger := newTestServer(t)
	ctx := context.Background()

	c := curve.Secp256k1()
	sp, err := serviceprovider.GeneratePostboxProvider(c)
	require.NoError(t, err)

	newKey := func() *tkey.ThresholdKey {
		k, err := tkey.New(tkey.Config{
			Storage:         NewClient(srv.URL, logger),
			ServiceProvider: sp,
			Curve:           c,
			Log:             logger,
		})
		require.NoError(t, err)
		return k
	}

	k1 := newKey()
	_, err = k1.Initialize(ctx, tkey.InitializeOptions{})
	require.NoError(t, err)
	share, err := k1.GenerateNewShare(ctx)
	require.NoError(t, err)
	encoded, err := tkey.EncodeShareStore(c, share, tkey.TransportHex)
	require.NoError(t, err)

	k2 := newKey()
	details, err := k2.Initialize(ctx, tkey.InitializeOptions{NeverInitializeNewKey: true})
	require.NoError(t, err)
	assert.Equal(t, 3, details.TotalShares)
	assert.Equal(t, 1, details.RequiredShares)

	require.NoError(t, k2.InputShare(ctx, encoded, tkey.TransportHex))
	rec2, err := k2.Reconstruct(ctx)
	require.NoError(t, err)
	rec1, err := k1.Reconstruct(ctx)
	require.NoError(t, err)
	assert.True(t, rec1.Key.Equal(rec2.Key))

	// k1 is now behind the server: its next commit conflicts until refreshed.
	require.NoError(t, k2.AddShareDescription(ctx, share.IndexHex(), "paper backup", true))
	err = k1.AddShareDescription(ctx, share.IndexHex(), "laptop", true)
	assert.ErrorIs(t, err, tkey.ErrSyncConflict)
	require.NoError(t, k1.Refresh(ctx))
	require.NoError(t, k1.SyncLocalMetadataTransitions(ctx))

	descs, err := k1.GetShareDescriptions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"paper backup", "laptop"}, descs[share.IndexHex()])
}
