package metadatahandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tkey-engine/api"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/interfaces"
)

// maxBodySize is the maximum accepted commit body (1MB).
const maxBodySize = 1024 * 1024

// Handler exposes an interfaces.StorageLayer over HTTP.
type Handler struct {
	storage interfaces.StorageLayer
	log     *slog.Logger
}

// NewHandler creates a handler serving metadata from storage.
func NewHandler(storage interfaces.StorageLayer, log *slog.Logger) *Handler {
	return &Handler{
		storage: storage,
		log:     log,
	}
}

// RegisterRoutes configures the metadata endpoints:
//   - GET  /api/metadata/{address} - latest record of an address
//   - POST /api/metadata/{address} - commit a new version
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/metadata/{address}", h.HandleFetch)
	r.Post("/api/metadata/{address}", h.HandleCommit)
}

// HandleFetch returns the latest metadata record of the address in the URL path.
//
// Status codes:
//   - 200 OK: JSON-encoded api.MetadataRecord
//   - 400 Bad Request: malformed address
//   - 404 Not Found: nothing committed for the address
//   - 503 Service Unavailable: storage backend failure
func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	address, ok := h.parseAddress(w, r)
	if !ok {
		return
	}

	rec, err := h.storage.Fetch(r.Context(), address)
	if err != nil {
		h.writeStorageError(w, "fetch", address, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(api.MetadataRecord{Version: rec.Version, Payload: rec.Payload}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleCommit stores a new version for the address in the URL path.
//
// Status codes:
//   - 200 OK: JSON-encoded api.CommitMetadataResponse
//   - 400 Bad Request: malformed address or body
//   - 401 Unauthorized: signature does not match the address
//   - 409 Conflict: expected prior version is stale
//   - 503 Service Unavailable: storage backend failure
func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	address, ok := h.parseAddress(w, r)
	if !ok {
		return
	}

	var req api.CommitMetadataRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.log.Warn("Invalid commit request", "err", err, slog.String("address", address.Hex()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.storage.Commit(r.Context(), interfaces.CommitRequest{
		Address:       address,
		ExpectedPrior: req.ExpectedPrior,
		Version:       req.Version,
		Payload:       req.Payload,
		Signature:     req.Signature,
	})
	if err != nil {
		h.writeStorageError(w, "commit", address, err)
		return
	}

	h.log.Debug("Metadata committed",
		slog.String("address", address.Hex()),
		slog.Int64("version", req.Version))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(api.CommitMetadataResponse{Version: req.Version}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) parseAddress(w http.ResponseWriter, r *http.Request) (curve.KeyPoint, bool) {
	raw := chi.URLParam(r, "address")
	address, err := curve.ParseKeyPointHex(raw)
	if err != nil {
		h.log.Warn("Invalid metadata address", "err", err, slog.String("address", raw))
		http.Error(w, "Invalid address format", http.StatusBadRequest)
		return curve.KeyPoint{}, false
	}
	return address, true
}

func (h *Handler) writeStorageError(w http.ResponseWriter, op string, address curve.KeyPoint, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Metadata storage failure", "err", err, slog.String("op", op), slog.String("address", address.Hex()))
	} else {
		h.log.Debug("Metadata request rejected", "err", err, slog.String("op", op), slog.Int("status", status))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
