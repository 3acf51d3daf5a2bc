// Package metadatahandler serves threshold-key metadata over HTTP and provides
// the matching client.
//
// # Key Components
//
// - Handler: exposes any interfaces.StorageLayer (usually a storage.VersionedStore)
//   at /api/metadata/{address}, where address is the hex SEC1 public key that owns
//   the metadata
//
// - Client: implements interfaces.StorageLayer against a remote Handler, so a
//   tkey.ThresholdKey can use a metadata server as its storage layer
//
// # Error mapping
//
// Storage sentinels travel as HTTP status codes and are restored by the client:
//
//	interfaces.ErrContentNotFound     404
//	interfaces.ErrUnauthorized        401
//	interfaces.ErrVersionConflict     409
//	interfaces.ErrBackendUnavailable  503 (and any transport failure)
//
// # Usage Example
//
// Server-side usage:
//
//	store := storage.NewMemoryVersionedStore(logger)
//	handler := metadatahandler.NewHandler(store, logger)
//	router := chi.NewRouter()
//	handler.RegisterRoutes(router)
//
// Client-side usage:
//
//	client := metadatahandler.NewClient("http://localhost:8080", logger)
//	key, err := tkey.New(tkey.Config{Storage: client, ServiceProvider: sp})
package metadatahandler
