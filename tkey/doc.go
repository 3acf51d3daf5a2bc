/*
Package tkey implements a threshold key engine.

A private key is split with Shamir secret sharing over the scalar field of the
configured curve. Any threshold shares reconstruct it, fewer reveal nothing.
The engine keeps the public side of the key, the Metadata, in a versioned
interfaces.StorageLayer addressed by the service provider's public key.

# Shares

One share is implicit: the identity share supplied by the ServiceProvider at
index 1. A new key is bootstrapped with the identity share plus threshold-1
device shares. Further shares are issued with GenerateNewShare without changing
the secret, moved between instances with OutputShare and InputShare, and
revoked with DeleteShare. Every share entering the engine is checked against
the Feldman commitments recorded for its polynomial.

# Metadata synchronization

Every mutation is recorded as a Transition in a local log and applied to the
current Metadata. In auto-sync mode the log is committed after each mutation; with
Config.ManualSync it is committed by SyncLocalMetadataTransitions as one new
version. Commits use optimistic concurrency: a stale base version fails with
ErrSyncConflict, the log is kept, and Refresh rebases it on the remote version.

# Recovery factors

A RecoveryFactor derives a share from a secondary secret. See
modules/securityquestion for the security-question factor.

# Errors

Errors belong to a closed set of classes (ErrValidation, ErrCrypto, ErrNotFound,
...) that can be tested with errors.Is, or mapped to a Code with CodeOf.
*/
package tkey
