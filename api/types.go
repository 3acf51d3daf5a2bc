package api

// MetadataRecord is the response body of GET /api/metadata/{address}.
type MetadataRecord struct {
	// Version is the metadata nonce of the record.
	Version int64 `json:"version"`

	// Payload is the JSON-encoded metadata, base64 on the wire.
	Payload []byte `json:"payload"`
}

// CommitMetadataRequest is the request body of POST /api/metadata/{address}.
// The address is taken from the URL path.
type CommitMetadataRequest struct {
	// ExpectedPrior is the version the commit builds on; -1 for a new address.
	ExpectedPrior int64 `json:"expected_prior"`

	// Version is the new version, strictly greater than ExpectedPrior.
	Version int64 `json:"version"`

	// Payload is the JSON-encoded metadata.
	Payload []byte `json:"payload"`

	// Signature is the recoverable secp256k1 signature over the commit digest made
	// with the address key.
	Signature []byte `json:"signature"`
}

// CommitMetadataResponse is the response body of a successful commit.
type CommitMetadataResponse struct {
	Version int64 `json:"version"`
}
