package tkey

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/shamir"
)

// ShareStore is a share plus the polynomial it belongs to.
type ShareStore struct {
	Share  shamir.Share  `json:"share"`
	PolyID shamir.PolyID `json:"polynomialID"`
}

// IndexHex returns the share index as hex.
func (s ShareStore) IndexHex() string {
	return s.Share.Index.Hex()
}

// ShareTransport selects the opaque string form of a ShareStore.
type ShareTransport int

const (
	// TransportHex is hex-encoded CBOR. This is the default.
	TransportHex ShareTransport = iota
	// TransportBase64 is unpadded base64url-encoded CBOR.
	TransportBase64
	// TransportJSON is the JSON object form.
	TransportJSON
)

func (t ShareTransport) String() string {
	switch t {
	case TransportHex:
		return "hex"
	case TransportBase64:
		return "base64"
	case TransportJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseShareTransport maps a transport name to ShareTransport. Empty means hex.
func ParseShareTransport(name string) (ShareTransport, error) {
	switch strings.ToLower(name) {
	case "", "hex":
		return TransportHex, nil
	case "base64":
		return TransportBase64, nil
	case "json":
		return TransportJSON, nil
	default:
		return 0, fmt.Errorf("%w: unknown share transport %q", ErrValidation, name)
	}
}

// shareStoreWire is the CBOR form; scalars are fixed-size big-endian bytes.
type shareStoreWire struct {
	Index  []byte `cbor:"1,keyasint"`
	Value  []byte `cbor:"2,keyasint"`
	PolyID string `cbor:"3,keyasint"`
}

func (s ShareStore) marshalCBOR(c *curve.Curve) ([]byte, error) {
	return cbor.Marshal(shareStoreWire{
		Index:  c.Bytes(s.Share.Index.Scalar),
		Value:  c.Bytes(s.Share.Value),
		PolyID: string(s.PolyID),
	})
}

func unmarshalShareStoreCBOR(c *curve.Curve, data []byte) (ShareStore, error) {
	var wire shareStoreWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return ShareStore{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	index, err := c.ScalarFromBytes(wire.Index)
	if err != nil {
		return ShareStore{}, fmt.Errorf("%w: share index: %v", ErrFormat, err)
	}
	value, err := c.ScalarFromBytes(wire.Value)
	if err != nil {
		return ShareStore{}, fmt.Errorf("%w: share value: %v", ErrFormat, err)
	}
	return newShareStore(index, value, shamir.PolyID(wire.PolyID))
}

func newShareStore(index, value curve.Scalar, polyID shamir.PolyID) (ShareStore, error) {
	idx, err := shamir.NewShareIndex(index)
	if err != nil {
		return ShareStore{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if polyID == "" {
		return ShareStore{}, fmt.Errorf("%w: missing polynomial id", ErrFormat)
	}
	return ShareStore{Share: shamir.Share{Index: idx, Value: value}, PolyID: polyID}, nil
}

// EncodeShareStore converts s to its opaque transport string.
func EncodeShareStore(c *curve.Curve, s ShareStore, transport ShareTransport) (string, error) {
	switch transport {
	case TransportJSON:
		raw, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case TransportHex, TransportBase64:
		raw, err := s.marshalCBOR(c)
		if err != nil {
			return "", err
		}
		if transport == TransportHex {
			return hex.EncodeToString(raw), nil
		}
		return base64.RawURLEncoding.EncodeToString(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown share transport %d", ErrValidation, transport)
	}
}

// DecodeShareStore parses a transport string produced by EncodeShareStore.
func DecodeShareStore(c *curve.Curve, s string, transport ShareTransport) (ShareStore, error) {
	s = strings.TrimSpace(s)
	switch transport {
	case TransportJSON:
		var out ShareStore
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return ShareStore{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if err := c.Validate(out.Share.Index.Scalar); err != nil {
			return ShareStore{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if err := c.Validate(out.Share.Value); err != nil {
			return ShareStore{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return newShareStore(out.Share.Index.Scalar, out.Share.Value, out.PolyID)
	case TransportHex:
		raw, err := hex.DecodeString(s)
		if err != nil {
			return ShareStore{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return unmarshalShareStoreCBOR(c, raw)
	case TransportBase64:
		raw, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return ShareStore{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return unmarshalShareStoreCBOR(c, raw)
	default:
		return ShareStore{}, fmt.Errorf("%w: unknown share transport %d", ErrValidation, transport)
	}
}

// ShareStoreMap holds every known share: polynomial id -> share index hex -> ShareStore.
type ShareStoreMap map[shamir.PolyID]map[string]ShareStore

// Clone returns an independent copy.
func (m ShareStoreMap) Clone() ShareStoreMap {
	out := make(ShareStoreMap, len(m))
	for id, byIndex := range m {
		inner := make(map[string]ShareStore, len(byIndex))
		for idx, s := range byIndex {
			inner[idx] = s
		}
		out[id] = inner
	}
	return out
}

// Get returns the share store at (polyID, index).
func (m ShareStoreMap) Get(polyID shamir.PolyID, index string) (ShareStore, bool) {
	s, ok := m[polyID][index]
	return s, ok
}

// Put inserts s, replacing any share at the same position.
func (m ShareStoreMap) Put(s ShareStore) {
	inner, ok := m[s.PolyID]
	if !ok {
		inner = make(map[string]ShareStore)
		m[s.PolyID] = inner
	}
	inner[s.IndexHex()] = s
}

// Shares returns the shares held for polyID in ascending index order.
func (m ShareStoreMap) Shares(polyID shamir.PolyID) []shamir.Share {
	inner := m[polyID]
	indexes := make([]shamir.ShareIndex, 0, len(inner))
	for _, s := range inner {
		indexes = append(indexes, s.Share.Index)
	}
	shamir.SortIndexes(indexes)

	out := make([]shamir.Share, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, inner[idx.Hex()].Share)
	}
	return out
}
