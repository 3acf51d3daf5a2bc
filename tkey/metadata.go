package tkey

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/shamir"
)

// PolyEntry is the public record of one polynomial generation.
type PolyEntry struct {
	ID           shamir.PolyID    `json:"id"`
	Threshold    int              `json:"threshold"`
	ShareIndexes []string         `json:"shareIndexes"`
	Commitments  []curve.KeyPoint `json:"commitments"`
}

func (p PolyEntry) clone() PolyEntry {
	p.ShareIndexes = append([]string{}, p.ShareIndexes...)
	p.Commitments = append([]curve.KeyPoint{}, p.Commitments...)
	return p
}

// HasIndex reports whether index is issued for this polynomial.
func (p PolyEntry) HasIndex(index string) bool {
	for _, idx := range p.ShareIndexes {
		if idx == index {
			return true
		}
	}
	return false
}

// Metadata is the versioned public state of a key. It is stored as JSON at the
// StorageLayer boundary, addressed by the service provider public key.
type Metadata struct {
	PubKey            curve.KeyPoint            `json:"pubKey"`
	Polynomials       []PolyEntry               `json:"polynomials"`
	ShareDescriptions map[string][]string       `json:"shareDescriptions"`
	GeneralStore      map[string]ModuleRecord   `json:"generalStore"`
	TkeyStore         map[string][]SealedItem   `json:"tkeyStore"`
	Nonce             int64                     `json:"nonce"`
	Deleted           bool                      `json:"deleted,omitempty"`
}

func newMetadata(pub curve.KeyPoint, entry PolyEntry, nonce int64) *Metadata {
	return &Metadata{
		PubKey:            pub,
		Polynomials:       []PolyEntry{entry},
		ShareDescriptions: map[string][]string{},
		GeneralStore:      map[string]ModuleRecord{},
		TkeyStore:         map[string][]SealedItem{},
		Nonce:             nonce,
	}
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := &Metadata{
		PubKey:            m.PubKey,
		Polynomials:       make([]PolyEntry, len(m.Polynomials)),
		ShareDescriptions: make(map[string][]string, len(m.ShareDescriptions)),
		GeneralStore:      make(map[string]ModuleRecord, len(m.GeneralStore)),
		TkeyStore:         make(map[string][]SealedItem, len(m.TkeyStore)),
		Nonce:             m.Nonce,
		Deleted:           m.Deleted,
	}
	for i, p := range m.Polynomials {
		out.Polynomials[i] = p.clone()
	}
	for k, v := range m.ShareDescriptions {
		out.ShareDescriptions[k] = append([]string{}, v...)
	}
	for k, v := range m.GeneralStore {
		out.GeneralStore[k] = v.Clone()
	}
	for k, items := range m.TkeyStore {
		copied := make([]SealedItem, len(items))
		for i, it := range items {
			copied[i] = SealedItem{ID: it.ID, Ciphertext: append([]byte(nil), it.Ciphertext...)}
		}
		out.TkeyStore[k] = copied
	}
	return out
}

// LatestPoly returns the most recent polynomial entry.
func (m *Metadata) LatestPoly() (PolyEntry, error) {
	if len(m.Polynomials) == 0 {
		return PolyEntry{}, fmt.Errorf("%w: metadata has no polynomials", ErrNotFound)
	}
	return m.Polynomials[len(m.Polynomials)-1], nil
}

// Poly returns the entry for id.
func (m *Metadata) Poly(id shamir.PolyID) (PolyEntry, bool) {
	for _, p := range m.Polynomials {
		if p.ID == id {
			return p, true
		}
	}
	return PolyEntry{}, false
}

func (m *Metadata) polyPtr(id shamir.PolyID) *PolyEntry {
	for i := range m.Polynomials {
		if m.Polynomials[i].ID == id {
			return &m.Polynomials[i]
		}
	}
	return nil
}

// Marshal encodes the metadata for the StorageLayer.
func (m *Metadata) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMetadata decodes and validates a StorageLayer payload.
func ParseMetadata(c *curve.Curve, data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
	}
	if m.ShareDescriptions == nil {
		m.ShareDescriptions = map[string][]string{}
	}
	if m.GeneralStore == nil {
		m.GeneralStore = map[string]ModuleRecord{}
	}
	if m.TkeyStore == nil {
		m.TkeyStore = map[string][]SealedItem{}
	}
	if m.Deleted {
		return &m, nil
	}

	if !m.PubKey.IsSet() {
		return nil, fmt.Errorf("%w: metadata has no public key", ErrFormat)
	}
	if len(m.Polynomials) == 0 {
		return nil, fmt.Errorf("%w: metadata has no polynomials", ErrFormat)
	}
	for _, p := range m.Polynomials {
		if p.Threshold < 1 || len(p.Commitments) != p.Threshold {
			return nil, fmt.Errorf("%w: polynomial %s has %d commitments for threshold %d", ErrFormat, p.ID, len(p.Commitments), p.Threshold)
		}
		if shamir.NewPolyID(p.Commitments) != p.ID {
			return nil, fmt.Errorf("%w: polynomial id %s does not match its commitments", ErrFormat, p.ID)
		}
		if !p.Commitments[0].Equal(m.PubKey) {
			return nil, fmt.Errorf("%w: polynomial %s does not share the key", ErrInconsistentShare, p.ID)
		}
		for _, idx := range p.ShareIndexes {
			if _, err := shamir.ParseShareIndex(c, idx); err != nil {
				return nil, fmt.Errorf("%w: share index %q: %v", ErrFormat, idx, err)
			}
		}
	}
	return &m, nil
}

// LocalMetadataTransitions is the pending mutation log together with the nonce of
// the metadata it applies to.
type LocalMetadataTransitions struct {
	BaseNonce   int64        `json:"baseNonce"`
	Transitions []Transition `json:"transitions"`
}

// KeyDetails summarizes the key for callers.
type KeyDetails struct {
	PubKey            curve.KeyPoint      `json:"pubKey"`
	Threshold         int                 `json:"threshold"`
	TotalShares       int                 `json:"totalShares"`
	RequiredShares    int                 `json:"requiredShares"`
	ShareDescriptions map[string][]string `json:"shareDescriptions"`
}

// KeyReconstructionDetails is the result of a successful reconstruction.
type KeyReconstructionDetails struct {
	Key        curve.Scalar
	SeedPolyID shamir.PolyID
}
