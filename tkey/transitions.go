package tkey

import (
	"fmt"
	"slices"

	"github.com/ruteri/tkey-engine/shamir"
)

// TransitionOp names a metadata mutation.
type TransitionOp string

const (
	OpAddPolynomial          TransitionOp = "addPolynomial"
	OpAddShareIndex          TransitionOp = "addShareIndex"
	OpRemoveShareIndex       TransitionOp = "removeShareIndex"
	OpAddShareDescription    TransitionOp = "addShareDescription"
	OpUpdateShareDescription TransitionOp = "updateShareDescription"
	OpDeleteShareDescription TransitionOp = "deleteShareDescription"
	OpSetGeneralStore        TransitionOp = "setGeneralStore"
	OpSetTkeyStoreItem       TransitionOp = "setTkeyStoreItem"
	OpDeleteTkeyStoreItem    TransitionOp = "deleteTkeyStoreItem"
)

// Transition is one pending mutation of Metadata. Which fields are meaningful
// depends on Op. Applying a transition twice leaves the metadata unchanged, so a
// log can be replayed on top of a base that already contains part of it.
type Transition struct {
	Op TransitionOp `json:"op"`

	Poly       *PolyEntry    `json:"poly,omitempty"`
	PolyID     shamir.PolyID `json:"polynomialID,omitempty"`
	ShareIndex string        `json:"shareIndex,omitempty"`

	Description    string `json:"description,omitempty"`
	OldDescription string `json:"oldDescription,omitempty"`

	Module string        `json:"module,omitempty"`
	Record *ModuleRecord `json:"record,omitempty"`
	Item   *SealedItem   `json:"item,omitempty"`
	ItemID string        `json:"itemID,omitempty"`
}

func (t Transition) clone() Transition {
	if t.Poly != nil {
		p := t.Poly.clone()
		t.Poly = &p
	}
	if t.Record != nil {
		r := t.Record.Clone()
		t.Record = &r
	}
	if t.Item != nil {
		it := SealedItem{ID: t.Item.ID, Ciphertext: append([]byte(nil), t.Item.Ciphertext...)}
		t.Item = &it
	}
	return t
}

func cloneTransitions(ts []Transition) []Transition {
	if ts == nil {
		return nil
	}
	out := make([]Transition, len(ts))
	for i, t := range ts {
		out[i] = t.clone()
	}
	return out
}

// Apply mutates m in place.
func (t Transition) Apply(m *Metadata) error {
	switch t.Op {
	case OpAddPolynomial:
		if t.Poly == nil {
			return fmt.Errorf("%w: %s without polynomial", ErrFormat, t.Op)
		}
		if _, ok := m.Poly(t.Poly.ID); ok {
			return nil
		}
		m.Polynomials = append(m.Polynomials, t.Poly.clone())

	case OpAddShareIndex:
		p := m.polyPtr(t.PolyID)
		if p == nil {
			return fmt.Errorf("%w: polynomial %s", ErrNotFound, t.PolyID)
		}
		if !p.HasIndex(t.ShareIndex) {
			p.ShareIndexes = append(p.ShareIndexes, t.ShareIndex)
		}

	case OpRemoveShareIndex:
		p := m.polyPtr(t.PolyID)
		if p == nil {
			return fmt.Errorf("%w: polynomial %s", ErrNotFound, t.PolyID)
		}
		p.ShareIndexes = slices.DeleteFunc(p.ShareIndexes, func(idx string) bool { return idx == t.ShareIndex })
		delete(m.ShareDescriptions, t.ShareIndex)

	case OpAddShareDescription:
		descs := m.ShareDescriptions[t.ShareIndex]
		if !slices.Contains(descs, t.Description) {
			m.ShareDescriptions[t.ShareIndex] = append(descs, t.Description)
		}

	case OpUpdateShareDescription:
		descs := m.ShareDescriptions[t.ShareIndex]
		switch {
		case slices.Contains(descs, t.Description):
			if t.OldDescription != t.Description {
				m.ShareDescriptions[t.ShareIndex] = slices.DeleteFunc(descs, func(d string) bool { return d == t.OldDescription })
			}
		case slices.Contains(descs, t.OldDescription):
			descs[slices.Index(descs, t.OldDescription)] = t.Description
		default:
			return fmt.Errorf("%w: description for share %s", ErrNotFound, t.ShareIndex)
		}

	case OpDeleteShareDescription:
		descs := slices.DeleteFunc(m.ShareDescriptions[t.ShareIndex], func(d string) bool { return d == t.Description })
		if len(descs) == 0 {
			delete(m.ShareDescriptions, t.ShareIndex)
		} else {
			m.ShareDescriptions[t.ShareIndex] = descs
		}

	case OpSetGeneralStore:
		if t.Record == nil {
			delete(m.GeneralStore, t.Module)
		} else {
			m.GeneralStore[t.Module] = t.Record.Clone()
		}

	case OpSetTkeyStoreItem:
		if t.Item == nil {
			return fmt.Errorf("%w: %s without item", ErrFormat, t.Op)
		}
		item := SealedItem{ID: t.Item.ID, Ciphertext: append([]byte(nil), t.Item.Ciphertext...)}
		items := m.TkeyStore[t.Module]
		if i := slices.IndexFunc(items, func(it SealedItem) bool { return it.ID == item.ID }); i >= 0 {
			items[i] = item
		} else {
			m.TkeyStore[t.Module] = append(items, item)
		}

	case OpDeleteTkeyStoreItem:
		items := slices.DeleteFunc(m.TkeyStore[t.Module], func(it SealedItem) bool { return it.ID == t.ItemID })
		if len(items) == 0 {
			delete(m.TkeyStore, t.Module)
		} else {
			m.TkeyStore[t.Module] = items
		}

	default:
		return fmt.Errorf("%w: unknown transition %q", ErrFormat, t.Op)
	}
	return nil
}

// applyTransitions returns a copy of base with every transition applied.
func applyTransitions(base *Metadata, ts []Transition) (*Metadata, error) {
	out := base.Clone()
	for i, t := range ts {
		if err := t.Apply(out); err != nil {
			return nil, fmt.Errorf("transition %d (%s): %w", i, t.Op, err)
		}
	}
	return out, nil
}
