package tkey

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ruteri/tkey-engine/shamir"
)

// Value is either a list of strings or a nested Record.
type Value struct {
	Strings []string
	Record  Record
}

// Strings builds a string-list value.
func Strings(values ...string) Value {
	return Value{Strings: append([]string{}, values...)}
}

// Nested builds a nested-record value.
func Nested(r Record) Value {
	return Value{Record: r}
}

// IsRecord reports whether v holds a nested record.
func (v Value) IsRecord() bool {
	return v.Record != nil
}

func (v Value) clone() Value {
	if v.Record != nil {
		return Value{Record: v.Record.Clone()}
	}
	return Value{Strings: append([]string{}, v.Strings...)}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Record != nil {
		return json.Marshal(v.Record)
	}
	if v.Strings == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v.Strings)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty value", ErrFormat)
	}
	switch trimmed[0] {
	case '{':
		var r Record
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return err
		}
		*v = Value{Record: r}
	case '[':
		var s []string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s == nil {
			s = []string{}
		}
		*v = Value{Strings: s}
	default:
		return fmt.Errorf("%w: value must be a string list or an object", ErrFormat)
	}
	return nil
}

// Record is a structured mapping from string keys to string lists or nested records.
type Record map[string]Value

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v.clone()
	}
	return out
}

// First returns the first string stored under key.
func (r Record) First(key string) (string, bool) {
	v, ok := r[key]
	if !ok || v.Record != nil || len(v.Strings) == 0 {
		return "", false
	}
	return v.Strings[0], true
}

// ModuleKind discriminates ModuleRecord variants.
type ModuleKind string

const (
	KindSecurityQuestion ModuleKind = "securityQuestions"
	KindGeneric          ModuleKind = "generic"
)

// SecurityQuestionRecord is the general-store record of the security-question factor.
// SealedShare is the AES-GCM sealed CBOR ShareStore, keyed by
// argon2id(answer, Salt || key public key).
type SecurityQuestionRecord struct {
	Questions   string        `json:"questions"`
	Salt        []byte        `json:"salt"`
	SealedShare []byte        `json:"sealedShare"`
	ShareIndex  string        `json:"shareIndex"`
	PolyID      shamir.PolyID `json:"polynomialID"`
}

// ModuleRecord is a tagged per-module general-store record. Exactly one variant is set.
type ModuleRecord struct {
	SecurityQuestion *SecurityQuestionRecord
	Generic          Record
}

// Kind returns the variant tag.
func (m ModuleRecord) Kind() ModuleKind {
	if m.SecurityQuestion != nil {
		return KindSecurityQuestion
	}
	return KindGeneric
}

// Clone returns a deep copy.
func (m ModuleRecord) Clone() ModuleRecord {
	out := ModuleRecord{Generic: m.Generic.Clone()}
	if m.SecurityQuestion != nil {
		sq := *m.SecurityQuestion
		sq.Salt = append([]byte(nil), sq.Salt...)
		sq.SealedShare = append([]byte(nil), sq.SealedShare...)
		out.SecurityQuestion = &sq
	}
	return out
}

type moduleRecordJSON struct {
	Kind ModuleKind      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func (m ModuleRecord) MarshalJSON() ([]byte, error) {
	var data []byte
	var err error
	switch {
	case m.SecurityQuestion != nil && m.Generic != nil:
		return nil, fmt.Errorf("%w: module record has more than one variant", ErrValidation)
	case m.SecurityQuestion != nil:
		data, err = json.Marshal(m.SecurityQuestion)
	default:
		generic := m.Generic
		if generic == nil {
			generic = Record{}
		}
		data, err = json.Marshal(generic)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(moduleRecordJSON{Kind: m.Kind(), Data: data})
}

func (m *ModuleRecord) UnmarshalJSON(data []byte) error {
	var tagged moduleRecordJSON
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	switch tagged.Kind {
	case KindSecurityQuestion:
		var sq SecurityQuestionRecord
		if err := json.Unmarshal(tagged.Data, &sq); err != nil {
			return err
		}
		*m = ModuleRecord{SecurityQuestion: &sq}
	case KindGeneric:
		var r Record
		if err := json.Unmarshal(tagged.Data, &r); err != nil {
			return err
		}
		*m = ModuleRecord{Generic: r}
	default:
		return fmt.Errorf("%w: unknown module record kind %q", ErrFormat, tagged.Kind)
	}
	return nil
}

// SealedItem is one tkey store entry, ECIES-encrypted to the key's public point.
type SealedItem struct {
	ID         string `json:"id"`
	Ciphertext []byte `json:"ciphertext"`
}

// StoreItem is a decrypted tkey store entry.
type StoreItem struct {
	ID   string `json:"id"`
	Data Record `json:"data"`
}
