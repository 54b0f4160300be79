package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is the serializable value tree exchanged between stages. No opaque
// live resources may cross the stage boundary; everything in a payload must
// survive a JSON round trip.
type Payload map[string]any

// Clone returns a shallow copy. Stage outputs are never mutated after
// publication, so a shallow copy is sufficient for fan-out.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the string value under key, or "" when absent.
func (p Payload) String(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// Float returns the numeric value under key. JSON decoding produces float64,
// so that is the only numeric representation handled.
func (p Payload) Float(key string) (float64, bool) {
	f, ok := p[key].(float64)
	return f, ok
}

// Digest returns a short stable content hash of the payload, plus its
// serialized byte size, for trace observability. A payload that cannot be
// serialized digests to "opaque", which shows up in traces as a contract
// smell worth investigating.
func (p Payload) Digest() (string, int) {
	data, err := json.Marshal(p.sorted())
	if err != nil {
		return "opaque", 0
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12], len(data)
}

func (p Payload) sorted() []any {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]any, 0, len(p)*2)
	for _, k := range keys {
		pairs = append(pairs, k, p[k])
	}
	return pairs
}

// FieldKind names the structural type of one payload field for build-time
// shape checking.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
	FieldList   FieldKind = "list"
	FieldMap    FieldKind = "map"
	FieldAny    FieldKind = "any"
)

// Shape declares the top-level structure of a stage's input or output
// payload. Compatibility is checked structurally at graph build time; a
// consumer is compatible with a producer when every field the consumer
// requires is produced upstream with the same kind.
type Shape map[string]FieldKind

// AcceptsFrom reports whether a payload with the producer shape satisfies
// this consumer shape, returning the first offending field otherwise.
func (s Shape) AcceptsFrom(producer Shape) error {
	for field, want := range s {
		got, ok := producer[field]
		if !ok {
			return fmt.Errorf("field %q required but not produced upstream", field)
		}
		if want != FieldAny && got != FieldAny && got != want {
			return fmt.Errorf("field %q produced as %s, consumed as %s", field, got, want)
		}
	}
	return nil
}
