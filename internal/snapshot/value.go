// Package snapshot defines the portable form of interpreter state.
//
// Guest globals are converted into a tree of Values by the engine, encoded as
// deterministic CBOR, compressed with zstd and sealed with a BLAKE2b checksum.
// The encoding is independent of any interpreter internals, so a snapshot
// taken from one instance restores into any other instance of the same image.
package snapshot

import "fmt"

// Kind identifies the type of a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindBigInt
	KindDate
	KindBytes
	KindArray
	KindObject
	KindMap
	KindSet
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBool:      "bool",
	KindNumber:    "number",
	KindString:    "string",
	KindBigInt:    "bigint",
	KindDate:      "date",
	KindBytes:     "bytes",
	KindArray:     "array",
	KindObject:    "object",
	KindMap:       "map",
	KindSet:       "set",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is one node of a captured value tree.
//
// Number and Date use Num (Date as epoch milliseconds). String and BigInt use
// Str (BigInt in base 10). Objects keep property order in Keys with values in
// Items at the same index. Maps store alternating key/value entries in Items.
type Value struct {
	Kind  Kind     `cbor:"1,keyasint"`
	Bool  bool     `cbor:"2,keyasint,omitempty"`
	Num   float64  `cbor:"3,keyasint,omitempty"`
	Str   string   `cbor:"4,keyasint,omitempty"`
	Bytes []byte   `cbor:"5,keyasint,omitempty"`
	Keys  []string `cbor:"6,keyasint,omitempty"`
	Items []Value  `cbor:"7,keyasint,omitempty"`
}

func Undefined() Value           { return Value{Kind: KindUndefined} }
func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Number(f float64) Value     { return Value{Kind: KindNumber, Num: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func BigInt(dec string) Value    { return Value{Kind: KindBigInt, Str: dec} }
func Date(ms float64) Value      { return Value{Kind: KindDate, Num: ms} }
func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func Array(items ...Value) Value { return Value{Kind: KindArray, Items: items} }
func Set(items ...Value) Value   { return Value{Kind: KindSet, Items: items} }

// Object builds an object value; keys and values must have equal length.
func Object(keys []string, values []Value) Value {
	return Value{Kind: KindObject, Keys: keys, Items: values}
}

// Map builds a map value from alternating key/value entries.
func Map(entries ...Value) Value {
	return Value{Kind: KindMap, Items: entries}
}

// Validate checks the structural invariants of v and its children.
func (v Value) Validate() error {
	switch v.Kind {
	case KindObject:
		if len(v.Keys) != len(v.Items) {
			return fmt.Errorf("object has %d keys but %d values", len(v.Keys), len(v.Items))
		}
	case KindMap:
		if len(v.Items)%2 != 0 {
			return fmt.Errorf("map has an odd number of entries (%d)", len(v.Items))
		}
	case KindUndefined, KindNull, KindBool, KindNumber, KindString,
		KindBigInt, KindDate, KindBytes, KindArray, KindSet:
	default:
		return fmt.Errorf("unknown value kind %d", v.Kind)
	}
	for _, item := range v.Items {
		if err := item.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Binding is a named global.
type Binding struct {
	Name  string `cbor:"1,keyasint"`
	Value Value  `cbor:"2,keyasint"`
}

// Skipped records a global that could not be captured.
type Skipped struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Metadata describes when and from what a snapshot was taken.
type Metadata struct {
	TimestampMs    int64  `json:"timestamp_ms"`
	ExecutionCount uint64 `json:"execution_count"`
}

// Snapshot is encoded interpreter state plus its metadata.
type Snapshot struct {
	Data     []byte    `json:"data"`
	Metadata Metadata  `json:"metadata"`
	Skipped  []Skipped `json:"skipped,omitempty"`
}

// Size returns the encoded size in bytes.
func (s *Snapshot) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Data)
}
