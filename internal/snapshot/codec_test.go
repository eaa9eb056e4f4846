package snapshot

import (
	"crypto/rand"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBindings() []Binding {
	return []Binding{
		{Name: "count", Value: Number(2)},
		{Name: "name", Value: String("enclave")},
		{Name: "flags", Value: Array(Bool(true), Null(), Undefined())},
		{Name: "config", Value: Object(
			[]string{"z", "a"},
			[]Value{Number(math.Inf(1)), Date(1_700_000_000_000)},
		)},
		{Name: "big", Value: BigInt("123456789012345678901234567890")},
		{Name: "blob", Value: Bytes([]byte{0, 1, 2, 255})},
		{Name: "lookup", Value: Map(String("k"), Number(1))},
		{Name: "tags", Value: Set(String("a"), String("b"))},
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sampleBindings()

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, []string{"z", "a"}, out[3].Value.Keys, "object key order survives")
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := Encode(sampleBindings())
	require.NoError(t, err)
	b, err := Encode(sampleBindings())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeEmpty(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	data, err := Encode(sampleBindings())
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{"truncated", func(b []byte) []byte { return b[:10] }, ErrCorrupt},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrCorrupt},
		{"future version", func(b []byte) []byte { b[4] = 99; return b }, ErrUnsupportedVersion},
		{"flipped payload bit", func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }, ErrCorrupt},
		{"flipped checksum bit", func(b []byte) []byte { b[6] ^= 0x80; return b }, ErrCorrupt},
		{"empty", func([]byte) []byte { return nil }, ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrupted := tt.mutate(append([]byte(nil), data...))
			_, err := Decode(corrupted)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEncodeRejectsInvalidTrees(t *testing.T) {
	_, err := Encode([]Binding{{Name: "bad", Value: Object([]string{"a", "b"}, []Value{Null()})}})
	assert.Error(t, err)

	_, err = Encode([]Binding{{Name: "bad", Value: Map(String("dangling"))}})
	assert.Error(t, err)

	_, err = Encode([]Binding{{Name: "bad", Value: Value{Kind: Kind(200)}}})
	assert.Error(t, err)
}

func TestEncodeSizeLimit(t *testing.T) {
	noise := make([]byte, MaxSize+1024)
	_, err := rand.Read(noise)
	require.NoError(t, err)

	_, err = Encode([]Binding{{Name: "noise", Value: Bytes(noise)}})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Decode(make([]byte, MaxSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "bigint", KindBigInt.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
