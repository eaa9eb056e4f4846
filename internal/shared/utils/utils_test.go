package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasher(t *testing.T) {
	h := DefaultHasher()

	assert.Len(t, h.Hash([]byte("x")), 64)
	assert.Equal(t, h.Hash([]byte("x")), NewHasher().Hash([]byte("x")))
	assert.NotEqual(t, h.Hash([]byte("x")), h.Hash([]byte("y")))
	assert.Len(t, h.ShortHash([]byte("x")), 16)
	assert.Equal(t, h.Hash([]byte("x"))[:16], h.ShortHash([]byte("x")))
}

func TestHashPartsBoundaries(t *testing.T) {
	h := DefaultHasher()

	tests := []struct {
		name string
		a, b [][]byte
	}{
		{"separator moved", [][]byte{[]byte("a\x00"), []byte("b")}, [][]byte{[]byte("a"), []byte("\x00b")}},
		{"split point", [][]byte{[]byte("ab"), []byte("c")}, [][]byte{[]byte("a"), []byte("bc")}},
		{"empty part", [][]byte{[]byte("abc"), nil}, [][]byte{[]byte("abc")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, h.HashParts(tt.a...), h.HashParts(tt.b...))
		})
	}
	assert.Equal(t, h.HashParts([]byte("a"), []byte("b")), h.HashParts([]byte("a"), []byte("b")))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"simple", "analysis", false},
		{"with dots", "report.v2", false},
		{"dashes", "my-session_1", false},
		{"empty", "", true},
		{"leading dot", ".hidden", true},
		{"traversal", "../etc", true},
		{"slash", "a/b", true},
		{"space", "a b", true},
		{"too long", strings.Repeat("a", MaxNameLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCode(t *testing.T) {
	assert.NoError(t, ValidateCode("print(1)"))
	assert.Error(t, ValidateCode(strings.Repeat("a", MaxCodeSize+1)))
	assert.Error(t, ValidateCode("print('\xff')"))
}
