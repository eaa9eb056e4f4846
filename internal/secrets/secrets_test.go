package secrets

import (
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var placeholderPattern = regexp.MustCompile(`^ENCLAVE_SECRET_[0-9a-f]{32}$`)

func newTable(t *testing.T, specs ...Spec) *Table {
	t.Helper()
	table, err := NewTable(specs...)
	require.NoError(t, err)
	return table
}

func placeholderOf(t *testing.T, table *Table, name string) string {
	t.Helper()
	p, ok := table.Env()[name]
	require.True(t, ok, "secret %s not registered", name)
	return p
}

func TestPlaceholderFormat(t *testing.T) {
	p1, err := NewPlaceholder()
	require.NoError(t, err)
	p2, err := NewPlaceholder()
	require.NoError(t, err)

	assert.Regexp(t, placeholderPattern, p1)
	assert.NotEqual(t, p1, p2)
}

func TestPlaceholdersRegeneratedPerTable(t *testing.T) {
	spec := Spec{Name: "API_KEY", Value: "sk-real-123"}
	a := newTable(t, spec)
	b := newTable(t, spec)
	assert.NotEqual(t, placeholderOf(t, a, "API_KEY"), placeholderOf(t, b, "API_KEY"))
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
	}{
		{"empty name", []Spec{{Value: "x"}}},
		{"empty value", []Spec{{Name: "A"}}},
		{"duplicate", []Spec{{Name: "A", Value: "1"}, {Name: "A", Value: "2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.specs...)
			assert.ErrorIs(t, err, ErrInvalidSecret)
		})
	}
}

func TestScrub(t *testing.T) {
	table := newTable(t, Spec{Name: "API_KEY", Value: "sk-real-123"})
	placeholder := placeholderOf(t, table, "API_KEY")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"placeholder", "key=" + placeholder, "key=" + Marker},
		{"real value", "leaked sk-real-123!", "leaked " + Marker + "!"},
		{"both", placeholder + " " + "sk-real-123", Marker + " " + Marker},
		{"clean", "nothing here", "nothing here"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Scrub(tt.input))
		})
	}
}

func TestPartialTail(t *testing.T) {
	table := newTable(t, Spec{Name: "API_KEY", Value: "sk-real-123"})
	placeholder := placeholderOf(t, table, "API_KEY")

	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"placeholder start", "key=" + placeholder[:10], 4},
		{"value start", "leaked sk-re", 7},
		{"single char", "x E", 2},
		{"whole placeholder", "key=" + placeholder, len("key=" + placeholder)},
		{"clean", "nothing here", len("nothing here")},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, table.PartialTail(tt.input))
		})
	}

	var empty *Table
	assert.Equal(t, 3, empty.PartialTail("abc"))
}

func TestScrubNilTable(t *testing.T) {
	var table *Table
	assert.Equal(t, "text", table.Scrub("text"))
	assert.Equal(t, 0, table.Len())
	assert.Empty(t, table.Env())
}

func TestScrubBytes(t *testing.T) {
	table := newTable(t, Spec{Name: "TOKEN", Value: "tok-999"})
	placeholder := placeholderOf(t, table, "TOKEN")

	text := []byte("Authorization: " + placeholder)
	assert.Equal(t, "Authorization: "+Marker, string(table.ScrubBytes(text)))

	binary := append([]byte{0xff, 0xfe, 0x00}, []byte(placeholder)...)
	binary = append(binary, 0xc3)
	got := table.ScrubBytes(binary)
	assert.Equal(t, []byte{0xff, 0xfe, 0x00}, got[:3])
	assert.Contains(t, string(got), Marker)
	assert.NotContains(t, string(got), placeholder)
}

func TestSubstitute(t *testing.T) {
	table := newTable(t,
		Spec{Name: "SCOPED", Value: "scoped-value", AllowedHosts: []string{"api.example.com"}},
		Spec{Name: "OPEN", Value: "open-value"},
	)
	scoped := placeholderOf(t, table, "SCOPED")
	open := placeholderOf(t, table, "OPEN")

	tests := []struct {
		name     string
		input    string
		host     string
		fallback []string
		want     string
		wantErr  bool
	}{
		{"scoped to allowed host", "Bearer " + scoped, "api.example.com", nil, "Bearer scoped-value", false},
		{"scoped to other host", "Bearer " + scoped, "evil.com", nil, "", true},
		{"open with no fallback", "k=" + open, "anywhere.net", nil, "k=open-value", false},
		{"open restricted by fallback", "k=" + open, "evil.com", []string{"*.example.com"}, "", true},
		{"open allowed by fallback", "k=" + open, "x.example.com", []string{"*.example.com"}, "k=open-value", false},
		{"no placeholder", "plain", "evil.com", nil, "plain", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.Substitute(tt.input, tt.host, tt.fallback)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotPermitted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubstituteHeaders(t *testing.T) {
	table := newTable(t, Spec{Name: "KEY", Value: "real", AllowedHosts: []string{"api.example.com"}})
	p := placeholderOf(t, table, "KEY")

	head := "GET /path?x=" + p + " HTTP/1.1\r\nHost: api.example.com\r\nX-Key: " + p + "\r\n\r\n"
	out, err := table.SubstituteHeaders([]byte(head), "api.example.com", nil)
	require.NoError(t, err)

	lines := strings.Split(string(out), "\r\n")
	assert.Contains(t, lines[0], p, "request line is left alone")
	assert.Equal(t, "X-Key: real", lines[2])

	_, err = table.SubstituteHeaders([]byte(head), "other.com", nil)
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestSubstituteHeaderMap(t *testing.T) {
	table := newTable(t, Spec{Name: "KEY", Value: "real"})
	p := placeholderOf(t, table, "KEY")

	h := http.Header{}
	h.Set("Authorization", "Bearer "+p)
	h.Set("Accept", "application/json")
	require.NoError(t, table.SubstituteHeaderMap(h, "api.example.com", nil))
	assert.Equal(t, "Bearer real", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Accept"))
}

func TestSecretsHideValues(t *testing.T) {
	table := newTable(t, Spec{Name: "KEY", Value: "real"})
	for _, s := range table.Secrets() {
		assert.Empty(t, s.value)
		assert.True(t, table.ContainsPlaceholder("x"+s.Placeholder))
	}
}
