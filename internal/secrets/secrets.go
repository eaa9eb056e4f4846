// Package secrets keeps real credential values on the host side of the sandbox.
//
// The guest only ever sees a random placeholder per secret. Outbound requests
// have placeholders swapped for real values when the destination host is
// allowed for that secret, and everything flowing back to the guest or the
// caller (callback results, trace events, stdout/stderr) is scrubbed so that
// neither placeholders nor real values survive.
package secrets

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/GriffinCanCode/enclave/internal/policy"
)

const (
	// Marker replaces every secret occurrence in scrubbed text.
	Marker = "[REDACTED]"
	// PlaceholderPrefix starts every generated placeholder.
	PlaceholderPrefix = "ENCLAVE_SECRET_"
)

var (
	// ErrNotPermitted is returned when a placeholder would be sent to a host
	// the secret is not allowed for.
	ErrNotPermitted = errors.New("secret not permitted for host")
	// ErrInvalidSecret is returned for empty names or values and duplicates.
	ErrInvalidSecret = errors.New("invalid secret")
)

// Spec describes a secret to register.
type Spec struct {
	Name         string
	Value        string
	AllowedHosts []string
}

// Secret is a registered secret with its guest-visible placeholder.
type Secret struct {
	Name         string
	Placeholder  string
	AllowedHosts []string
	value        string
}

// NewPlaceholder returns a fresh placeholder carrying 128 random bits.
func NewPlaceholder() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate placeholder: %w", err)
	}
	return PlaceholderPrefix + hex.EncodeToString(b[:]), nil
}

// Table holds the secrets of one sandbox. It is immutable once built and safe
// for concurrent use.
type Table struct {
	secrets  []Secret
	needles  []string
	scrubber *strings.Replacer
}

// NewTable registers specs, generating a new placeholder for each.
func NewTable(specs ...Spec) (*Table, error) {
	t := &Table{}
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Name == "" || spec.Value == "" {
			return nil, fmt.Errorf("%w: name and value are required", ErrInvalidSecret)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate secret %q", ErrInvalidSecret, spec.Name)
		}
		seen[spec.Name] = struct{}{}

		placeholder, err := NewPlaceholder()
		if err != nil {
			return nil, err
		}
		t.secrets = append(t.secrets, Secret{
			Name:         spec.Name,
			Placeholder:  placeholder,
			AllowedHosts: slices.Clone(spec.AllowedHosts),
			value:        spec.Value,
		})
	}
	t.scrubber = t.buildScrubber()
	return t, nil
}

// buildScrubber replaces longer needles first so a value that contains
// another secret's value is redacted whole.
func (t *Table) buildScrubber() *strings.Replacer {
	needles := make([]string, 0, 2*len(t.secrets))
	for _, s := range t.secrets {
		needles = append(needles, s.Placeholder, s.value)
	}
	slices.SortFunc(needles, func(a, b string) int { return len(b) - len(a) })
	needles = slices.Compact(needles)
	t.needles = needles

	pairs := make([]string, 0, 2*len(needles))
	for _, n := range needles {
		pairs = append(pairs, n, Marker)
	}
	return strings.NewReplacer(pairs...)
}

// Len returns the number of registered secrets.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.secrets)
}

// Secrets returns the registered secrets without their values.
func (t *Table) Secrets() []Secret {
	if t == nil {
		return nil
	}
	out := make([]Secret, len(t.secrets))
	for i, s := range t.secrets {
		s.value = ""
		out[i] = s
	}
	return out
}

// Env maps each secret name to its placeholder for exposure to the guest.
func (t *Table) Env() map[string]string {
	env := make(map[string]string, t.Len())
	if t == nil {
		return env
	}
	for _, s := range t.secrets {
		env[s.Name] = s.Placeholder
	}
	return env
}

// Scrub replaces placeholders and real values in s with Marker.
func (t *Table) Scrub(s string) string {
	if t.Len() == 0 || s == "" {
		return s
	}
	return t.scrubber.Replace(s)
}

// PartialTail returns the offset of the longest suffix of s that is the
// start of a placeholder or secret value without being all of it, or len(s)
// when there is none. Text from that offset on must be held back from a
// stream until more arrives, or a secret split across writes would escape
// scrubbing.
func (t *Table) PartialTail(s string) int {
	if t.Len() == 0 {
		return len(s)
	}
	// needles are sorted longest first
	from := max(len(s)-len(t.needles[0])+1, 0)
	for off := from; off < len(s); off++ {
		tail := s[off:]
		for _, n := range t.needles {
			if len(n) > len(tail) && strings.HasPrefix(n, tail) {
				return off
			}
		}
	}
	return len(s)
}

// ScrubBytes scrubs b, treating it as text when it is valid UTF-8 and as raw
// bytes otherwise.
func (t *Table) ScrubBytes(b []byte) []byte {
	if t.Len() == 0 || len(b) == 0 {
		return b
	}
	if utf8.Valid(b) {
		return []byte(t.scrubber.Replace(string(b)))
	}
	out := b
	marker := []byte(Marker)
	for _, s := range t.secrets {
		out = bytes.ReplaceAll(out, []byte(s.Placeholder), marker)
		out = bytes.ReplaceAll(out, []byte(s.value), marker)
	}
	return out
}

// ContainsPlaceholder reports whether s holds any placeholder.
func (t *Table) ContainsPlaceholder(s string) bool {
	if t == nil {
		return false
	}
	for _, sec := range t.secrets {
		if strings.Contains(s, sec.Placeholder) {
			return true
		}
	}
	return false
}

// Substitute swaps placeholders in s for real values if host is allowed for
// every secret referenced. A secret with no AllowedHosts falls back to
// fallback; if both are empty any host is allowed.
func (t *Table) Substitute(s, host string, fallback []string) (string, error) {
	if t.Len() == 0 {
		return s, nil
	}
	for _, sec := range t.secrets {
		if !strings.Contains(s, sec.Placeholder) {
			continue
		}
		if !sec.permits(host, fallback) {
			return "", fmt.Errorf("%w: %s -> %s", ErrNotPermitted, sec.Name, host)
		}
		s = strings.ReplaceAll(s, sec.Placeholder, sec.value)
	}
	return s, nil
}

func (s Secret) permits(host string, fallback []string) bool {
	allowed := s.AllowedHosts
	if len(allowed) == 0 {
		allowed = fallback
	}
	if len(allowed) == 0 {
		return true
	}
	return policy.MatchAny(allowed, host)
}
