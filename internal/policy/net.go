package policy

import (
	"crypto/x509"
	"slices"
	"time"
)

// loopbackPatterns are removed from the blocked list by AllowLocalhost.
var loopbackPatterns = []string{"localhost", "*.localhost", "127.*", "[::1]"}

// DefaultBlockedHosts covers loopback, RFC 1918 and link-local ranges.
func DefaultBlockedHosts() []string {
	return []string{
		"localhost",
		"*.localhost",
		"127.*",
		"10.*",
		"172.16.*", "172.17.*", "172.18.*", "172.19.*",
		"172.20.*", "172.21.*", "172.22.*", "172.23.*",
		"172.24.*", "172.25.*", "172.26.*", "172.27.*",
		"172.28.*", "172.29.*", "172.30.*", "172.31.*",
		"192.168.*",
		"169.254.*",
		"[::1]",
	}
}

// NetConfig bounds guest TCP/TLS networking.
type NetConfig struct {
	MaxConnections int           `json:"max_connections" yaml:"max_connections"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	IOTimeout      time.Duration `json:"io_timeout" yaml:"io_timeout"`
	// AllowedHosts, when non-empty, is the only set of hosts that may be contacted.
	AllowedHosts []string `json:"allowed_hosts" yaml:"allowed_hosts"`
	BlockedHosts []string `json:"blocked_hosts" yaml:"blocked_hosts"`
	// AllowPrivateIPs disables the dial-time address check entirely.
	AllowPrivateIPs bool `json:"allow_private_ips" yaml:"allow_private_ips"`
	// AllowLoopback permits loopback addresses at dial time.
	AllowLoopback bool `json:"allow_loopback" yaml:"allow_loopback"`
	// RootCAs replaces the system roots for TLS verification. Host side only.
	RootCAs *x509.CertPool `json:"-" yaml:"-"`
}

// DefaultNetConfig returns the conservative networking defaults.
func DefaultNetConfig() NetConfig {
	return NetConfig{
		MaxConnections: 10,
		ConnectTimeout: 30 * time.Second,
		IOTimeout:      60 * time.Second,
		BlockedHosts:   DefaultBlockedHosts(),
	}
}

// PermissiveNetConfig allows every host and address. Intended for tests.
func PermissiveNetConfig() NetConfig {
	cfg := DefaultNetConfig()
	cfg.BlockedHosts = nil
	cfg.AllowPrivateIPs = true
	return cfg
}

// WithAllowedHost appends a pattern to the allow list.
func (c NetConfig) WithAllowedHost(pattern string) NetConfig {
	c.AllowedHosts = append(slices.Clone(c.AllowedHosts), pattern)
	return c
}

// AllowLocalhost drops the loopback patterns from the blocked list and
// permits loopback addresses at dial time.
func (c NetConfig) AllowLocalhost() NetConfig {
	c.BlockedHosts = slices.DeleteFunc(slices.Clone(c.BlockedHosts), func(p string) bool {
		return slices.Contains(loopbackPatterns, p)
	})
	c.AllowLoopback = true
	return c
}

// HostPolicy returns the pattern policy for this config.
func (c NetConfig) HostPolicy() HostPolicy {
	return HostPolicy{Allowed: c.AllowedHosts, Blocked: c.BlockedHosts}
}

// AddressGuard returns the dial-time address guard for this config.
func (c NetConfig) AddressGuard() AddressGuard {
	return AddressGuard{AllowPrivate: c.AllowPrivateIPs, AllowLoopback: c.AllowLoopback}
}
