// Package policy defines the resource and network ceilings a sandbox runs under.
//
// ResourceLimits bound a single execution (wall time, per-callback time, memory,
// callback count). NetConfig bounds guest networking: connection ceiling,
// timeouts, and the host allow/block lists. Host patterns are case-insensitive
// globs where '*' matches any run of characters, so "*.example.com" matches
// "api.example.com" and "a.b.example.com" but not "example.com".
//
// Address checks (IsRestrictedAddr, DialControl) are applied at dial time so a
// hostname that resolves to a private or loopback address is refused even when
// the hostname itself passes the pattern checks.
package policy
