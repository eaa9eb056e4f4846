package policy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ErrRestrictedAddress is returned when a dial targets a private, loopback or
// otherwise non-public address.
var ErrRestrictedAddress = errors.New("address is in a restricted range")

var restrictedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsRestrictedAddr reports whether addr lies in a private, loopback,
// link-local, unspecified, broadcast, multicast or documentation range.
func IsRestrictedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range restrictedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsRestrictedIP is IsRestrictedAddr for net.IP values.
func IsRestrictedIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	return IsRestrictedAddr(addr)
}

// AddressGuard decides which resolved addresses a dialer may connect to.
type AddressGuard struct {
	AllowPrivate  bool
	AllowLoopback bool
}

// Check returns ErrRestrictedAddress if addr may not be dialed.
func (g AddressGuard) Check(addr netip.Addr) error {
	if g.AllowPrivate {
		return nil
	}
	addr = addr.Unmap()
	if g.AllowLoopback && addr.IsLoopback() {
		return nil
	}
	if IsRestrictedAddr(addr) {
		return fmt.Errorf("%w: %s", ErrRestrictedAddress, addr)
	}
	return nil
}

// Control is a net.Dialer Control hook enforcing the guard on the address the
// socket is actually connecting to.
func (g AddressGuard) Control(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address %q", ErrRestrictedAddress, address)
	}
	return g.Check(ap.Addr())
}
