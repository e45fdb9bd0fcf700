// Package sourcefilter implements the hostile-source-address check shared by
// the relay engine and the reflection responder: both drop datagrams whose
// source is loopback, unspecified, broadcast, or uses UDP port 0, before
// doing any further work.
//
// This mirrors the evaluation-order discipline of a destination policy (deny
// rules checked up front, before any allow path runs) without carrying over
// the CIDR-allowlist machinery that destination policy needs and a source
// filter does not.
package sourcefilter

import "net/netip"

// IsHostile reports whether addr must never be treated as a legitimate
// client source: the loopback range, the unspecified (all-zero) address, the
// IPv4 limited-broadcast address 255.255.255.255, or port 0.
func IsHostile(addr netip.AddrPort) bool {
	if addr.Port() == 0 {
		return true
	}
	ip := addr.Addr()
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if unmapped := ip.Unmap(); unmapped.Is4() && unmapped == broadcastV4 {
		return true
	}
	return false
}

var broadcastV4 = netip.AddrFrom4([4]byte{255, 255, 255, 255})
