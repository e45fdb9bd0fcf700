package sourcefilter

import (
	"net/netip"
	"testing"
)

func TestIsHostile(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"203.0.113.5:1000", false},
		{"127.0.0.1:1000", true},
		{"0.0.0.0:1000", true},
		{"255.255.255.255:1000", true},
		{"203.0.113.5:0", true},
		{"[::1]:1000", true},
		{"[::]:1000", true},
		{"[2001:db8::1]:1000", false},
	}
	for _, c := range cases {
		addr := netip.MustParseAddrPort(c.addr)
		if got := IsHostile(addr); got != c.want {
			t.Errorf("IsHostile(%s) = %v, want %v", c.addr, got, c.want)
		}
	}
}
