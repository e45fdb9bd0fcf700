package relay

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenDualStack binds a UDP socket on port across both address families: an
// IPv6 listener with IPV6_V6ONLY cleared so v4-mapped peers are accepted on
// the same socket.
func ListenDualStack(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	addr := fmt.Sprintf("[::]:%d", port)
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// ListenIPv4 binds a UDP socket on port restricted to IPv4, used by the
// reflection responder whose reply format only carries 4 address bytes.
func ListenIPv4(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
}
