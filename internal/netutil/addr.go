//go:build linux
// +build linux

package netutil

import (
	"net"

	"golang.org/x/sys/unix"
)

// SockaddrToTCPAddr converts an accept(2) peer sockaddr to a net.TCPAddr.
// Only IPv4 is supported; any other sockaddr type returns nil.
func SockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil
	}
	ip := make(net.IP, 4)
	copy(ip, sa4.Addr[:])
	return &net.TCPAddr{IP: ip, Port: sa4.Port}
}
