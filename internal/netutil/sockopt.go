//go:build linux
// +build linux

package netutil

import "golang.org/x/sys/unix"

// SetNoDelay toggles TCP_NODELAY (disabling/enabling Nagle's algorithm) on
// fd.
func SetNoDelay(fd int, noDelay bool) error {
	v := 0
	if noDelay {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetNonblocking marks fd as non-blocking, needed for any fd accepted
// outside of Go's own net package (whose listeners already do this, but a
// raw accept(2) result does not unless SOCK_NONBLOCK was requested, as
// Accept in sock_cloexec.go does).
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}
