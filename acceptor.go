//go:build linux
// +build linux

package evloop

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kavu/go_reuseport"

	"github.com/reactorgo/evloop/internal/netutil"
	"github.com/reactorgo/evloop/log"
	"github.com/reactorgo/evloop/timestamp"
)

// Acceptor owns the listening socket on a TcpServer's base loop: it binds
// and listens once, then turns every readiness event into zero or more
// accepted connections handed to its NewConnectionCallback.
type Acceptor struct {
	loop       *EventLoop
	listenSock net.Listener
	listenFD   int
	channel    *Channel
	listening  bool

	// NewConnectionCallback receives each accepted connection's fd and its
	// peer address. If unset, an accepted connection is closed immediately.
	NewConnectionCallback func(fd int, peer net.Addr)
}

// NewAcceptor builds a listening socket bound to addr (with SO_REUSEPORT if
// reusePort is set) and wraps it in a Channel on loop. It does not start
// accepting connections until Listen is called.
func NewAcceptor(loop *EventLoop, addr InetAddress, reusePort bool) (*Acceptor, error) {
	var ln net.Listener
	var err error
	if reusePort {
		// go_reuseport's upstream package supports a real SO_REUSEPORT TCP
		// listener directly.
		ln, err = reuseport.Listen("tcp", addr.String())
	} else {
		ln, err = net.Listen("tcp", addr.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	fd, err := netutil.GetFD(ln)
	if err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "get listener fd")
	}

	a := &Acceptor{
		loop:       loop,
		listenSock: ln,
		listenFD:   fd,
	}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// Listen begins dispatching accepted connections to NewConnectionCallback.
// Calling Listen more than once is a no-op.
func (a *Acceptor) Listen() {
	if a.listening {
		return
	}
	a.listening = true
	a.channel.EnableReading()
}

// Addr returns the bound address of the listening socket.
func (a *Acceptor) Addr() net.Addr {
	return a.listenSock.Addr()
}

// Close stops accepting and releases the listening socket.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	return a.listenSock.Close()
}

// handleRead drains every connection pending on the listening socket before
// returning, the corrected form of a single-accept-per-readiness loop: poll
// readiness is level-triggered, so leaving connections un-accepted would
// just mean they're reported again next iteration, but accepting all of
// them now means earlier connections in a burst don't wait an extra trip
// through the loop. EMFILE (the process is out of file descriptors) is
// logged and ends this event's accept loop rather than being retried.
func (a *Acceptor) handleRead(timestamp.Timestamp) {
	for {
		fd, sa, err := netutil.Accept(a.listenFD)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				log.Errorf("evloop: accept: out of file descriptors: %v", err)
				return
			case unix.ECONNABORTED:
				continue
			default:
				log.Errorf("evloop: accept: %v", err)
				return
			}
		}
		if a.NewConnectionCallback == nil {
			unix.Close(fd)
			continue
		}
		peer := netutil.SockaddrToTCPAddr(sa)
		a.NewConnectionCallback(fd, peer)
	}
}
