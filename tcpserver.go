//go:build linux
// +build linux

package evloop

import (
	"fmt"
	"net"
	"strconv"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/reactorgo/evloop/buffer"
	"github.com/reactorgo/evloop/internal/netutil"
	"github.com/reactorgo/evloop/log"
	"github.com/reactorgo/evloop/timestamp"
)

// TcpServer binds a listening socket on a base loop and fans accepted
// connections out across a pool of worker loops. Every exported method is
// safe to call from any goroutine; the connection map itself is touched
// only from the base loop's goroutine.
type TcpServer struct {
	baseLoop *EventLoop
	name     string
	addr     InetAddress

	acceptor *Acceptor
	pool     *EventLoopThreadPool

	opts        serverOptions
	numThreads  int
	handlerPool *blockingHandlerPool
	started     atomic.Bool
	nextConnID  int64
	connections map[string]*TcpConnection
}

// NewTCPServer builds a TcpServer bound to addr, owned by baseLoop. It does
// not start listening until Start is called.
func NewTCPServer(baseLoop *EventLoop, addr InetAddress, name string, opts ...Option) (*TcpServer, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	acceptor, err := NewAcceptor(baseLoop, addr, o.reusePort)
	if err != nil {
		return nil, err
	}

	s := &TcpServer{
		baseLoop:    baseLoop,
		name:        name,
		addr:        addr,
		acceptor:    acceptor,
		pool:        NewEventLoopThreadPool(baseLoop),
		opts:        o,
		connections: make(map[string]*TcpConnection),
	}
	if o.blockingHandlerPoolLen > 0 {
		hp, err := newBlockingHandlerPool(o.blockingHandlerPoolLen)
		if err != nil {
			return nil, err
		}
		s.handlerPool = hp
	}
	s.acceptor.NewConnectionCallback = s.newConnection
	return s, nil
}

// SetThreadNum sets the number of worker loops the server spreads
// connections across. Must be called before Start; 0 (the default) means
// every connection is handled on the base loop.
func (s *TcpServer) SetThreadNum(n int) {
	s.numThreads = n
}

// Name returns the server's configured name, used as a connection-name
// prefix.
func (s *TcpServer) Name() string { return s.name }

// Addr returns the bound listening address.
func (s *TcpServer) Addr() net.Addr { return s.acceptor.Addr() }

// Start begins accepting connections. Calling Start more than once is a
// no-op.
func (s *TcpServer) Start() error {
	if !s.started.CAS(false, true) {
		return nil
	}
	if err := s.pool.Start(s.numThreads); err != nil {
		return err
	}
	s.baseLoop.RunInLoop(func() {
		s.acceptor.Listen()
	})
	return nil
}

// Stop stops accepting new connections, force-closes every open connection,
// and shuts down the worker pool. It blocks until every worker loop has
// returned.
func (s *TcpServer) Stop() {
	s.baseLoop.RunInLoop(func() {
		s.acceptor.Close()
		for _, conn := range s.connections {
			conn.ForceClose()
		}
	})
	s.pool.Stop()
	if s.handlerPool != nil {
		s.handlerPool.release()
	}
}

// newConnection is the Acceptor's NewConnectionCallback: it always runs on
// the base loop, since the Acceptor's own Channel lives there.
func (s *TcpServer) newConnection(fd int, peer net.Addr) {
	s.baseLoop.AssertInLoopGoroutine()

	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%s", s.name, s.addr.String(), strconv.FormatInt(s.nextConnID, 10))

	ioLoop := s.pool.GetNextLoop()

	local := localAddr(fd)
	conn := newTCPConnection(ioLoop, connName, fd, local, peer)
	conn.connectionCallback = s.opts.connectionCallback
	conn.writeCompleteCallback = s.opts.writeCompleteCallback
	conn.idleTimeout = s.opts.idleTimeout
	conn.closeCallback = s.removeConnection

	if handler := s.opts.messageCallback; handler != nil {
		if s.handlerPool != nil {
			conn.dispatchMessage = func(c *TcpConnection, buf *buffer.Buffer, ts timestamp.Timestamp) {
				s.handlerPool.dispatch(c, buf, ts, handler)
			}
		} else {
			conn.dispatchMessage = handler
		}
	}

	if s.opts.keepAlive > 0 {
		if err := conn.SetKeepAlive(s.opts.keepAlive); err != nil {
			log.Warnf("evloop: %s: set keepalive: %v", connName, err)
		}
	}

	s.connections[connName] = conn
	ioLoop.RunInLoop(conn.establishConnection)
}

// removeConnection is a TcpConnection's closeCallback: it fires from the
// connection's own (I/O) loop inside handleClose, so the map mutation below
// is hopped onto the base loop first. destroyConnection is then posted back
// to the connection's own loop via QueueInLoop rather than run here
// directly, so it never runs inside the handleClose dispatch that triggered
// this whole chain.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.baseLoop.RunInLoop(func() {
		delete(s.connections, conn.Name())
		conn.loop.QueueInLoop(conn.destroyConnection)
	})
}

// NumConnections returns the number of currently tracked connections. Safe
// to call from any goroutine; it round-trips onto the base loop to read the
// map without a race.
func (s *TcpServer) NumConnections() int {
	done := make(chan int, 1)
	s.baseLoop.RunInLoop(func() { done <- len(s.connections) })
	return <-done
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return netutil.SockaddrToTCPAddr(sa)
}
