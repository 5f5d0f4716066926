//go:build linux
// +build linux

package evloop

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reactorgo/evloop/buffer"
	"github.com/reactorgo/evloop/internal/netutil"
	"github.com/reactorgo/evloop/log"
	"github.com/reactorgo/evloop/timestamp"
)

// ConnState is a TcpConnection's position in its lifecycle. It only ever
// moves forward: Connecting -> Connected -> Disconnecting -> Disconnected.
type ConnState int32

// ConnState values, in the order a connection passes through them.
const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// ConnectionCallback is invoked once a connection is established, and once
// more when it is about to be torn down (Connected() reports false on the
// second call).
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback is invoked whenever new data has been read into a
// connection's input buffer; the callback consumes whatever bytes it wants
// via Buffer's Retrieve-family methods, leaving the rest for the next call.
type MessageCallback func(conn *TcpConnection, buf *buffer.Buffer, receiveTime timestamp.Timestamp)

// WriteCompleteCallback is invoked once data handed to Send has been fully
// written to the kernel: queued right after a Send whose data was written
// in one go, or run once a buffered output backlog has drained.
type WriteCompleteCallback func(conn *TcpConnection)

// TcpConnection is one established, nonblocking TCP socket together with
// the read/write buffers and callbacks needed to drive it from its
// assigned EventLoop. Every field is mutated only from that loop's
// goroutine; Send, Shutdown and ForceClose are the only methods safe to call
// from any other goroutine, and they work by hopping onto the loop
// themselves.
type TcpConnection struct {
	loop  *EventLoop
	name  string
	state ConnState

	fd      int
	channel *Channel

	localAddr net.Addr
	peerAddr  net.Addr

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	connectionCallback    ConnectionCallback
	dispatchMessage       func(conn *TcpConnection, buf *buffer.Buffer, receiveTime timestamp.Timestamp)
	writeCompleteCallback WriteCompleteCallback
	closeCallback         func(conn *TcpConnection)

	idleTimeout    time.Duration
	idleTimer      *TimerID
	lastActiveTime timestamp.Timestamp
}

func newTCPConnection(loop *EventLoop, name string, fd int, local, peer net.Addr) *TcpConnection {
	c := &TcpConnection{
		loop:         loop,
		name:         name,
		state:        StateConnecting,
		fd:           fd,
		localAddr:    local,
		peerAddr:     peer,
		inputBuffer:  buffer.New(),
		outputBuffer: buffer.New(),
	}
	c.channel = NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	return c
}

// Name returns the connection's server-assigned identifier.
func (c *TcpConnection) Name() string { return c.name }

// LocalAddr returns the connection's local endpoint.
func (c *TcpConnection) LocalAddr() net.Addr { return c.localAddr }

// PeerAddr returns the connection's remote endpoint.
func (c *TcpConnection) PeerAddr() net.Addr { return c.peerAddr }

// Connected reports whether the connection is in the Connected state.
func (c *TcpConnection) Connected() bool { return c.state == StateConnected }

// SetTCPNoDelay toggles Nagle's algorithm on the underlying socket.
func (c *TcpConnection) SetTCPNoDelay(noDelay bool) error {
	return netutil.SetNoDelay(c.fd, noDelay)
}

// SetKeepAlive turns on TCP keepalive with the given idle/interval, rounded
// up to the nearest second (the granularity the socket option accepts).
func (c *TcpConnection) SetKeepAlive(d time.Duration) error {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return netutil.SetKeepAlive(c.fd, secs)
}

// Send queues data for delivery, writing synchronously when possible. Safe
// to call from any goroutine. Returns ErrConnClosed if the connection is
// already Disconnected at the point the write is attempted; a connection
// that closes between an off-loop Send returning and the queued write
// actually running is only reported via a log line, since there is no
// synchronous path back to that caller.
func (c *TcpConnection) Send(data []byte) error {
	if c.loop.IsInLoopGoroutine() {
		return c.sendInLoop(data)
	}
	buf := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(buf) })
	return nil
}

func (c *TcpConnection) sendInLoop(data []byte) error {
	if c.state == StateDisconnected {
		log.Warnf("evloop: %s: send on disconnected connection, dropping %d bytes", c.name, len(data))
		return ErrConnClosed
	}
	c.touchActivity()

	var nwrote int
	faultError := false

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			nwrote = n
			if nwrote == len(data) && c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
		case err == unix.EAGAIN:
			nwrote = 0
		case err == unix.EPIPE || err == unix.ECONNRESET:
			faultError = true
		default:
			log.Errorf("evloop: %s: write: %v", c.name, err)
		}
	}

	if !faultError && nwrote < len(data) {
		c.outputBuffer.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
	return nil
}

// Shutdown half-closes the connection for writing once any buffered output
// has drained, without interrupting in-flight reads. Safe to call from any
// goroutine.
func (c *TcpConnection) Shutdown() {
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *TcpConnection) shutdownInLoop() {
	if c.state != StateConnected {
		return
	}
	c.state = StateDisconnecting
	if !c.channel.IsWriting() {
		unix.Shutdown(c.fd, unix.SHUT_WR)
	}
}

// ForceClose tears the connection down immediately, discarding any
// unflushed output. Safe to call from any goroutine.
func (c *TcpConnection) ForceClose() {
	c.loop.RunInLoop(func() {
		if c.state == StateConnected || c.state == StateDisconnecting {
			c.handleClose()
		}
	})
}

func (c *TcpConnection) touchActivity() {
	c.lastActiveTime = timestamp.Now()
}

// establishConnection transitions a freshly accepted connection to
// Connected on its assigned loop. Called exactly once, via RunInLoop from
// TcpServer.newConnection so it always runs on c's own loop even when that
// differs from the accepting loop.
func (c *TcpConnection) establishConnection() {
	c.loop.AssertInLoopGoroutine()
	c.state = StateConnected
	c.touchActivity()
	c.channel.EnableReading()
	if c.idleTimeout > 0 {
		c.armIdleTimer()
	}
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// destroyConnection performs the final, deferred teardown once both the
// server's connection map and any in-flight callback referencing c have
// let go of it. Called via QueueInLoop so it never runs inside the same
// dispatch as the handleClose that triggered it. This is the only place
// the connection transitions to Disconnected and fires the final
// ConnectionCallback notification (Connected() reports false by the time
// that callback runs).
func (c *TcpConnection) destroyConnection() {
	c.loop.AssertInLoopGoroutine()
	if c.state != StateConnected && c.state != StateDisconnecting {
		log.Fatalf("evloop: %s: destroyConnection invoked from state %d, want Connected or Disconnecting", c.name, c.state)
		panic(ErrConnClosed)
	}
	c.state = StateDisconnected
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.idleTimer != nil {
		c.loop.CancelTimer(*c.idleTimer)
		c.idleTimer = nil
	}
	c.channel.DisableAll()
	if c.channel.Index() >= 0 {
		c.channel.Remove()
	}
	unix.Close(c.fd)
}

func (c *TcpConnection) handleRead(receiveTime timestamp.Timestamp) {
	n, err := c.inputBuffer.ReadFd(c.fd)
	switch {
	case err == unix.EAGAIN:
		// spurious wakeup; nothing to do.
	case err != nil:
		log.Errorf("evloop: %s: read: %v", c.name, err)
		c.handleError()
	case n == 0:
		c.handleClose()
	default:
		c.touchActivity()
		if c.dispatchMessage != nil {
			c.dispatchMessage(c, c.inputBuffer, receiveTime)
		}
	}
}

func (c *TcpConnection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}
	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			log.Errorf("evloop: %s: write: %v", c.name, err)
		}
		return
	}
	if err := c.outputBuffer.Retrieve(n); err != nil {
		log.Errorf("evloop: %s: retrieve after write: %v", c.name, err)
		return
	}
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.writeCompleteCallback(c)
		}
		if c.state == StateDisconnecting {
			unix.Shutdown(c.fd, unix.SHUT_WR)
		}
	}
}

// handleClose disables the channel and hands the connection off to the
// server's close callback, which eventually schedules destroyConnection on
// this connection's own loop. It does not touch state or fire
// connectionCallback itself; that is destroyConnection's job, so that the
// final notification happens exactly once regardless of how many times
// handleClose is reached along the way.
func (c *TcpConnection) handleClose() {
	if c.channel.IsNoneEvent() {
		// Interest was already dropped by an earlier handleClose; its
		// teardown is in flight.
		return
	}
	c.channel.DisableAll()
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		log.Errorf("evloop: %s: get SO_ERROR: %v", c.name, err)
		return
	}
	log.Errorf("evloop: %s: socket error: %v", c.name, unix.Errno(errno))
}

func (c *TcpConnection) armIdleTimer() {
	c.idleTimer = new(TimerID)
	*c.idleTimer = c.loop.RunEvery(c.idleTimeout, func(now timestamp.Timestamp) {
		if now-c.lastActiveTime < timestamp.Timestamp(c.idleTimeout.Microseconds()) {
			return
		}
		log.Infof("evloop: %s: idle for %s, closing", c.name, c.idleTimeout)
		c.handleClose()
	})
}
