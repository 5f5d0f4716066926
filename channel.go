//go:build linux
// +build linux

package evloop

import (
	"golang.org/x/sys/unix"

	"github.com/reactorgo/evloop/log"
	"github.com/reactorgo/evloop/timestamp"
)

// Event is the poll(2) interest/revents bitmask a Channel is built from.
type Event int16

// Event bits, named directly after the poll(2) constants they wrap.
const (
	EventNone  Event = 0
	EventRead  Event = unix.POLLIN | unix.POLLPRI
	EventWrite Event = unix.POLLOUT
)

// Channel binds one file descriptor, on one owning EventLoop, to up to four
// callbacks dispatched according to the revents a Poller reports for it. A
// Channel never owns the fd it wraps; closing the fd is the caller's
// responsibility once the Channel has been removed from its loop.
type Channel struct {
	loop *EventLoop
	fd   int

	events  Event
	revents Event
	index   int // position in the Poller's pollfd vector; -1 if not tracked

	readCallback  func(receiveTime timestamp.Timestamp)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	eventHandling bool // re-entrancy guard: true while dispatching this Channel's callbacks
	addedToLoop   bool
}

// NewChannel constructs a Channel for fd, owned by loop. It is not
// registered with the poller until EnableReading/EnableWriting is called.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		index: -1,
	}
}

// Fd returns the wrapped file descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the interest mask currently registered with the poller.
func (c *Channel) Events() Event { return c.events }

// SetRevents records the events the poller reported ready; called only by
// the owning loop's Poller.Poll.
func (c *Channel) SetRevents(revents Event) { c.revents = revents }

// Index returns the Poller-private bookkeeping slot, or -1 if the Channel
// is not currently tracked.
func (c *Channel) Index() int { return c.index }

// SetIndex sets the Poller-private bookkeeping slot.
func (c *Channel) SetIndex(index int) { c.index = index }

// SetReadCallback installs the callback invoked when the fd is readable.
func (c *Channel) SetReadCallback(cb func(receiveTime timestamp.Timestamp)) { c.readCallback = cb }

// SetWriteCallback installs the callback invoked when the fd is writable.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the callback invoked on a hang-up with no
// pending readable data.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the callback invoked on POLLERR/POLLNVAL.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// EnableReading adds read interest and pushes the update to the poller.
func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

// DisableReading removes read interest and pushes the update to the poller.
func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

// EnableWriting adds write interest and pushes the update to the poller.
func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

// DisableWriting removes write interest and pushes the update to the
// poller.
func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

// DisableAll removes all interest, leaving the fd registered with the
// poller but idle.
func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

// IsWriting reports whether write interest is currently registered.
func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }

// IsReading reports whether read interest is currently registered.
func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }

// IsNoneEvent reports whether the Channel currently has no interest
// registered at all.
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// Remove detaches the Channel from its owning loop's poller. The caller
// must ensure no further events are dispatched to it afterward.
func (c *Channel) Remove() {
	if c.eventHandling {
		log.Fatalf("evloop: channel fd=%d removed while dispatching its own events", c.fd)
		panic("evloop: channel removed during its own event dispatch")
	}
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

// HandleEvents dispatches the revents most recently recorded by the poller
// to the appropriate callback(s). Every condition is checked independently,
// in a fixed order: an invalid fd is logged; a hang-up with no readable
// data fires the close callback; errors fire next; then read, then write.
// None of these checks short-circuits the others, so a channel reporting
// POLLHUP|POLLERR together still reaches the error callback after close.
// While it runs, the Channel is marked as dispatching, and Remove treats
// removal by one of its own callbacks as a fatal error.
func (c *Channel) HandleEvents(receiveTime timestamp.Timestamp) {
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	if c.revents&unix.POLLNVAL != 0 {
		log.Warnf("evloop: channel fd=%d has invalid POLLNVAL revents", c.fd)
	}
	if c.revents&unix.POLLHUP != 0 && c.revents&unix.POLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.POLLIN|unix.POLLPRI|unix.POLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&unix.POLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
