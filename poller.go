//go:build linux
// +build linux

package evloop

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/reactorgo/evloop/timestamp"
)

// poller multiplexes the Channels registered with one EventLoop using
// poll(2): a dense vector of pollfds polled in one syscall, paired with a
// map from fd to the Channel it belongs to. Grounded directly on the
// distilled reactor's own Poller (poll(2), not epoll): the revents this
// package dispatches on (POLLIN/POLLPRI/POLLOUT/POLLHUP/POLLERR/POLLNVAL)
// only make sense for a poll(2)-backed implementation.
type poller struct {
	loop     *EventLoop
	pollfds  []unix.PollFd
	channels map[int32]*Channel
	closed   bool
}

func newPoller(loop *EventLoop) *poller {
	return &poller{
		loop:     loop,
		channels: make(map[int32]*Channel),
	}
}

// close marks the poller closed; every subsequent poll call returns
// ErrPollerClosed instead of polling. Called once Loop has returned, so
// there is no concurrent poll(2) call to race with.
func (p *poller) close() {
	p.closed = true
}

// poll blocks for up to timeout waiting for readiness, then appends every
// ready Channel (in pollfd-vector order) to dst and returns the updated
// slice along with the time readiness was observed.
func (p *poller) poll(timeout time.Duration, dst []*Channel) (timestamp.Timestamp, []*Channel, error) {
	if p.closed {
		return timestamp.Now(), dst, ErrPollerClosed
	}
	timeoutMs := int(timeout / time.Millisecond)
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := timestamp.Now()
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return now, dst, nil
		}
		return now, dst, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return now, dst, nil
	}
	remaining := n
	for i := range p.pollfds {
		if remaining == 0 {
			break
		}
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		remaining--
		ch, ok := p.channels[pfd.Fd]
		if !ok {
			continue
		}
		ch.SetRevents(Event(pfd.Revents))
		dst = append(dst, ch)
	}
	return now, dst, nil
}

// updateChannel registers a new Channel, or pushes an updated interest mask
// for one already tracked. A Channel with no interest left is disabled in
// place (its pollfd's fd is negated, per poll(2) convention) rather than
// removed, so it can be cheaply re-enabled.
func (p *poller) updateChannel(c *Channel) {
	if c.Index() < 0 {
		if c.IsNoneEvent() {
			return
		}
		pfd := unix.PollFd{Fd: int32(c.Fd()), Events: int16(c.events)}
		p.pollfds = append(p.pollfds, pfd)
		idx := len(p.pollfds) - 1
		c.SetIndex(idx)
		p.channels[int32(c.Fd())] = c
		return
	}
	idx := c.Index()
	pfd := &p.pollfds[idx]
	pfd.Events = int16(c.events)
	pfd.Revents = 0
	if c.IsNoneEvent() {
		pfd.Fd = int32(-c.Fd() - 1)
	} else {
		pfd.Fd = int32(c.Fd())
	}
}

// removeChannel detaches a Channel in O(1) by swapping its pollfd with the
// last entry before shrinking the vector, then fixing up the index of
// whichever Channel now occupies the vacated slot.
func (p *poller) removeChannel(c *Channel) {
	idx := c.Index()
	if idx < 0 {
		return
	}
	delete(p.channels, int32(c.Fd()))
	last := len(p.pollfds) - 1
	if idx != last {
		p.pollfds[idx], p.pollfds[last] = p.pollfds[last], p.pollfds[idx]
		movedFd := p.pollfds[idx].Fd
		if movedFd < 0 {
			movedFd = -movedFd - 1
		}
		if moved, ok := p.channels[movedFd]; ok {
			moved.SetIndex(idx)
		}
	}
	p.pollfds = p.pollfds[:last]
	c.SetIndex(-1)
}
