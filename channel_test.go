//go:build linux
// +build linux

package evloop

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/reactorgo/evloop/timestamp"
)

func newTestChannel() *Channel {
	return &Channel{fd: 7, index: -1}
}

func TestChannelHandleEventsReadAndWriteBothFire(t *testing.T) {
	c := newTestChannel()
	var read, write, close_, errCb bool
	c.SetReadCallback(func(timestamp.Timestamp) { read = true })
	c.SetWriteCallback(func() { write = true })
	c.SetCloseCallback(func() { close_ = true })
	c.SetErrorCallback(func() { errCb = true })

	c.SetRevents(Event(unix.POLLIN | unix.POLLOUT))
	c.HandleEvents(timestamp.Now())

	if !read || !write {
		t.Errorf("expected both read and write callbacks to fire, got read=%v write=%v", read, write)
	}
	if close_ || errCb {
		t.Errorf("unexpected close/error callback fired: close=%v error=%v", close_, errCb)
	}
}

func TestChannelHandleEventsHangupWithoutReadableDataFiresClose(t *testing.T) {
	c := newTestChannel()
	var read, write, closed bool
	c.SetReadCallback(func(timestamp.Timestamp) { read = true })
	c.SetWriteCallback(func() { write = true })
	c.SetCloseCallback(func() { closed = true })

	c.SetRevents(Event(unix.POLLHUP))
	c.HandleEvents(timestamp.Now())

	if !closed {
		t.Error("expected close callback to fire on bare POLLHUP")
	}
	if read || write {
		t.Error("read/write callbacks must not fire when only POLLHUP is set")
	}
}

func TestChannelHandleEventsHangupAndErrorBothFire(t *testing.T) {
	c := newTestChannel()
	var closed, errored bool
	c.SetCloseCallback(func() { closed = true })
	c.SetErrorCallback(func() { errored = true })

	c.SetRevents(Event(unix.POLLHUP | unix.POLLERR))
	c.HandleEvents(timestamp.Now())

	if !closed {
		t.Error("expected close callback to fire on POLLHUP")
	}
	if !errored {
		t.Error("expected error callback to still fire after close, since POLLHUP must not short-circuit the remaining checks")
	}
}

func TestChannelHandleEventsHangupWithReadableDataDoesNotShortCircuit(t *testing.T) {
	c := newTestChannel()
	var read, closed bool
	c.SetReadCallback(func(timestamp.Timestamp) { read = true })
	c.SetCloseCallback(func() { closed = true })

	c.SetRevents(Event(unix.POLLHUP | unix.POLLIN))
	c.HandleEvents(timestamp.Now())

	if closed {
		t.Error("POLLHUP with POLLIN set must not fire the close callback")
	}
	if !read {
		t.Error("expected read callback to fire when POLLIN accompanies POLLHUP")
	}
}

func TestChannelHandleEventsErrorFiresBeforeRead(t *testing.T) {
	c := newTestChannel()
	var order []string
	c.SetErrorCallback(func() { order = append(order, "error") })
	c.SetReadCallback(func(timestamp.Timestamp) { order = append(order, "read") })

	c.SetRevents(Event(unix.POLLERR | unix.POLLIN))
	c.HandleEvents(timestamp.Now())

	if len(order) != 2 || order[0] != "error" || order[1] != "read" {
		t.Errorf("expected [error read], got %v", order)
	}
}

func TestChannelStartsWithNoInterest(t *testing.T) {
	c := newTestChannel()
	if c.IsReading() || c.IsWriting() || !c.IsNoneEvent() {
		t.Fatal("new channel should have no interest registered")
	}
}
