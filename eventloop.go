//go:build linux
// +build linux

package evloop

import (
	"encoding/binary"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/reactorgo/evloop/internal/gid"
	"github.com/reactorgo/evloop/internal/locker"
	"github.com/reactorgo/evloop/log"
	"github.com/reactorgo/evloop/timestamp"
)

// pollTimeout bounds how long Loop blocks in the poller when nothing is
// ready, so a loop that has gone idle still wakes periodically.
const pollTimeout = 10 * time.Second

// EventLoop dispatches I/O readiness, timers, and cross-goroutine tasks for
// the fds and Channels registered on it. Exactly one goroutine, the one
// that constructed it with NewEventLoop (and which must also call Loop), may
// ever touch a Channel or timer owned by this loop; every other goroutine
// must hop in via RunInLoop/QueueInLoop.
type EventLoop struct {
	ownerGoroutine int64

	poller     *poller
	timerQueue *timerQueue

	wakeupFd      int
	wakeupChannel *Channel

	activeChannels []*Channel

	pendingMu    locker.Locker
	pendingTasks []func()

	looping                atomic.Bool
	quit                   atomic.Bool
	callingPendingFunctors atomic.Bool
}

// NewEventLoop constructs an EventLoop. The calling goroutine becomes its
// owner: every subsequent mutation of this loop's Channels or timers must
// happen on that same goroutine, exactly as a worker loop's goroutine
// constructs its own EventLoop at the top of its body before handing a
// pointer to it back to the caller.
func NewEventLoop() (*EventLoop, error) {
	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	loop := &EventLoop{
		ownerGoroutine: gid.Current(),
		wakeupFd:       wakeupFd,
	}
	loop.poller = newPoller(loop)

	tq, err := newTimerQueue(loop)
	if err != nil {
		unix.Close(wakeupFd)
		return nil, err
	}
	loop.timerQueue = tq

	loop.wakeupChannel = NewChannel(loop, wakeupFd)
	loop.wakeupChannel.SetReadCallback(loop.handleWakeupRead)
	loop.wakeupChannel.EnableReading()

	return loop, nil
}

// IsInLoopGoroutine reports whether the calling goroutine is this loop's
// owner.
func (l *EventLoop) IsInLoopGoroutine() bool {
	return gid.Current() == l.ownerGoroutine
}

// AssertInLoopGoroutine logs a fatal message and then panics if the calling
// goroutine is not this loop's owner (with the default zap logger the fatal
// log itself exits the process). Violating thread affinity is a
// program-fatal bug, not a recoverable error, so there is no error return.
func (l *EventLoop) AssertInLoopGoroutine() {
	if !l.IsInLoopGoroutine() {
		log.Fatalf("evloop: operation invoked from outside owning goroutine (owner=%d, caller=%d)",
			l.ownerGoroutine, gid.Current())
		panic(ErrNotInLoopGoroutine)
	}
}

// Loop runs the dispatch loop until Quit is called. It must be invoked from
// the loop's owning goroutine and must not be called re-entrantly.
func (l *EventLoop) Loop() error {
	l.AssertInLoopGoroutine()
	if !l.looping.CAS(false, true) {
		return ErrLoopAlreadyRunning
	}
	defer l.looping.Store(false)

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		_, active, err := l.poller.poll(pollTimeout, l.activeChannels)
		if err == ErrPollerClosed {
			return nil
		}
		if err != nil {
			log.Errorf("evloop: poll: %v", err)
			continue
		}
		l.activeChannels = active
		now := timestamp.Now()
		for _, ch := range l.activeChannels {
			ch.HandleEvents(now)
		}
		l.doPendingFunctors()
	}
	return nil
}

// Quit asks the loop to stop after its current iteration. Safe to call
// from any goroutine; if called from another goroutine the loop is woken
// immediately rather than waiting for the next poll timeout.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopGoroutine() {
		l.Wakeup()
	}
}

// RunInLoop runs fn on the loop's goroutine, synchronously if called from
// it already, or else queued and run on the loop's next iteration.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopGoroutine() {
		fn()
		return
	}
	l.QueueInLoop(fn)
}

// QueueInLoop always queues fn to run on the loop's goroutine, even if
// called from that goroutine itself. This is useful when fn must not run
// until the current callback dispatch has finished. The loop is woken
// unless the call is already on the loop's goroutine and the loop is not
// currently mid-drain of its pending queue.
func (l *EventLoop) QueueInLoop(fn func()) {
	l.pendingMu.Lock()
	l.pendingTasks = append(l.pendingTasks, fn)
	l.pendingMu.Unlock()

	if !l.IsInLoopGoroutine() || l.callingPendingFunctors.Load() {
		l.Wakeup()
	}
}

// doPendingFunctors swaps the pending-task queue under lock, then executes
// the swapped-out copy without holding the lock, so a functor that itself
// calls QueueInLoop never deadlocks against this loop's own queue mutex.
func (l *EventLoop) doPendingFunctors() {
	l.pendingMu.Lock()
	tasks := l.pendingTasks
	l.pendingTasks = nil
	l.pendingMu.Unlock()

	l.callingPendingFunctors.Store(true)
	for _, fn := range tasks {
		fn()
	}
	l.callingPendingFunctors.Store(false)
}

// Wakeup forces a blocked Poll to return immediately, by writing to the
// loop's eventfd. Safe to call from any goroutine.
func (l *EventLoop) Wakeup() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeupFd, buf[:]); err != nil && err != unix.EAGAIN {
		log.Warnf("evloop: wakeup write: %v", err)
	}
}

func (l *EventLoop) handleWakeupRead(timestamp.Timestamp) {
	var buf [8]byte
	if _, err := unix.Read(l.wakeupFd, buf[:]); err != nil && err != unix.EAGAIN {
		log.Warnf("evloop: wakeup read: %v", err)
	}
}

func (l *EventLoop) updateChannel(c *Channel) {
	l.AssertInLoopGoroutine()
	l.poller.updateChannel(c)
}

func (l *EventLoop) removeChannel(c *Channel) {
	l.AssertInLoopGoroutine()
	l.poller.removeChannel(c)
}

// RunAt schedules cb to run once at the given time.
func (l *EventLoop) RunAt(when timestamp.Timestamp, cb func(timestamp.Timestamp)) TimerID {
	return l.timerQueue.addTimer(cb, when, 0)
}

// RunAfter schedules cb to run once after delay elapses.
func (l *EventLoop) RunAfter(delay time.Duration, cb func(timestamp.Timestamp)) TimerID {
	return l.RunAt(timestamp.Now().Add(delay.Seconds()), cb)
}

// RunEvery schedules cb to run repeatedly every interval, starting one
// interval from now.
func (l *EventLoop) RunEvery(interval time.Duration, cb func(timestamp.Timestamp)) TimerID {
	when := timestamp.Now().Add(interval.Seconds())
	return l.timerQueue.addTimer(cb, when, interval)
}

// CancelTimer cancels a previously scheduled timer. Cancelling an unknown
// or already-fired one-shot timer is a harmless no-op, reported as
// ErrTimerNotFound when the cancellation could be checked synchronously.
func (l *EventLoop) CancelTimer(id TimerID) error {
	return l.timerQueue.cancel(id)
}

// Close releases the loop's own file descriptors (the wakeup eventfd and
// timerfd). It must only be called after Loop has returned.
func (l *EventLoop) Close() error {
	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()
	l.timerQueue.close()
	l.poller.close()
	return unix.Close(l.wakeupFd)
}
