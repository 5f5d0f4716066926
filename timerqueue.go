//go:build linux
// +build linux

package evloop

import (
	"container/heap"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/reactorgo/evloop/log"
	"github.com/reactorgo/evloop/timestamp"
)

// minExpirationDelta is the smallest interval the timerfd is ever armed
// for. Arming it at exactly the deadline (or in the past, for a timer that
// should have already fired) risks the kernel treating the request as
// disarmed; clamping to a small positive delta guarantees at least one
// more readiness notification.
const minExpirationDelta = 100 * time.Microsecond

// timerHeap orders timers by (expiration, sequence), the sequence breaking
// ties in insertion order so two timers scheduled for the same instant
// still fire in the order they were added.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration != h[j].expiration {
		return h[i].expiration < h[j].expiration
	}
	return h[i].sequence < h[j].sequence
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// timerQueue owns a single timerfd armed against the earliest pending
// timer, wired through a Channel on its EventLoop exactly like any other
// readiness source. All heap mutation happens on the owning loop's
// goroutine; addTimer/cancel may be called from any goroutine and hop onto
// the loop via RunInLoop.
type timerQueue struct {
	loop         *EventLoop
	timerFd      int
	timerChannel *Channel
	heap         timerHeap
	active       map[int64]*timer
	nextSequence atomic.Int64
	handlingTimers bool
}

func newTimerQueue(loop *EventLoop) (*timerQueue, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	tq := &timerQueue{
		loop:    loop,
		timerFd: fd,
		active:  make(map[int64]*timer),
	}
	tq.timerChannel = NewChannel(loop, fd)
	tq.timerChannel.SetReadCallback(tq.handleRead)
	tq.timerChannel.EnableReading()
	return tq, nil
}

func (q *timerQueue) close() {
	q.timerChannel.DisableAll()
	q.timerChannel.Remove()
	unix.Close(q.timerFd)
}

// addTimer schedules cb to run at `when`, repeating every interval if
// interval > 0. Safe to call from any goroutine.
func (q *timerQueue) addTimer(cb func(timestamp.Timestamp), when timestamp.Timestamp, interval time.Duration) TimerID {
	seq := q.nextSequence.Inc()
	t := newTimer(cb, when, interval, seq)
	q.loop.RunInLoop(func() { q.insertInLoop(t) })
	return TimerID{sequence: seq}
}

// cancel cancels a previously scheduled timer, returning ErrTimerNotFound
// if id is unknown to the loop at the moment the cancellation actually
// runs. An off-loop caller only gets that answer when the cancellation
// runs synchronously; queued cancellations are fire-and-forget, since by
// the time they run the timer may have already fired on its own. Safe to
// call from any goroutine.
func (q *timerQueue) cancel(id TimerID) error {
	if q.loop.IsInLoopGoroutine() {
		return q.cancelInLoop(id)
	}
	q.loop.RunInLoop(func() { q.cancelInLoop(id) })
	return nil
}

func (q *timerQueue) insertInLoop(t *timer) {
	q.loop.AssertInLoopGoroutine()
	earliestChanged := q.insert(t)
	if earliestChanged {
		q.resetTimerFd(t.expiration)
	}
}

// insert pushes t onto the heap and returns whether it became the new
// earliest-expiring entry.
func (q *timerQueue) insert(t *timer) bool {
	earliestChanged := len(q.heap) == 0 || t.expiration < q.heap[0].expiration
	heap.Push(&q.heap, t)
	q.active[t.sequence] = t
	return earliestChanged
}

func (q *timerQueue) cancelInLoop(id TimerID) error {
	q.loop.AssertInLoopGoroutine()
	t, ok := q.active[id.sequence]
	if !ok {
		return ErrTimerNotFound
	}
	delete(q.active, id.sequence)
	if t.heapIndex >= 0 {
		wasEarliest := t.heapIndex == 0
		heap.Remove(&q.heap, t.heapIndex)
		if wasEarliest && len(q.heap) > 0 {
			q.resetTimerFd(q.heap[0].expiration)
		}
	}
	// If heapIndex < 0 the timer is mid-dispatch inside handleRead; removing
	// it from `active` is enough to suppress its callback and any rearm.
	return nil
}

// handleRead fires every timer whose expiration has passed, then re-arms
// repeating timers and the timerfd itself.
func (q *timerQueue) handleRead(receiveTime timestamp.Timestamp) {
	q.loop.AssertInLoopGoroutine()
	if err := q.readTimerFd(); err != nil {
		log.Warnf("evloop: read timerfd: %v", err)
	}

	expired := q.popExpired(receiveTime)

	q.handlingTimers = true
	for _, t := range expired {
		if _, stillActive := q.active[t.sequence]; !stillActive {
			continue
		}
		t.callback(receiveTime)
	}
	q.handlingTimers = false

	q.reset(expired, receiveTime)
}

func (q *timerQueue) popExpired(now timestamp.Timestamp) []*timer {
	var expired []*timer
	for len(q.heap) > 0 && q.heap[0].expiration <= now {
		t := heap.Pop(&q.heap).(*timer)
		expired = append(expired, t)
	}
	return expired
}

// reset re-inserts still-active repeating timers at their next expiration
// and arms the timerfd for whatever is now earliest.
func (q *timerQueue) reset(expired []*timer, now timestamp.Timestamp) {
	for _, t := range expired {
		if _, stillActive := q.active[t.sequence]; !stillActive {
			continue
		}
		if t.repeat {
			t.restart(now)
			heap.Push(&q.heap, t)
			continue
		}
		delete(q.active, t.sequence)
	}
	if len(q.heap) > 0 {
		q.resetTimerFd(q.heap[0].expiration)
	}
}

func (q *timerQueue) readTimerFd() error {
	var buf [8]byte
	_, err := unix.Read(q.timerFd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (q *timerQueue) resetTimerFd(expiration timestamp.Timestamp) {
	delta := howMuchTimeFromNow(expiration)
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(delta.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(q.timerFd, 0, &spec, nil); err != nil {
		log.Errorf("evloop: timerfd_settime: %v", err)
	}
}

// howMuchTimeFromNow clamps the delay until expiration to a small positive
// minimum, so a timer due in the past (or right now) still reliably
// triggers another timerfd readiness notification instead of risking being
// treated as disarmed.
func howMuchTimeFromNow(expiration timestamp.Timestamp) time.Duration {
	delta := time.Duration(expiration-timestamp.Now()) * time.Microsecond
	if delta < minExpirationDelta {
		return minExpirationDelta
	}
	return delta
}
