//go:build linux
// +build linux

package evloop

import (
	"time"

	"github.com/reactorgo/evloop/timestamp"
)

// timer is one scheduled callback: a one-shot deadline, or a repeating
// interval re-armed after every firing. It is never exposed directly;
// callers only ever see its opaque TimerID.
type timer struct {
	callback   func(timestamp.Timestamp)
	expiration timestamp.Timestamp
	interval   time.Duration
	repeat     bool
	sequence   int64
	heapIndex  int
}

func newTimer(cb func(timestamp.Timestamp), when timestamp.Timestamp, interval time.Duration, sequence int64) *timer {
	return &timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		sequence:   sequence,
	}
}

// restart advances a repeating timer's expiration to now+interval. Callers
// must not call restart on a non-repeating timer.
func (t *timer) restart(now timestamp.Timestamp) {
	t.expiration = now.Add(t.interval.Seconds())
}

// TimerID is an opaque handle to a scheduled timer, returned by
// EventLoop.RunAt/RunAfter/RunEvery and accepted by EventLoop.CancelTimer.
type TimerID struct {
	sequence int64
}
