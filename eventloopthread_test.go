//go:build linux
// +build linux

package evloop

import (
	"testing"
	"time"
)

func TestEventLoopThreadStartLoopReturnsRunningLoop(t *testing.T) {
	thread := NewEventLoopThread()
	loop, err := thread.StartLoop()
	if err != nil {
		t.Fatalf("StartLoop: %v", err)
	}
	defer thread.Stop()

	done := make(chan struct{}, 1)
	loop.RunInLoop(func() { done <- struct{}{} })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop returned by StartLoop never ran queued work")
	}
}

func TestEventLoopThreadStopReturnsAfterGoroutineExits(t *testing.T) {
	thread := NewEventLoopThread()
	if _, err := thread.StartLoop(); err != nil {
		t.Fatalf("StartLoop: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		thread.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestEventLoopThreadPoolRoundRobinsLoops(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	pool := NewEventLoopThreadPool(baseLoop)
	if err := pool.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	seen := make(chan *EventLoop, 4)
	baseLoop.RunInLoop(func() {
		for i := 0; i < 4; i++ {
			seen <- pool.GetNextLoop()
		}
	})

	var got []*EventLoop
	for i := 0; i < 4; i++ {
		got = append(got, <-seen)
	}
	if got[0] != got[2] || got[1] != got[3] || got[0] == got[1] {
		t.Errorf("expected round-robin pattern [A B A B], got %v", got)
	}
}

func TestEventLoopThreadPoolWithZeroThreadsUsesBaseLoop(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	pool := NewEventLoopThreadPool(baseLoop)
	if err := pool.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	result := make(chan *EventLoop, 1)
	baseLoop.RunInLoop(func() {
		result <- pool.GetNextLoop()
	})
	if got := <-result; got != baseLoop {
		t.Errorf("GetNextLoop() with no workers = %p, want base loop %p", got, baseLoop)
	}
}
