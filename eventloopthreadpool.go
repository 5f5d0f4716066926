//go:build linux
// +build linux

package evloop

// EventLoopThreadPool hands out worker EventLoops to a TcpServer in round
// robin order. With zero worker threads every connection is handled on the
// base loop instead.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	threads  []*EventLoopThread
	loops    []*EventLoop
	next     int // only ever touched from baseLoop's goroutine
}

// NewEventLoopThreadPool constructs a pool whose GetNextLoop falls back to
// baseLoop until Start is called.
func NewEventLoopThreadPool(baseLoop *EventLoop) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop}
}

// Start launches numThreads worker loops. numThreads == 0 is valid and
// means "run everything on the base loop."
func (p *EventLoopThreadPool) Start(numThreads int) error {
	for i := 0; i < numThreads; i++ {
		thread := NewEventLoopThread()
		loop, err := thread.StartLoop()
		if err != nil {
			return err
		}
		p.threads = append(p.threads, thread)
		p.loops = append(p.loops, loop)
	}
	return nil
}

// GetNextLoop returns the next worker loop in round-robin order, or the
// base loop if the pool has no workers. Must be called from the base
// loop's goroutine, since `next` is unguarded.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.AssertInLoopGoroutine()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// Loops returns every worker loop in the pool, for diagnostics/tests.
func (p *EventLoopThreadPool) Loops() []*EventLoop {
	return p.loops
}

// Stop stops every worker thread and blocks until each has returned.
func (p *EventLoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
}
