// Package evloop is a reactor-pattern networking library: one EventLoop per
// goroutine, dispatching readiness from a Poller, timers from a TimerQueue,
// and cross-goroutine tasks queued onto it from elsewhere, in the style of
// muduo's one-loop-per-thread design.
//
// A TcpServer binds an Acceptor to a base EventLoop and hands each accepted
// connection to a worker loop drawn from an EventLoopThreadPool in round
// robin order; a TcpConnection is then driven entirely from that one
// worker's goroutine until it closes. Methods documented as safe to call
// from any goroutine (TcpConnection's Send, Shutdown and ForceClose;
// EventLoop's RunInLoop, QueueInLoop, Quit, Wakeup and timer methods;
// TcpServer's exported methods) hop onto the right loop themselves; every
// other use of these types must happen on the owning loop's goroutine.
package evloop
