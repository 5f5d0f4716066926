package evloop

import "github.com/pkg/errors"

// Sentinel errors returned across the public API. Call sites return these
// values as they are, unwrapped, so callers can compare them directly or
// with errors.Is.
var (
	// ErrConnClosed is returned by TcpConnection operations once the
	// connection has reached the Disconnected state.
	ErrConnClosed = errors.New("evloop: connection closed")

	// ErrNotInLoopGoroutine is the panic value raised by an assertion that
	// an EventLoop-owned operation was invoked off its owning goroutine.
	ErrNotInLoopGoroutine = errors.New("evloop: operation must run on the owning loop's goroutine")

	// ErrLoopAlreadyRunning is returned by Loop if it is called while the
	// same EventLoop is already running its loop.
	ErrLoopAlreadyRunning = errors.New("evloop: loop is already running")

	// ErrPollerClosed is returned by poller operations after Close.
	ErrPollerClosed = errors.New("evloop: poller is closed")

	// ErrTimerNotFound is returned by EventLoop.CancelTimer for an id that is unknown or
	// already fired/cancelled.
	ErrTimerNotFound = errors.New("evloop: timer not found")
)
