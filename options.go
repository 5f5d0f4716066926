package evloop

import "time"

// Option configures a TcpServer at construction time, following the
// functional-options shape used throughout this package's public API.
type Option func(*serverOptions)

type serverOptions struct {
	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	keepAlive              time.Duration
	idleTimeout            time.Duration
	reusePort              bool
	blockingHandlerPoolLen int
}

// WithConnectionCallback sets the callback invoked when a connection is
// established and again when it is about to be torn down.
func WithConnectionCallback(cb ConnectionCallback) Option {
	return func(o *serverOptions) { o.connectionCallback = cb }
}

// WithMessageCallback sets the callback invoked when a connection's input
// buffer receives new data.
func WithMessageCallback(cb MessageCallback) Option {
	return func(o *serverOptions) { o.messageCallback = cb }
}

// WithWriteCompleteCallback sets the callback invoked once data handed to
// Send has been fully written to the kernel, whether in one direct write or
// after a buffered backlog has drained.
func WithWriteCompleteCallback(cb WriteCompleteCallback) Option {
	return func(o *serverOptions) { o.writeCompleteCallback = cb }
}

// WithKeepAlive turns on TCP keepalive on every accepted connection, with
// the given idle duration (rounded up to the nearest second).
func WithKeepAlive(d time.Duration) Option {
	return func(o *serverOptions) { o.keepAlive = d }
}

// WithIdleTimeout closes a connection that has exchanged no bytes for d.
// Zero (the default) disables idle timeouts.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *serverOptions) { o.idleTimeout = d }
}

// WithReusePort binds the listening socket with SO_REUSEPORT, letting
// multiple independent processes or servers share the same port.
func WithReusePort() Option {
	return func(o *serverOptions) { o.reusePort = true }
}

// WithBlockingHandlerPool runs MessageCallback on a bounded pool of size
// goroutines instead of the connection's owning loop, for handlers that do
// enough blocking or CPU-heavy work to otherwise stall every other
// connection sharing that loop. Each invocation receives its own copy of the
// bytes read so far; bytes it leaves unconsumed are not carried over to the
// next invocation.
func WithBlockingHandlerPool(size int) Option {
	return func(o *serverOptions) { o.blockingHandlerPoolLen = size }
}
