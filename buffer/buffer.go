// Package buffer implements the growable byte buffer handed to every
// MessageCallback: a single contiguous slice split into a cheap-prepend
// header, readable data, and writable tail, so that framing a length prefix
// never has to shift the payload.
package buffer

import (
	"errors"

	"golang.org/x/sys/unix"
)

// CheapPrependSize is the number of bytes reserved ahead of the readable
// region so a caller can prepend a header (e.g. a length field) without
// copying the payload.
const CheapPrependSize = 8

// InitialSize is the default capacity of a freshly constructed Buffer,
// excluding CheapPrependSize.
const InitialSize = 1024

// spillSize is the size of the stack-allocated extra buffer used by ReadFd
// to absorb a read larger than the current writable tail, avoiding an
// unconditional large allocation on every readiness event.
const spillSize = 65536

// ErrNotEnoughData is returned when a Retrieve-family call asks for more
// bytes than are currently readable.
var ErrNotEnoughData = errors.New("buffer: not enough readable data")

// Buffer is a growable byte buffer. It is not safe for concurrent use: it is
// owned by a single connection's event loop goroutine and mutated only from
// that goroutine's callbacks.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New returns an empty Buffer with the default initial capacity.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize returns an empty Buffer with at least initialSize bytes of
// writable capacity.
func NewSize(initialSize int) *Buffer {
	b := &Buffer{
		buf: make([]byte, CheapPrependSize+initialSize),
	}
	b.readerIndex = CheapPrependSize
	b.writerIndex = CheapPrependSize
	return b
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int {
	return b.writerIndex - b.readerIndex
}

// WritableBytes returns the number of bytes that can be appended without
// growing the buffer.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writerIndex
}

// PrependableBytes returns the number of bytes currently free before the
// readable region.
func (b *Buffer) PrependableBytes() int {
	return b.readerIndex
}

// Peek returns the readable region without consuming it. The returned slice
// aliases the buffer's storage and is invalidated by the next mutation.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// Retrieve consumes n bytes from the front of the readable region.
func (b *Buffer) Retrieve(n int) error {
	if n > b.ReadableBytes() {
		return ErrNotEnoughData
	}
	if n < b.ReadableBytes() {
		b.readerIndex += n
		return nil
	}
	b.RetrieveAll()
	return nil
}

// RetrieveUntil consumes bytes up to (but not including) end, which must
// point inside the current readable region (as returned by Peek or Find).
func (b *Buffer) RetrieveUntil(end []byte) error {
	if len(end) == 0 {
		return b.Retrieve(0)
	}
	readable := b.Peek()
	if len(end) > len(readable) {
		return ErrNotEnoughData
	}
	offset := cap(readable) - cap(end)
	if offset < 0 || offset > len(readable) {
		return errors.New("buffer: end is not within the readable region")
	}
	return b.Retrieve(offset)
}

// RetrieveAll consumes the entire readable region, resetting the buffer to
// its empty state while keeping the allocated storage.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrependSize
	b.writerIndex = CheapPrependSize
}

// RetrieveAsString consumes n bytes and returns them as a string.
func (b *Buffer) RetrieveAsString(n int) (string, error) {
	if n > b.ReadableBytes() {
		return "", ErrNotEnoughData
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	if err := b.Retrieve(n); err != nil {
		return "", err
	}
	return s, nil
}

// RetrieveAllString consumes and returns the entire readable region.
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append appends data to the writable tail, growing the buffer if
// necessary.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	n := copy(b.buf[b.writerIndex:], data)
	b.writerIndex += n
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// Prepend writes data immediately before the current readable region. The
// caller must not prepend more than PrependableBytes() bytes.
func (b *Buffer) Prepend(data []byte) error {
	if len(data) > b.PrependableBytes() {
		return errors.New("buffer: not enough prependable space")
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
	return nil
}

// EnsureWritable grows or compacts the buffer so that at least n bytes are
// writable, matching the original's makeSpace(): if the combined
// prependable and writable space (minus the cheap-prepend reservation) is
// insufficient, the backing array is reallocated; otherwise the readable
// region is slid down to reclaim already-consumed prependable space.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()+b.WritableBytes() < n+CheapPrependSize {
		newCap := CheapPrependSize + b.ReadableBytes() + n
		if newCap < 2*len(b.buf) {
			newCap = 2 * len(b.buf)
		}
		newBuf := make([]byte, newCap)
		readable := copy(newBuf[CheapPrependSize:], b.Peek())
		b.buf = newBuf
		b.readerIndex = CheapPrependSize
		b.writerIndex = CheapPrependSize + readable
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrependSize:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrependSize
	b.writerIndex = CheapPrependSize + readable
}

// ReadFd reads from fd into the writable tail. When the tail is smaller
// than the pending data, the remainder spills into a stack-local scratch
// buffer and is appended in a single extra copy, so a large read never
// forces the resident buffer to over-allocate on every readiness event.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [spillSize]byte
	writable := b.buf[b.writerIndex:]
	iovs := [][]byte{writable, extra[:]}
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n <= len(writable) {
		b.writerIndex += n
		return n, nil
	}
	b.writerIndex = len(b.buf)
	b.Append(extra[:n-len(writable)])
	return n, nil
}

// Len returns the number of readable bytes, matching the original's
// readableBytes() naming used in iteration contexts.
func (b *Buffer) Len() int {
	return b.ReadableBytes()
}
