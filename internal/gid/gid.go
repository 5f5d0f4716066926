// Package gid extracts the identity of the calling goroutine, giving the
// event loop something to compare against when it checks whether a call is
// running on its own dedicated goroutine, both to assert thread affinity and
// to decide whether a task can run inline or must be queued. Go exposes no
// public goroutine-id accessor, so this parses the id out of a runtime stack
// trace instead, re-parsing on every call.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the id of the calling goroutine.
//
// This relies on the undocumented but stable format of the header line of
// runtime.Stack ("goroutine 123 [running]:"). It returns -1 if that line
// cannot be parsed.
func Current() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return -1
	}
	b = b[len(prefix):]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
