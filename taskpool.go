//go:build linux
// +build linux

package evloop

import (
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"

	"github.com/reactorgo/evloop/buffer"
	"github.com/reactorgo/evloop/log"
	"github.com/reactorgo/evloop/timestamp"
)

// blockingHandlerPool offloads MessageCallback invocations from a
// connection's owning loop goroutine onto a bounded goroutine pool, for
// handlers that do enough blocking or CPU-heavy work to otherwise stall
// every other connection sharing that loop.
type blockingHandlerPool struct {
	pool *ants.Pool
}

func newBlockingHandlerPool(size int) (*blockingHandlerPool, error) {
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, errors.Wrap(err, "create blocking handler pool")
	}
	return &blockingHandlerPool{pool: pool}, nil
}

// dispatch copies the currently readable bytes out of buf (whose backing
// array is owned by the connection's loop and must not be retained past
// this call) into a standalone Buffer, then submits cb to run against that
// copy on the pool instead of the calling goroutine.
func (p *blockingHandlerPool) dispatch(conn *TcpConnection, buf *buffer.Buffer, receiveTime timestamp.Timestamp, cb MessageCallback) {
	data := append([]byte(nil), buf.Peek()...)
	buf.RetrieveAll()
	copyBuf := buffer.NewSize(len(data))
	copyBuf.Append(data)
	if err := p.pool.Submit(func() { cb(conn, copyBuf, receiveTime) }); err != nil {
		log.Errorf("evloop: %s: submit to blocking handler pool: %v", conn.Name(), err)
	}
}

func (p *blockingHandlerPool) release() {
	p.pool.Release()
}
