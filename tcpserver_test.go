//go:build linux
// +build linux

package evloop

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/reactorgo/evloop/buffer"
	"github.com/reactorgo/evloop/timestamp"
)

func TestTcpServerEchoesData(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	addr, err := NewInetAddress("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewInetAddress: %v", err)
	}

	connected := make(chan struct{}, 1)
	server, err := NewTCPServer(baseLoop, addr, "echo-test",
		WithConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				connected <- struct{}{}
			}
		}),
		WithMessageCallback(func(conn *TcpConnection, buf *buffer.Buffer, _ timestamp.Timestamp) {
			data := append([]byte(nil), buf.Peek()...)
			buf.RetrieveAll()
			conn.Send(data)
		}),
	)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	server.SetThreadNum(1)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection callback never fired")
	}

	want := []byte("hello, evloop")
	if _, err := client.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(want))
	if _, err := readFull(client, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("echoed %q, want %q", got, want)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestTcpServerFiresConnectionCallbackOnDisconnect(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	addr, err := NewInetAddress("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewInetAddress: %v", err)
	}

	type event struct{ connected bool }
	events := make(chan event, 2)
	server, err := NewTCPServer(baseLoop, addr, "disconnect-test",
		WithConnectionCallback(func(conn *TcpConnection) {
			events <- event{connected: conn.Connected()}
		}),
	)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	server.SetThreadNum(1)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case e := <-events:
		if !e.connected {
			t.Fatal("first ConnectionCallback invocation reported Connected()==false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect callback never fired")
	}

	client.Close()

	select {
	case e := <-events:
		if e.connected {
			t.Fatal("second ConnectionCallback invocation reported Connected()==true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
}

func TestTcpServerEchoesOneMegabyte(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	addr, err := NewInetAddress("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewInetAddress: %v", err)
	}

	server, err := NewTCPServer(baseLoop, addr, "big-echo-test",
		WithMessageCallback(func(conn *TcpConnection, buf *buffer.Buffer, _ timestamp.Timestamp) {
			data := append([]byte(nil), buf.Peek()...)
			buf.RetrieveAll()
			conn.Send(data)
		}),
	)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	server.SetThreadNum(1)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	want := make([]byte, 1<<20)
	for i := range want {
		want[i] = byte(i)
	}

	go func() {
		if _, err := client.Write(want); err != nil {
			t.Errorf("Write: %v", err)
		}
	}()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(want))
	if _, err := readFull(client, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("echoed data diverges at byte %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestTcpServerBuffersUnderBackpressure(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	addr, err := NewInetAddress("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewInetAddress: %v", err)
	}

	connected := make(chan *TcpConnection, 1)
	server, err := NewTCPServer(baseLoop, addr, "backpressure-test",
		WithConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				connected <- conn
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	server.SetThreadNum(1)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var conn *TcpConnection
	select {
	case conn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection callback never fired")
	}

	// The client never reads, so enough queued writes eventually exceed what
	// the kernel send buffer can absorb synchronously and land in conn's
	// outputBuffer instead.
	payload := make([]byte, 1<<16)
	for i := 0; i < 64; i++ {
		conn.Send(payload)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		done := make(chan int, 1)
		conn.loop.RunInLoop(func() { done <- conn.outputBuffer.ReadableBytes() })
		if n := <-done; n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected outputBuffer to accumulate buffered bytes under backpressure")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestTcpServerShutdownHalfClosesWriteOnly drives TcpConnection.Shutdown:
// the server closes only its write half after responding once, and the
// connection's read half must stay open, so the client's second message
// is still delivered to the server before the client's own FIN arrives.
func TestTcpServerShutdownHalfClosesWriteOnly(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	addr, err := NewInetAddress("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewInetAddress: %v", err)
	}

	received := make(chan []byte, 2)
	server, err := NewTCPServer(baseLoop, addr, "half-close-test",
		WithMessageCallback(func(conn *TcpConnection, buf *buffer.Buffer, _ timestamp.Timestamp) {
			data := append([]byte(nil), buf.Peek()...)
			buf.RetrieveAll()
			received <- data
			if string(data) == "first" {
				conn.Send([]byte("ack"))
				conn.Shutdown()
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	server.SetThreadNum(1)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	client, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("first")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "first" {
			t.Fatalf("server received %q, want %q", got, "first")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the first message")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack := make([]byte, len("ack"))
	if _, err := readFull(client, ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if string(ack) != "ack" {
		t.Fatalf("ack = %q, want %q", ack, "ack")
	}

	// The server shut down its write side: the client now sees EOF on read.
	eofBuf := make([]byte, 1)
	if n, err := client.Read(eofBuf); err != io.EOF || n != 0 {
		t.Fatalf("client read after server Shutdown: n=%d err=%v, want (0, io.EOF)", n, err)
	}

	// But the server's read half is still open: a second message from the
	// client, whose own write side is untouched, must still be delivered.
	if _, err := client.Write([]byte("second")); err != nil {
		t.Fatalf("Write second message: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != "second" {
			t.Fatalf("server received %q, want %q", got, "second")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the second message after its own Shutdown")
	}
}

func TestTcpServerDistributesConnectionsRoundRobin(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	addr, err := NewInetAddress("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewInetAddress: %v", err)
	}

	const n = 4
	conns := make(chan *TcpConnection, n*3)
	server, err := NewTCPServer(baseLoop, addr, "round-robin-test",
		WithConnectionCallback(func(conn *TcpConnection) {
			if conn.Connected() {
				conns <- conn
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	server.SetThreadNum(n)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	const total = n * 3
	clients := make([]net.Conn, 0, total)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	for i := 0; i < total; i++ {
		c, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		clients = append(clients, c)
	}

	seen := make(map[*EventLoop]int)
	for i := 0; i < total; i++ {
		select {
		case conn := <-conns:
			seen[conn.loop]++
		case <-time.After(2 * time.Second):
			t.Fatalf("only saw %d of %d connection callbacks", i, total)
		}
	}

	if len(seen) != n {
		t.Fatalf("connections landed on %d distinct worker loops, want %d", len(seen), n)
	}
	for loop, count := range seen {
		if count != total/n {
			t.Errorf("worker loop %p handled %d connections, want %d", loop, count, total/n)
		}
	}
}

func TestEventLoopRunEveryFiresExpectedCountPerSecond(t *testing.T) {
	loop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	var count int
	ticks := make(chan struct{}, 64)
	loop.RunInLoop(func() {
		loop.RunEvery(50*time.Millisecond, func(timestamp.Timestamp) {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
	})

	deadline := time.After(1010 * time.Millisecond)
loop:
	for {
		select {
		case <-ticks:
			count++
		case <-deadline:
			break loop
		}
	}

	if count < 18 || count > 22 {
		t.Fatalf("RunEvery fired %d times in 1.01s, want between 18 and 22", count)
	}
}

func TestTcpServerStartIsIdempotent(t *testing.T) {
	baseLoop, stop, err := runLoopInBackground(t)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	defer stop()

	addr, err := NewInetAddress("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewInetAddress: %v", err)
	}
	server, err := NewTCPServer(baseLoop, addr, "idempotent-test")
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	defer server.Stop()

	if err := server.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}
