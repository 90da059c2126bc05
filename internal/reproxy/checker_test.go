package reproxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/farpath/farpath-agent/internal/metrics"
)

// startListener runs handle for every accepted connection and reports
// on closed whether the client closed its side within a second.
func startListener(t *testing.T, handle func(net.Conn), closed chan<- bool) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				handle(conn)
				if closed == nil {
					return
				}
				_ = conn.SetReadDeadline(time.Now().Add(time.Second))
				buf := make([]byte, 1)
				_, err := conn.Read(buf)
				closed <- err == io.EOF
			}(conn)
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func newChecker() *Checker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewChecker(logger, metrics.New())
	c.timeout = time.Second
	return c
}

func socksHandler(reply []byte) func(net.Conn) {
	return func(conn net.Conn) {
		greeting := make([]byte, 3)
		if _, err := io.ReadFull(conn, greeting); err != nil {
			return
		}
		_, _ = conn.Write(reply)
	}
}

func TestCheckAcceptsSocksListener(t *testing.T) {
	closed := make(chan bool, 1)
	port := startListener(t, socksHandler([]byte{0x05, 0x00}), closed)

	if !newChecker().Check(context.Background(), port) {
		t.Fatalf("expected valid SOCKS listener to pass")
	}
	select {
	case ok := <-closed:
		if !ok {
			t.Fatalf("expected client to close the connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection close")
	}
}

func TestCheckRejectsGarbageReply(t *testing.T) {
	closed := make(chan bool, 1)
	port := startListener(t, socksHandler([]byte{0x42, 0x42}), closed)

	if newChecker().Check(context.Background(), port) {
		t.Fatalf("expected garbage reply to fail")
	}
	select {
	case ok := <-closed:
		if !ok {
			t.Fatalf("expected client to close the connection on failure too")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection close")
	}
}

func TestCheckRejectsAuthRequiredReply(t *testing.T) {
	// 0xff means "no acceptable methods"; the no-auth handshake must
	// not pass.
	port := startListener(t, socksHandler([]byte{0x05, 0xff}), nil)
	if newChecker().Check(context.Background(), port) {
		t.Fatalf("expected auth-rejecting listener to fail")
	}
}

func TestCheckRejectsImmediateClose(t *testing.T) {
	port := startListener(t, func(conn net.Conn) {}, nil)
	if newChecker().Check(context.Background(), port) {
		t.Fatalf("expected immediate close to fail")
	}
}

func TestCheckRejectsSilentListener(t *testing.T) {
	port := startListener(t, func(conn net.Conn) {
		time.Sleep(2 * time.Second)
	}, nil)
	c := newChecker()
	c.timeout = 100 * time.Millisecond
	if c.Check(context.Background(), port) {
		t.Fatalf("expected silent listener to fail")
	}
}

func TestCheckRejectsClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	if newChecker().Check(context.Background(), port) {
		t.Fatalf("expected refused connection to fail")
	}
}
