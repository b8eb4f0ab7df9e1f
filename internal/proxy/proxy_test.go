package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docwilco/tachtalk/internal/adapter"
)

// pipeTransport hands out one end of an in-memory pipe and runs a tiny
// scripted dongle on the other end, so tests never touch real sockets.
type pipeTransport struct {
	responses map[string]string
}

func (p *pipeTransport) Describe() string { return "pipe" }

func (p *pipeTransport) Dial() (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	go serveFakeDongle(server, p.responses)
	return client, nil
}

func serveFakeDongle(conn net.Conn, responses map[string]string) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		cmd, err := reader.ReadString('\r')
		if err != nil {
			return
		}
		cmd = strings.TrimRight(cmd, "\r")
		resp, ok := responses[cmd]
		if !ok {
			resp = "?"
		}
		if _, err := conn.Write([]byte(resp + "\r\r>")); err != nil {
			return
		}
	}
}

func newTestServer(t *testing.T, responses map[string]string) (*Server, func()) {
	t.Helper()
	ch := adapter.New(&pipeTransport{responses: responses}, &adapter.RPMCell{}, func() bool { return false }, testClock())
	ctx, cancel := context.WithCancel(context.Background())
	go ch.Run(ctx)

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MaxClients = 1
	srv := New(cfg, ch, func() bool { return false }, nil)
	return srv, cancel
}

func testClock() adapter.Clock {
	var n uint64
	return func() uint64 {
		n += 10
		return n
	}
}

func dongleResponses() map[string]string {
	return map[string]string{
		"ATZ": "ELM327 v1.5", "ATE0": "OK", "ATS0": "OK", "ATL0": "OK", "ATH0": "OK",
		"010C": "41 0C 1A F8",
	}
}

func TestServeClientHandlesATAndOBDCommands(t *testing.T) {
	srv, cancel := newTestServer(t, dongleResponses())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		srv.serveClient(ctx, serverConn)
		close(done)
	}()

	if _, err := clientConn.Write([]byte("ATE0\r")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 256)
	n := readUntilPrompt(t, clientConn, buf)
	if !strings.Contains(string(buf[:n]), "OK") {
		t.Fatalf("expected OK for ATE0, got %q", buf[:n])
	}

	if _, err := clientConn.Write([]byte("010C\r")); err != nil {
		t.Fatal(err)
	}
	n = readUntilPrompt(t, clientConn, buf)
	if !strings.Contains(string(buf[:n]), "41 0C 1A F8") {
		t.Fatalf("expected forwarded OBD response, got %q", buf[:n])
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveClient did not exit after client closed")
	}
}

func readUntilPrompt(t *testing.T, conn net.Conn, buf []byte) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.Contains(string(buf[:total]), ">") {
			return total
		}
	}
}

func TestServeClientEchoesCommandBytesWhenEchoOn(t *testing.T) {
	srv, cancel := newTestServer(t, dongleResponses())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		srv.serveClient(ctx, serverConn)
		close(done)
	}()

	buf := make([]byte, 256)

	// Echo defaults to on: the command bytes, including the terminator,
	// come back before the response.
	if _, err := clientConn.Write([]byte("010C\r")); err != nil {
		t.Fatal(err)
	}
	n := readUntilPrompt(t, clientConn, buf)
	if !strings.HasPrefix(string(buf[:n]), "010C\r") {
		t.Fatalf("expected echoed command bytes before response, got %q", buf[:n])
	}

	// ATE0 is itself echoed (echo is still on while its own bytes
	// arrive), but it disables echo for everything sent afterward.
	if _, err := clientConn.Write([]byte("ATE0\r")); err != nil {
		t.Fatal(err)
	}
	n = readUntilPrompt(t, clientConn, buf)
	if !strings.HasPrefix(string(buf[:n]), "ATE0\r") {
		t.Fatalf("expected ATE0 itself echoed, got %q", buf[:n])
	}

	if _, err := clientConn.Write([]byte("010C\r")); err != nil {
		t.Fatal(err)
	}
	n = readUntilPrompt(t, clientConn, buf)
	if strings.HasPrefix(string(buf[:n]), "010C") {
		t.Fatalf("expected no command echo after ATE0, got %q", buf[:n])
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveClient did not exit after client closed")
	}
}

func TestServeClientRepeatsLastCommandOnBareCR(t *testing.T) {
	srv, cancel := newTestServer(t, dongleResponses())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		srv.serveClient(ctx, serverConn)
		close(done)
	}()

	buf := make([]byte, 256)

	// A bare CR with no prior command yet must reply "?", not hang.
	if _, err := clientConn.Write([]byte("\r")); err != nil {
		t.Fatal(err)
	}
	n := readUntilPrompt(t, clientConn, buf)
	if !strings.Contains(string(buf[:n]), "?") {
		t.Fatalf("expected \"?\" for bare CR with no last command, got %q", buf[:n])
	}

	if _, err := clientConn.Write([]byte("010C\r")); err != nil {
		t.Fatal(err)
	}
	n = readUntilPrompt(t, clientConn, buf)
	if !strings.Contains(string(buf[:n]), "41 0C 1A F8") {
		t.Fatalf("expected forwarded OBD response, got %q", buf[:n])
	}

	// A subsequent bare CR repeats the last command.
	if _, err := clientConn.Write([]byte("\r")); err != nil {
		t.Fatal(err)
	}
	n = readUntilPrompt(t, clientConn, buf)
	if !strings.Contains(string(buf[:n]), "41 0C 1A F8") {
		t.Fatalf("expected repeated OBD response, got %q", buf[:n])
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveClient did not exit after client closed")
	}
}

func TestClientCapRejectsBeyondMax(t *testing.T) {
	srv, cancel := newTestServer(t, dongleResponses())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		_ = runListenerTest(ctx, srv, ln)
	}()
	defer func() { stop(); ln.Close() }()

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	_, err = second.Read(buf)
	if err == nil {
		t.Fatal("expected second connection beyond cap to be closed without data")
	}
}

// runListenerTest mirrors Server.Run's accept loop against a
// caller-supplied listener, since Run itself owns listener creation.
func runListenerTest(ctx context.Context, srv *Server, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if srv.ClientCount() >= srv.cfg.MaxClients {
			conn.Close()
			continue
		}
		srv.clientCount.Add(1)
		go func() {
			defer srv.clientCount.Add(-1)
			srv.serveClient(ctx, conn)
		}()
	}
}
