package adapter

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory io.ReadWriteCloser that answers every write
// with a scripted response, terminated with a prompt, matching how a
// real ELM327 dongle behaves.
type fakeConn struct {
	mu        sync.Mutex
	responses map[string]string // command (without CR) -> response body before '>'
	writes    []string
	closed    bool
	pending   *bytes.Reader
}

func newFakeConn(responses map[string]string) *fakeConn {
	return &fakeConn{responses: responses}
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := string(bytes.TrimRight(p, "\r"))
	f.writes = append(f.writes, cmd)
	resp, ok := f.responses[cmd]
	if !ok {
		resp = "?"
	}
	f.pending = bytes.NewReader([]byte(resp + "\r\r>"))
	return len(p), nil
}

func (f *fakeConn) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return 0, io.EOF
	}
	return f.pending.Read(p)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) lastWrites() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type fakeTransport struct {
	conn *fakeConn
}

func (t *fakeTransport) Dial() (io.ReadWriteCloser, error) { return t.conn, nil }
func (t *fakeTransport) Describe() string                  { return "fake" }

func defaultResponses() map[string]string {
	return map[string]string{
		"ATZ":  "ELM327 v1.5",
		"ATE0": "OK",
		"ATS0": "OK",
		"ATL0": "OK",
		"ATH0": "OK",
		"ATH1": "OK",
		"010C": "41 0C 1A F8",
	}
}

func testClock() Clock {
	var n uint64
	return func() uint64 {
		n += 10
		return n
	}
}

func TestChannelInitializesAndServesRequest(t *testing.T) {
	conn := newFakeConn(defaultResponses())
	ch := New(&fakeTransport{conn: conn}, &RPMCell{}, func() bool { return false }, testClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitForState(t, ch, Ready)

	resp, err := ch.Submit(context.Background(), []byte("010C"), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if string(resp) != "41 0C 1A F8" {
		t.Fatalf("unexpected response %q", resp)
	}

	rpm, _ := ch.rpm.RPM()
	if rpm != 1726 {
		t.Fatalf("expected rpm 1726, got %d", rpm)
	}
}

func TestChannelInitializesWithHeadersOnWhenPolicySaysSo(t *testing.T) {
	conn := newFakeConn(defaultResponses())
	ch := New(&fakeTransport{conn: conn}, &RPMCell{}, func() bool { return true }, testClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitForState(t, ch, Ready)

	writes := conn.lastWrites()
	found := false
	for _, w := range writes {
		if w == "ATH1" {
			found = true
		}
		if w == "ATH0" {
			t.Fatalf("expected ATH1 with headers-on policy, saw ATH0")
		}
	}
	if !found {
		t.Fatalf("expected ATH1 in init sequence, got %v", writes)
	}
}

func TestChannelDongleRepeatOptimizationFallsBackOnQuestionMark(t *testing.T) {
	responses := defaultResponses()
	conn := newFakeConn(responses)
	// The fake only understands "010C", never "1", so the repeat shorthand
	// must fail with "?" and the channel must fall back to resending the
	// full command rather than ever propagating that fallback's failure
	// to the caller.
	ch := New(&fakeTransport{conn: conn}, &RPMCell{}, func() bool { return false }, testClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	waitForState(t, ch, Ready)

	if _, err := ch.Submit(context.Background(), []byte("010C"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	resp, err := ch.Submit(context.Background(), []byte("010C"), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if string(resp) != "41 0C 1A F8" {
		t.Fatalf("unexpected response after repeat fallback: %q", resp)
	}

	writes := conn.lastWrites()
	sawRepeatAttempt := false
	for _, w := range writes {
		if w == "1" {
			sawRepeatAttempt = true
		}
	}
	if !sawRepeatAttempt {
		t.Fatalf("expected channel to attempt the '1' repeat shorthand, got %v", writes)
	}
}

func TestChannelMailboxBackpressure(t *testing.T) {
	ch := New(&fakeTransport{conn: newFakeConn(nil)}, &RPMCell{}, func() bool { return false }, testClock())
	for i := 0; i < mailboxCapacity; i++ {
		ch.mailbox <- &Request{resultCh: make(chan Result, 1)}
	}
	_, err := ch.Submit(context.Background(), []byte("010C"), time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("expected backpressure error when mailbox is full")
	}
}

func TestRPMCellRejectsOutOfOrderTimestamp(t *testing.T) {
	var cell RPMCell
	cell.Set(1000, 100)
	cell.Set(500, 50) // stale; must be ignored
	v, ts := cell.RPM()
	if v != 1000 || ts != 100 {
		t.Fatalf("expected stale update ignored, got v=%d ts=%d", v, ts)
	}
}

func waitForState(t *testing.T, ch *Channel, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, last seen %v", want, ch.State())
}
