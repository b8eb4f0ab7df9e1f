// Package adapter implements the adapter channel (C3): the single owned
// connection to the upstream OBD-II adapter, serialized behind a FIFO
// mailbox, with reconnect-with-backoff and RPM extraction.
package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConnState is the adapter channel's connection state machine, per
// spec §4.3.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Initializing
	Ready
	Faulted
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a channel-level failure per spec §4.3/§7.
type ErrorKind int

const (
	ErrTimeout ErrorKind = iota
	ErrIO
	ErrProtocol // no prompt / malformed frame
	ErrParse    // per-request, not channel-fatal
)

// Error is returned to request submitters on failure.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("adapter: %s: %s", kindName(e.Kind), e.Reason) }

func kindName(k ErrorKind) string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrIO:
		return "io"
	case ErrProtocol:
		return "protocol"
	case ErrParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Request is one OBD command to forward to the adapter. Deadline is
// absolute; the channel honors it even if the peer stalls (spec §4.3).
type Request struct {
	Command  []byte
	Deadline time.Time

	resultCh chan Result
}

// Result is what a Request resolves to.
type Result struct {
	Response []byte
	Err      error
}

// RPMCell is the shared current-RPM cell from spec §3: mutated only by
// C3 on successful RPM extraction, read by C1's renderer and C7's status
// snapshot. Guarded by a mutex per spec §5 (rather than a seqlock) since
// contention here is negligible (writes at poll rate, not per-frame).
type RPMCell struct {
	mu        sync.Mutex
	value     uint32
	tsMS      uint64
	hasValue  bool
}

// Set records a new RPM observation. tsMS must be monotonically
// non-decreasing across calls, per spec §8's invariant; callers supply
// the current monotonic clock reading.
func (c *RPMCell) Set(value uint32, tsMS uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasValue && tsMS < c.tsMS {
		return // guard the monotonicity invariant against a misbehaving caller
	}
	c.value = value
	c.tsMS = tsMS
	c.hasValue = true
}

// RPM satisfies shiftlight.RPMSource.
func (c *RPMCell) RPM() (value uint32, timestampMS uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.tsMS
}

// HeadersPolicy reports whether the channel should currently request
// headers-on from the adapter. It is re-evaluated on every (re)connect,
// per spec §9: "the adapter channel re-issues ATH0/1 on its connection
// only, not per client".
type HeadersPolicy func() bool

// Clock supplies monotonic milliseconds since process start.
type Clock func() uint64

const mailboxCapacity = 8 // spec §5: bounded mailbox, e.g. 8 entries

// Channel owns the single adapter connection and serializes all requests
// (client OBD commands and idle-poller polls) behind a FIFO mailbox.
type Channel struct {
	transport     Transport
	headersPolicy HeadersPolicy
	clock         Clock

	mailbox chan *Request
	state   atomic.Int32

	rpm *RPMCell

	// dongle-level "1" repeat optimization (tachtalk-firmware/src/obd2.rs):
	// distinct from each client's own per-session repeat handling in C2.
	lastCommand   []byte
	supportsRepeat *bool // nil = unknown, probed lazily

	inFlight atomic.Bool // true whenever a request is being serviced; gates the idle poller
}

// New creates a Channel. Call Run in its own goroutine to start the
// connection/serve loop.
func New(transport Transport, rpm *RPMCell, headersPolicy HeadersPolicy, clock Clock) *Channel {
	return &Channel{
		transport:     transport,
		headersPolicy: headersPolicy,
		clock:         clock,
		mailbox:       make(chan *Request, mailboxCapacity),
		rpm:           rpm,
	}
}

// State returns the current connection state.
func (c *Channel) State() ConnState { return ConnState(c.state.Load()) }

func (c *Channel) setState(s ConnState) { c.state.Store(int32(s)) }

// InFlight reports whether a request is currently being serviced,
// allowing the idle poller (C4) to back off and avoid head-of-line
// delay for interactive clients, per spec §4.4.
func (c *Channel) InFlight() bool { return c.inFlight.Load() }

// Submit enqueues a request and blocks until it completes or ctx is
// done. Returns ErrIO-ish backpressure error immediately if the mailbox
// is full, per spec §5 ("excess requests ... get ERROR immediately
// rather than queuing unbounded").
func (c *Channel) Submit(ctx context.Context, command []byte, deadline time.Time) ([]byte, error) {
	req := &Request{Command: command, Deadline: deadline, resultCh: make(chan Result, 1)}
	select {
	case c.mailbox <- req:
	default:
		return nil, &Error{Kind: ErrIO, Reason: "mailbox full"}
	}

	select {
	case res := <-req.resultCh:
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drives the connect/serve/reconnect loop until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) {
	sched := newReconnectSchedule()
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.connectWithBackoff(ctx, sched)
		if err != nil {
			return // ctx cancelled during backoff
		}
		sched.Reset()

		c.serve(ctx, conn)
		_ = conn.Close()
	}
}

func (c *Channel) connectWithBackoff(ctx context.Context, sched *reconnectSchedule) (io.ReadWriteCloser, error) {
	c.setState(Connecting)
	var conn io.ReadWriteCloser

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		dialed, err := c.transport.Dial()
		if err != nil {
			log.Printf("[adapter] connect to %s failed: %v", c.transport.Describe(), err)
			return err
		}
		conn = dialed
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(sched, ctx)); err != nil {
		return nil, err
	}

	c.setState(Initializing)
	if err := c.initialize(conn); err != nil {
		log.Printf("[adapter] init sequence failed: %v", err)
		_ = conn.Close()
		c.setState(Faulted)
		return c.connectWithBackoff(ctx, sched)
	}

	c.setState(Ready)
	log.Printf("[adapter] connected and initialized via %s", c.transport.Describe())
	return conn, nil
}

// initialize runs the mandated init sequence from spec §4.3: ATZ, ATE0,
// ATS0, ATL0, then ATH0 or ATH1 per the current headers policy.
func (c *Channel) initialize(conn io.ReadWriteCloser) error {
	headersOn := c.headersPolicy()
	headersCmd := "ATH0"
	if headersOn {
		headersCmd = "ATH1"
	}
	for _, cmd := range []string{"ATZ", "ATE0", "ATS0", "ATL0", headersCmd} {
		if _, err := c.writeAndReadUntilPrompt(conn, []byte(cmd), 2*time.Second); err != nil {
			return fmt.Errorf("init command %s: %w", cmd, err)
		}
	}
	c.lastCommand = nil
	c.supportsRepeat = nil
	return nil
}

// serve processes mailbox requests until the connection faults or ctx is
// cancelled, preserving strict FIFO order by mailbox arrival time (spec
// §5).
func (c *Channel) serve(ctx context.Context, conn io.ReadWriteCloser) {
	for {
		select {
		case <-ctx.Done():
			c.drainMailbox(ctx.Err())
			return
		case req := <-c.mailbox:
			c.inFlight.Store(true)
			resp, err := c.execute(conn, req.Command, req.Deadline)
			c.inFlight.Store(false)

			if err != nil {
				if ae, ok := err.(*Error); ok && ae.Kind != ErrParse {
					c.setState(Faulted)
					req.resultCh <- Result{Err: err}
					c.drainMailbox(err)
					return
				}
			}
			if isRPMRequest(req.Command) {
				if rpm, ok := ExtractRPM(resp, c.headersPolicy()); ok {
					c.rpm.Set(rpm, c.clock())
				}
			}
			req.resultCh <- Result{Response: resp, Err: err}
		}
	}
}

func (c *Channel) drainMailbox(err error) {
	for {
		select {
		case req := <-c.mailbox:
			req.resultCh <- Result{Err: err}
		default:
			return
		}
	}
}

// execute sends command (applying the dongle-level "1" repeat
// optimization when it has already been proven supported) and returns
// the raw response bytes minus the trailing prompt and the line
// terminators before it.
func (c *Channel) execute(conn io.ReadWriteCloser, command []byte, deadline time.Time) ([]byte, error) {
	timeout := time.Until(deadline)
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	toSend := command
	usingRepeat := false
	if c.lastCommand != nil && bytes.Equal(c.lastCommand, command) && (c.supportsRepeat == nil || *c.supportsRepeat) {
		toSend = []byte("1")
		usingRepeat = true
	}

	resp, err := c.writeAndReadUntilPrompt(conn, toSend, timeout)
	if err != nil {
		return nil, err
	}

	if usingRepeat && bytes.Contains(resp, []byte("?")) {
		// Adapter doesn't support the "1" shorthand; fall back to
		// resending the full command and remember that for next time.
		supported := false
		c.supportsRepeat = &supported
		resp, err = c.writeAndReadUntilPrompt(conn, command, timeout)
		if err != nil {
			return nil, err
		}
	} else if usingRepeat {
		supported := true
		c.supportsRepeat = &supported
	}

	c.lastCommand = append([]byte(nil), command...)
	return resp, nil
}

// writeAndReadUntilPrompt writes command+CR and reads until the `>`
// prompt byte or timeout, per spec §4.3's request semantics. The
// returned bytes stop before the prompt, with trailing CR/LF removed.
func (c *Channel) writeAndReadUntilPrompt(conn io.ReadWriteCloser, command []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if deadliner, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
		_ = deadliner.SetDeadline(deadline)
	}

	if _, err := conn.Write(append(append([]byte(nil), command...), '\r')); err != nil {
		return nil, &Error{Kind: ErrIO, Reason: err.Error()}
	}

	var buf bytes.Buffer
	chunk := make([]byte, 256)
	for {
		if time.Now().After(deadline) {
			return nil, &Error{Kind: ErrTimeout, Reason: "no prompt before deadline"}
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if idx := bytes.IndexByte(buf.Bytes(), '>'); idx >= 0 {
				return bytes.TrimRight(buf.Bytes()[:idx], "\r\n"), nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, &Error{Kind: ErrIO, Reason: "connection closed"}
			}
			if isTimeoutErr(err) {
				continue
			}
			return nil, &Error{Kind: ErrIO, Reason: err.Error()}
		}
	}
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func isRPMRequest(command []byte) bool {
	s := bytes.ToUpper(bytes.ReplaceAll(command, []byte(" "), nil))
	return bytes.HasPrefix(s, []byte("010C"))
}
