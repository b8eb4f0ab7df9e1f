// Package proxy implements the TCP proxy server and idle poller (C4):
// accepting phone-app connections, running each through an ELM327
// session against the shared adapter channel, and keeping the current
// RPM cell warm between client requests.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docwilco/tachtalk/internal/adapter"
	"github.com/docwilco/tachtalk/internal/capture"
	"github.com/docwilco/tachtalk/internal/elm327"
)

// Config holds the proxy's parameters. tachtalkd builds it from
// DefaultConfig and its -proxy-listen flag; it is not read from the
// configuration store (C5).
type Config struct {
	ListenAddr      string
	MaxClients      int
	RequestTimeout  time.Duration
	PollIntervalMS  uint32
	IdlePollCommand string
}

// DefaultConfig matches the firmware defaults from spec §3/§6.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":35000",
		MaxClients:      4,
		RequestTimeout:  2 * time.Second,
		PollIntervalMS:  100,
		IdlePollCommand: "010C",
	}
}

// ClientsChanged is invoked whenever the active client count changes, so
// the status bus (C6) can publish it without proxy importing statusbus.
type ClientsChanged func(count int)

// Server accepts OBD-II client connections and forwards their traffic to
// the adapter channel, while an idle poller keeps RPM fresh when no
// client is actively polling.
type Server struct {
	cfg     Config
	channel *adapter.Channel

	clientCount    atomic.Int32
	onClientsChanged ClientsChanged

	headersPolicy func() bool

	// capture is nil unless traffic recording is enabled. Record does
	// nothing while the writer is disabled, but it cannot be called on a
	// nil *capture.Writer, so a nil capture is checked explicitly.
	capture *capture.Writer
}

// New creates a Server bound to the given adapter channel.
func New(cfg Config, channel *adapter.Channel, headersPolicy func() bool, onClientsChanged ClientsChanged) *Server {
	if onClientsChanged == nil {
		onClientsChanged = func(int) {}
	}
	return &Server{cfg: cfg, channel: channel, headersPolicy: headersPolicy, onClientsChanged: onClientsChanged}
}

// SetCapture attaches a capture writer; every client request/response
// pair is then appended to it, per the supplemented traffic-capture
// feature. Pass nil to disable.
func (s *Server) SetCapture(w *capture.Writer) { s.capture = w }

// Run listens and serves until ctx is cancelled, per spec §4.4's
// "configurable client cap, accept-and-close beyond cap" behavior.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", s.cfg.ListenAddr, err)
	}
	log.Printf("[proxy] listening on %s (max clients %d)", s.cfg.ListenAddr, s.cfg.MaxClients)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			log.Printf("[proxy] accept error: %v", err)
			continue
		}

		if int(s.clientCount.Load()) >= s.cfg.MaxClients {
			log.Printf("[proxy] rejecting %s: at client cap %d", conn.RemoteAddr(), s.cfg.MaxClients)
			_ = conn.Close()
			continue
		}

		s.clientCount.Add(1)
		s.onClientsChanged(int(s.clientCount.Load()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				s.clientCount.Add(-1)
				s.onClientsChanged(int(s.clientCount.Load()))
			}()
			s.serveClient(ctx, conn)
		}()
	}
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int { return int(s.clientCount.Load()) }

// serveClient runs one client's ELM327 session: frame its input into
// lines, interpret AT commands locally, and forward OBD requests to the
// shared adapter channel, per spec §4.2/§4.4.
func (s *Server) serveClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Printf("[proxy] client connected: %s", conn.RemoteAddr())
	defer log.Printf("[proxy] client disconnected: %s", conn.RemoteAddr())

	state := elm327.NewState()
	state.Headers = s.headersPolicy()
	reader := bufio.NewReader(conn)

	if s.capture != nil {
		s.capture.Record(time.Now(), capture.Connect, nil)
		defer s.capture.Record(time.Now(), capture.Disconnect, nil)
	}

	for {
		line, err := readELM327Line(reader, conn, state)
		if err != nil {
			return
		}

		if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}

		if elm327.IsATCommand(line) {
			res := state.HandleAT(line)
			if _, err := conn.Write(s.formatLine(state, res.Text)); err != nil {
				return
			}
			continue
		}

		command := line
		if command == "" {
			if len(state.LastCommand) == 0 {
				if _, err := conn.Write(s.formatLine(state, "?")); err != nil {
					return
				}
				continue
			}
			command = string(state.LastCommand)
		}
		state.LastCommand = []byte(command)

		if s.capture != nil {
			s.capture.Record(time.Now(), capture.ClientToDongle, []byte(command))
		}

		resp, err := s.channel.Submit(ctx, []byte(command), time.Now().Add(s.cfg.RequestTimeout))
		if err != nil {
			if _, werr := conn.Write(s.formatLine(state, upstreamErrorText(err))); werr != nil {
				return
			}
			continue
		}

		if s.capture != nil {
			s.capture.Record(time.Now(), capture.DongleToClient, resp)
		}

		formatted := state.FormatResponse(resp)
		if _, err := conn.Write(s.wrapResponse(state, formatted)); err != nil {
			return
		}
	}
}

func (s *Server) formatLine(state *elm327.State, text string) []byte {
	return []byte(text + state.LineEnding() + state.LineEnding() + ">")
}

func (s *Server) wrapResponse(state *elm327.State, body []byte) []byte {
	out := append([]byte(nil), body...)
	out = append(out, []byte(state.LineEnding()+state.LineEnding()+">")...)
	return out
}

func upstreamErrorText(err error) string {
	ae, ok := err.(*adapter.Error)
	if !ok {
		return elm327.ErrGeneric.Text()
	}
	switch ae.Kind {
	case adapter.ErrTimeout:
		return elm327.ErrTimeout.Text()
	case adapter.ErrIO:
		return elm327.ErrUnableToConnect.Text()
	default:
		return elm327.ErrGeneric.Text()
	}
}

// readELM327Line reads bytes one at a time through an elm327.Framer so
// that '\r' terminates a command (including a bare '\r' for "repeat
// last command") and '\n' is swallowed, matching real ELM327 client
// behavior. Each received byte, including the terminator, is echoed
// back to conn as it arrives when state.Echo is on, matching a real
// ELM327's local echo.
func readELM327Line(r *bufio.Reader, conn net.Conn, state *elm327.State) (string, error) {
	var framer elm327.Framer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if state.Echo {
			if _, err := conn.Write([]byte{b}); err != nil {
				return "", err
			}
		}
		if line, ok := framer.Feed(b); ok {
			return strings.TrimSpace(line), nil
		}
	}
}
