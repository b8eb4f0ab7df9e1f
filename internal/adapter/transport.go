package adapter

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// Transport establishes the single physical connection to the upstream
// OBD-II adapter. Two implementations are provided, matching spec §3's
// supplemented "transport" config field: most real deployments talk to
// a Wi-Fi ELM327 adapter over TCP, but directly-attached USB-serial
// ELM327 dongles are common enough hardware that a serial transport is
// worth supporting at the same layer.
type Transport interface {
	// Dial opens the connection, returning a stream the Channel can
	// write commands to and read responses from.
	Dial() (io.ReadWriteCloser, error)
	// Describe returns a short human-readable description for logging.
	Describe() string
}

// TCPTransport dials a Wi-Fi OBD-II adapter over TCP.
type TCPTransport struct {
	Addr    string
	Timeout time.Duration
}

func (t TCPTransport) Dial() (io.ReadWriteCloser, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", t.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", t.Addr, err)
	}
	return conn, nil
}

func (t TCPTransport) Describe() string { return "tcp:" + t.Addr }

// SerialTransport opens a directly-attached USB-serial ELM327 dongle.
type SerialTransport struct {
	Port string
	Baud int
}

func (t SerialTransport) Dial() (io.ReadWriteCloser, error) {
	baud := t.Baud
	if baud <= 0 {
		baud = 38400
	}
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(t.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", t.Port, err)
	}
	return port, nil
}

func (t SerialTransport) Describe() string { return "serial:" + t.Port }
