// Package elm327 implements the per-client ELM327 emulated adapter state
// machine (C2): AT command handling and response formatting according to
// each client's own session flags.
package elm327

import (
	"strings"

	"github.com/google/uuid"
)

// State holds one client connection's emulated ELM327 settings. Created
// on accept, mutated only by AT commands, destroyed with the connection
// (spec §3 "per-client session").
type State struct {
	ID uuid.UUID

	Echo           bool
	Linefeed       bool
	Spaces         bool
	Headers        bool
	AdaptiveTiming uint8 // 0/1/2, set via ATAT0/1/2

	// LastCommand is re-sent verbatim when the client sends a bare CR.
	LastCommand []byte
}

// NewState returns a session with the ELM327 default flag set: echo,
// linefeed, and spaces on; headers off.
func NewState() *State {
	return &State{
		ID:             uuid.New(),
		Echo:           true,
		Linefeed:       true,
		Spaces:         true,
		Headers:        false,
		AdaptiveTiming: 1,
	}
}

// reset restores default flags in place, used by ATZ/ATWS.
func (s *State) reset() {
	id := s.ID
	*s = *NewState()
	s.ID = id
}

// LineEnding returns the line terminator for outgoing text given the
// current Linefeed setting: "\r\n" when on, "\r" when off.
func (s *State) LineEnding() string {
	if s.Linefeed {
		return "\r\n"
	}
	return "\r"
}

// FormatResponse adds spacing between hex byte pairs when Spaces is
// enabled. Adapter responses arrive as compact hex with no spaces; this
// mirrors what the client requested via ATS0/ATS1.
func (s *State) FormatResponse(response []byte) []byte {
	if !s.Spaces {
		return response
	}

	out := make([]byte, 0, len(response)*3/2)
	hexCount := 0
	for _, b := range response {
		if isHexDigit(b) {
			if hexCount > 0 && hexCount%2 == 0 {
				out = append(out, ' ')
			}
			hexCount++
		} else {
			hexCount = 0
		}
		out = append(out, b)
	}
	return out
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// ATResult is the outcome of handling an AT command: the text to send
// back to the client (without line endings) and whether the command was
// recognized (unrecognized AT commands still reply OK, permissively,
// per spec §4.2 — Recognized is informational for logging only).
type ATResult struct {
	Text       string
	Recognized bool
}

// HandleAT processes a single AT command (case-insensitive, spaces
// ignored) and returns the reply text. Mutates State for commands that
// change session flags.
func (s *State) HandleAT(cmd string) ATResult {
	upper := strings.ToUpper(strings.ReplaceAll(cmd, " ", ""))

	switch upper {
	case "ATZ", "ATWS":
		s.reset()
		return ATResult{Text: "ELM327 v1.5", Recognized: true}
	case "ATE0":
		s.Echo = false
		return ATResult{Text: "OK", Recognized: true}
	case "ATE1":
		s.Echo = true
		return ATResult{Text: "OK", Recognized: true}
	case "ATL0":
		s.Linefeed = false
		return ATResult{Text: "OK", Recognized: true}
	case "ATL1":
		s.Linefeed = true
		return ATResult{Text: "OK", Recognized: true}
	case "ATS0":
		s.Spaces = false
		return ATResult{Text: "OK", Recognized: true}
	case "ATS1":
		s.Spaces = true
		return ATResult{Text: "OK", Recognized: true}
	case "ATH0":
		s.Headers = false
		return ATResult{Text: "OK", Recognized: true}
	case "ATH1":
		s.Headers = true
		return ATResult{Text: "OK", Recognized: true}
	case "ATAT0":
		s.AdaptiveTiming = 0
		return ATResult{Text: "OK", Recognized: true}
	case "ATAT1":
		s.AdaptiveTiming = 1
		return ATResult{Text: "OK", Recognized: true}
	case "ATAT2":
		s.AdaptiveTiming = 2
		return ATResult{Text: "OK", Recognized: true}
	case "ATDP":
		return ATResult{Text: "AUTO", Recognized: true}
	case "ATDPN":
		return ATResult{Text: "A0", Recognized: true}
	case "ATI", "AT@1":
		return ATResult{Text: "ELM327 v1.5", Recognized: true}
	case "ATRV":
		return ATResult{Text: "12.3V", Recognized: true}
	}

	switch {
	case strings.HasPrefix(upper, "ATSP"):
		return ATResult{Text: "OK", Recognized: true}
	case strings.HasPrefix(upper, "ATST"):
		return ATResult{Text: "OK", Recognized: true}
	case strings.HasPrefix(upper, "ATAT"):
		return ATResult{Text: "OK", Recognized: true}
	}

	// Unknown AT command: permissive OK per spec §4.2, diverging
	// deliberately from the stricter "?" in the Rust original (see
	// DESIGN.md).
	return ATResult{Text: "OK", Recognized: false}
}

// IsATCommand reports whether a trimmed client line is an AT command
// (case-insensitive "AT" prefix) as opposed to an OBD request line.
func IsATCommand(line string) bool {
	return len(line) >= 2 && strings.EqualFold(line[:2], "AT")
}

// UpstreamError classifies a C3 adapter-channel failure into the
// client-visible ELM-style error code required by spec §4.2/§7.
type UpstreamError int

const (
	ErrNone UpstreamError = iota
	ErrTimeout
	ErrUnableToConnect
	ErrGeneric
)

// Text returns the literal ELM-style error text for an UpstreamError.
func (e UpstreamError) Text() string {
	switch e {
	case ErrTimeout:
		return "NO DATA"
	case ErrUnableToConnect:
		return "UNABLE TO CONNECT"
	case ErrGeneric:
		return "ERROR"
	default:
		return ""
	}
}
