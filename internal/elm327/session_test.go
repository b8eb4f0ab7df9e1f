package elm327

import "testing"

func TestDefaultState(t *testing.T) {
	s := NewState()
	if !s.Echo || !s.Linefeed || !s.Spaces || s.Headers {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestLineEnding(t *testing.T) {
	s := NewState()
	if s.LineEnding() != "\r\n" {
		t.Fatalf("expected \\r\\n, got %q", s.LineEnding())
	}
	s.Linefeed = false
	if s.LineEnding() != "\r" {
		t.Fatalf("expected \\r, got %q", s.LineEnding())
	}
}

func TestHandleATEcho(t *testing.T) {
	s := NewState()
	res := s.HandleAT("ATE0")
	if res.Text != "OK" || s.Echo {
		t.Fatalf("expected echo disabled, got %+v echo=%v", res, s.Echo)
	}
}

func TestHandleATReset(t *testing.T) {
	s := NewState()
	s.HandleAT("ATE0")
	s.HandleAT("ATS0")
	res := s.HandleAT("ATZ")
	if res.Text != "ELM327 v1.5" {
		t.Fatalf("expected banner, got %q", res.Text)
	}
	if !s.Echo || !s.Spaces {
		t.Fatalf("expected flags reset to defaults, got echo=%v spaces=%v", s.Echo, s.Spaces)
	}
}

func TestHandleATUnknownIsPermissiveOK(t *testing.T) {
	s := NewState()
	res := s.HandleAT("ATXYZZY")
	if res.Text != "OK" {
		t.Fatalf("expected permissive OK for unknown AT command, got %q", res.Text)
	}
	if res.Recognized {
		t.Fatalf("expected Recognized=false for unknown command")
	}
}

func TestFormatResponseWithSpaces(t *testing.T) {
	s := NewState()
	got := s.FormatResponse([]byte("410C1AF8\r\r>"))
	want := "41 0C 1A F8\r\r>"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFormatResponseWithoutSpaces(t *testing.T) {
	s := NewState()
	s.Spaces = false
	got := s.FormatResponse([]byte("410C1AF8\r\r>"))
	if string(got) != "410C1AF8\r\r>" {
		t.Fatalf("got %q", got)
	}
}

func TestUpstreamErrorText(t *testing.T) {
	cases := map[UpstreamError]string{
		ErrTimeout:         "NO DATA",
		ErrUnableToConnect: "UNABLE TO CONNECT",
		ErrGeneric:         "ERROR",
	}
	for err, want := range cases {
		if got := err.Text(); got != want {
			t.Fatalf("%v: got %q want %q", err, got, want)
		}
	}
}

func TestIsATCommand(t *testing.T) {
	if !IsATCommand("ate0") {
		t.Fatal("expected lowercase at-prefix to be recognized")
	}
	if IsATCommand("010C") {
		t.Fatal("expected OBD request not recognized as AT command")
	}
	if IsATCommand("A") {
		t.Fatal("expected too-short line not recognized as AT command")
	}
}

func TestFramerSplitsOnCRIgnoresLF(t *testing.T) {
	var f Framer
	var lines []string
	for _, b := range []byte("ATE0\r\n010C\r") {
		if line, ok := f.Feed(b); ok {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 || lines[0] != "ATE0" || lines[1] != "010C" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestFramerBareCRIsEmptyLine(t *testing.T) {
	var f Framer
	line, ok := f.Feed('\r')
	if !ok || line != "" {
		t.Fatalf("expected empty completed line, got %q ok=%v", line, ok)
	}
}
