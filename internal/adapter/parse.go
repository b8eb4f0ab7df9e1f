package adapter

import (
	"log"
	"strconv"
	"strings"
)

// pidDataLen is the Mode-01 response data length (bytes after 0x41 <PID>)
// for every PID this firmware may request or parse, per spec §6. Unknown
// PIDs are absent and rejected by multi-PID parsing.
var pidDataLen = map[byte]int{
	0x04: 1, 0x05: 1, 0x0B: 1, 0x0C: 2, 0x0D: 1, 0x0F: 1, 0x10: 2, 0x11: 1,
	0x1F: 2, 0x21: 2, 0x2F: 1, 0x42: 2, 0x43: 2, 0x44: 2, 0x45: 1, 0x46: 1,
	0x49: 1, 0x5C: 1, 0x5E: 2,
}

// record is one parsed (ecu?, pci?, service, pid, data[]) tuple, per the
// streaming-tokenizer model in spec §9.
type record struct {
	ecuID   string // empty when headers were not present
	service byte
	pid     byte
	data    []byte
}

// statusLinePrefixes lists ELM status lines that are not data and must
// be discarded while scanning response lines, per spec §4.3 step 1.
var statusLinePrefixes = []string{"SEARCHING", "BUS INIT", "NO DATA", "STOPPED", "?"}

func isStatusLine(line string) bool {
	upper := strings.ToUpper(strings.TrimSpace(line))
	if upper == "" {
		return true
	}
	for _, p := range statusLinePrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}

// hexBytesOf extracts hex digit pairs from s (spaces and any other
// non-hex characters are ignored, matching real adapters which may or
// may not space-separate bytes).
func hexBytesOf(s string) []byte {
	var hexDigits []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isHex(c) {
			hexDigits = append(hexDigits, c)
		}
	}
	out := make([]byte, 0, len(hexDigits)/2)
	for i := 0; i+1 < len(hexDigits); i += 2 {
		v, err := strconv.ParseUint(string(hexDigits[i:i+2]), 16, 8)
		if err != nil {
			break
		}
		out = append(out, byte(v))
	}
	return out
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// parseLine tokenizes one response line into records, per spec §4.3
// steps 2-3: if headersOn, the first three hex chars are a CAN ID,
// followed by a PCI length byte which is checked against the remaining
// byte count (mismatches are logged and the line skipped).
// Walks (0x41, PID, N-byte) tuples until the line's bytes are exhausted,
// supporting both a single-PID response and a multi-PID combined
// response on one ECU.
func parseLine(line string, headersOn bool) (recs []record, mismatch bool) {
	if isStatusLine(line) {
		return nil, false
	}

	bytes := hexBytesOf(line)
	ecuID := ""

	if headersOn {
		if len(bytes) < 2 {
			return nil, false
		}
		// 3 hex chars = 1.5 bytes in real CAN IDs, but ELM327 text framing
		// always emits whole bytes; treat the first byte plus the high
		// nibble of the second as the CAN ID's first three hex chars,
		// then the PCI byte follows as its own byte.
		ecuID = strings.ToUpper(line[:3])
		rest := hexBytesOf(line[3:])
		if len(rest) < 1 {
			return nil, false
		}
		pci := rest[0]
		data := rest[1:]
		if int(pci) != len(data) {
			log.Printf("[adapter] PCI length %d does not match %d data bytes, skipping line %q", pci, len(data), line)
			return nil, true
		}
		bytes = data
	}

	for len(bytes) >= 2 {
		service := bytes[0]
		if service != 0x41 {
			// Not a Mode 01 positive response; nothing more to parse on
			// this line.
			break
		}
		pid := bytes[1]
		n, known := pidDataLen[pid]
		if !known {
			break
		}
		if len(bytes) < 2+n {
			break
		}
		data := bytes[2 : 2+n]
		recs = append(recs, record{ecuID: ecuID, service: service, pid: pid, data: data})
		bytes = bytes[2+n:]
	}

	return recs, false
}

// ExtractRPM implements spec §4.3's RPM extraction contract: splits the
// response into lines, discards status lines, tokenizes each remaining
// line (honoring CAN headers when present), and returns the RPM from the
// first successfully parsed PID 0x0C record. When multiple ECUs respond,
// the first parsed value wins (spec §9 open question: no averaging).
func ExtractRPM(response []byte, headersOn bool) (rpm uint32, ok bool) {
	for _, line := range splitLines(string(response)) {
		recs, _ := parseLine(line, headersOn)
		for _, r := range recs {
			if r.pid == 0x0C && len(r.data) == 2 {
				return (uint32(r.data[0])*256 + uint32(r.data[1])) / 4, true
			}
		}
	}
	return 0, false
}

// MultiPIDResult aggregates parsed PID values across all lines of a
// combined multi-PID response, keyed by (ecuID, pid) per spec §4.3.
type MultiPIDResult struct {
	Values map[string]map[byte][]byte
}

// ExtractMultiPID implements the multi-PID aggregation described in
// spec §4.3: parses every line, grouping records by ECU and PID so a
// caller can look up each requested PID's raw data regardless of how
// responses were split across ECUs or frames.
func ExtractMultiPID(response []byte, headersOn bool) MultiPIDResult {
	result := MultiPIDResult{Values: make(map[string]map[byte][]byte)}
	for _, line := range splitLines(string(response)) {
		recs, _ := parseLine(line, headersOn)
		for _, r := range recs {
			ecu := r.ecuID
			if result.Values[ecu] == nil {
				result.Values[ecu] = make(map[byte][]byte)
			}
			result.Values[ecu][r.pid] = r.data
		}
	}
	return result
}
