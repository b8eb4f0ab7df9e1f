// Command tachtalk-mock-elm327 simulates a Wi-Fi ELM327 OBD-II adapter
// for testing the proxy without real vehicle hardware. It ramps RPM
// through a repeating cycle and answers a handful of Mode 01 PIDs.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"strings"
	"time"

	"github.com/docwilco/tachtalk/internal/elm327"
)

func main() {
	addr := flag.String("address", "0.0.0.0:35000", "address to listen on")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen %s: %v", *addr, err)
	}
	log.Printf("mock ELM327 listening on %s", *addr)

	start := time.Now()
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}
		go handleClient(conn, start)
	}
}

func handleClient(conn net.Conn, start time.Time) {
	defer conn.Close()
	log.Printf("client connected: %s", conn.RemoteAddr())
	defer log.Printf("client disconnected: %s", conn.RemoteAddr())

	state := elm327.NewState()
	reader := bufio.NewReader(conn)
	var framer elm327.Framer

	for {
		b, err := reader.ReadByte()
		if err != nil {
			return
		}
		if state.Echo {
			if _, err := conn.Write([]byte{b}); err != nil {
				return
			}
		}
		line, ok := framer.Feed(b)
		if !ok {
			continue
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		if cmd == "" {
			continue
		}

		resp := processCommand(cmd, state, start)
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func processCommand(cmd string, state *elm327.State, start time.Time) string {
	le := state.LineEnding()

	if elm327.IsATCommand(cmd) {
		if cmd == "AT@1" {
			return "Mock ELM327" + le + le + ">"
		}
		res := state.HandleAT(cmd)
		return res.Text + le + le + ">"
	}

	obdResponse, ok := processOBD(cmd, start)
	if !ok {
		return "?" + le + le + ">"
	}
	if obdResponse == "" {
		return "NO DATA" + le + le + ">"
	}

	formatted := string(state.FormatResponse([]byte(obdResponse)))
	response := formatted
	if state.Headers {
		dataBytes := len(obdResponse) / 2
		if state.Spaces {
			response = fmt.Sprintf("7E8 %02X %s", dataBytes, formatted)
		} else {
			response = fmt.Sprintf("7E8%02X%s", dataBytes, formatted)
		}
	}
	return response + le + le + ">"
}

// processOBD returns (hexData, ok). ok is false for a totally unknown
// command (which should produce "?"); a known Mode 01 request for an
// unsupported PID instead returns ("", true) so the caller can emit
// "NO DATA" for that specific case, matching the mock's original
// command table.
func processOBD(cmd string, start time.Time) (string, bool) {
	switch {
	case cmd == "03":
		return "4300", true
	case cmd == "0902":
		return "490213455034353637383930", true
	case strings.HasPrefix(cmd, "01") && len(cmd) >= 4:
		pidData := cmd[2:]
		var response strings.Builder
		for i := 0; i+1 < len(pidData); i += 2 {
			pid := pidData[i : i+2]
			data, known := pidResponse(pid, start)
			if !known {
				return "", true
			}
			response.WriteString(pid)
			response.WriteString(data)
		}
		if response.Len() == 0 {
			return "", true
		}
		return "41" + response.String(), true
	default:
		return "", false
	}
}

func pidResponse(pid string, start time.Time) (string, bool) {
	switch pid {
	case "00":
		return "BE3FA813", true
	case "04":
		return "64", true
	case "05":
		return "4F", true
	case "0C":
		return fmt.Sprintf("%04X", rpmValue(start)), true
	case "0D":
		return "28", true
	case "0F":
		return "38", true
	case "11":
		return "45", true
	case "20":
		return "80000001", true
	case "40":
		return "FED08000", true
	default:
		return "", false
	}
}

// rpmValue produces a repeating ramp-up/hold/ramp-down/hold RPM cycle
// between 800 and 3500 RPM, matching the mock adapter's original
// simulated driving profile, scaled into the Mode 01 PID 0x0C wire
// encoding (RPM*4).
func rpmValue(start time.Time) uint32 {
	const (
		minRPM    = 800.0
		maxRPM    = 3500.0
		rampTime  = 4.0
		holdTime  = 3.0
		cycleTime = 2.0 * (rampTime + holdTime)
	)

	elapsed := time.Since(start).Seconds()
	phase := math.Mod(elapsed, cycleTime)

	var rpm float64
	switch {
	case phase < rampTime:
		rpm = minRPM + (maxRPM-minRPM)*(phase/rampTime)
	case phase < rampTime+holdTime:
		rpm = maxRPM
	case phase < 2*rampTime+holdTime:
		rampPhase := phase - rampTime - holdTime
		rpm = maxRPM - (maxRPM-minRPM)*(rampPhase/rampTime)
	default:
		rpm = minRPM
	}

	return uint32(rpm * 4.0)
}
