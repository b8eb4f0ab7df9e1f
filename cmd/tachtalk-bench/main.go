// Command tachtalk-bench connects to an ELM327-compatible TCP server
// and requests RPM as fast as possible, reporting throughput and
// latency statistics, for exercising the proxy under load.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
)

func main() {
	addr := flag.String("address", "127.0.0.1:35000", "server address to connect to")
	duration := flag.Duration("duration", 10*time.Second, "benchmark duration (0 = run forever)")
	interval := flag.Duration("interval", time.Second, "interval between stats printouts")
	repeat := flag.Bool("repeat", false, "use the \"1\" repeat-last-command shorthand after the first request")
	flag.Parse()

	if err := run(*addr, *duration, *interval, *repeat); err != nil {
		pterm.Error.Printf("%v\n", err)
		os.Exit(1)
	}
}

type stats struct {
	requests, errors                   uint64
	intervalRequests, intervalErrors    uint64
	minLatency, maxLatency, totalLatency time.Duration
	lastRPM                             uint32
	haveRPM                             bool
}

func run(addr string, duration, interval time.Duration, useRepeat bool) error {
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Connecting to %s...", addr))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		spinner.Fail()
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if err := initializeConnection(conn, reader); err != nil {
		spinner.Fail()
		return fmt.Errorf("initialize: %w", err)
	}
	spinner.Success("Connected and initialized")

	st := &stats{minLatency: time.Hour}
	start := time.Now()
	intervalStart := start
	canRepeat := false

	for duration == 0 || time.Since(start) < duration {
		reqStart := time.Now()
		rpm, ok, err := requestRPM(conn, reader, useRepeat && canRepeat)
		if err != nil {
			pterm.Error.Printf("\nconnection error: %v\n", err)
			break
		}
		if ok {
			canRepeat = true
			latency := time.Since(reqStart)
			st.recordSuccess(latency, rpm)
		} else {
			st.recordError()
		}

		if time.Since(intervalStart) >= interval {
			printIntervalStats(st, time.Since(intervalStart))
			intervalStart = time.Now()
		}
	}

	printSummary(st, time.Since(start))
	return nil
}

func (s *stats) recordSuccess(latency time.Duration, rpm uint32) {
	s.requests++
	s.intervalRequests++
	s.totalLatency += latency
	if latency < s.minLatency {
		s.minLatency = latency
	}
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	s.lastRPM = rpm
	s.haveRPM = true
}

func (s *stats) recordError() {
	s.errors++
	s.intervalErrors++
}

func printIntervalStats(s *stats, elapsed time.Duration) {
	rate := float64(s.intervalRequests) / elapsed.Seconds()
	line := fmt.Sprintf("%.1f req/s | %d total | %d errors", rate, s.requests, s.errors)
	if s.haveRPM {
		line += fmt.Sprintf(" | last RPM: %d", s.lastRPM)
	}
	pterm.Info.Println(line)
	s.intervalRequests = 0
	s.intervalErrors = 0
}

func printSummary(s *stats, elapsed time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Benchmark Summary")

	rows := pterm.TableData{
		{"metric", "value"},
		{"total time", fmt.Sprintf("%.2fs", elapsed.Seconds())},
		{"total requests", strconv.FormatUint(s.requests, 10)},
		{"total errors", strconv.FormatUint(s.errors, 10)},
	}
	if s.requests > 0 {
		rate := float64(s.requests) / elapsed.Seconds()
		avg := s.totalLatency / time.Duration(s.requests)
		rows = append(rows,
			[]string{"request rate", fmt.Sprintf("%.1f req/s", rate)},
			[]string{"min latency", fmt.Sprintf("%.3fms", float64(s.minLatency.Microseconds())/1000)},
			[]string{"max latency", fmt.Sprintf("%.3fms", float64(s.maxLatency.Microseconds())/1000)},
			[]string{"avg latency", fmt.Sprintf("%.3fms", float64(avg.Microseconds())/1000)},
		)
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func initializeConnection(conn net.Conn, reader *bufio.Reader) error {
	for _, cmd := range []string{"ATZ", "ATE0", "ATS0", "ATL0"} {
		if _, err := conn.Write([]byte(cmd + "\r")); err != nil {
			return err
		}
		if _, err := readUntilPrompt(reader); err != nil {
			return err
		}
	}
	return nil
}

func readUntilPrompt(reader *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return "", err
		}
		sb.WriteByte(b)
		if b == '>' {
			return sb.String(), nil
		}
	}
}

func requestRPM(conn net.Conn, reader *bufio.Reader, useRepeat bool) (rpm uint32, ok bool, err error) {
	cmd := "010C\r"
	if useRepeat {
		cmd = "1\r"
	}
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return 0, false, err
	}
	resp, err := readUntilPrompt(reader)
	if err != nil {
		return 0, false, err
	}
	return parseRPMResponse(resp)
}

// parseRPMResponse accepts the "410CXXXX" form (spaces optional), per
// the benchmark tool's original parsing contract.
func parseRPMResponse(resp string) (uint32, bool, error) {
	clean := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(resp), " ", ""))
	clean = strings.TrimSuffix(clean, ">")
	clean = strings.TrimSpace(strings.ReplaceAll(clean, "\r", ""))
	if len(clean) < 8 || !strings.HasPrefix(clean, "410C") {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(clean[4:8], 16, 32)
	if err != nil {
		return 0, false, nil
	}
	return uint32(v) / 4, true, nil
}
