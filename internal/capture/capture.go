// Package capture implements the .ttcap binary traffic capture format:
// a 64-byte file header followed by variable-length timestamped
// records of client<->dongle traffic, mirroring the test firmware's
// capture tooling referenced from the device's supplemented feature
// set. Writer rotates files itself: each file is named by its start
// timestamp, a new one is opened after maxRecordsPerFile records, and the
// header's counters are filled in when a file is closed.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Magic identifies a .ttcap file.
var Magic = [8]byte{'T', 'a', 'c', 'h', 'T', 'a', 'l', 'k'}

const (
	Version             uint16 = 1
	HeaderSize                 = 64
	RecordHeaderSize            = 7
	FirmwareVersionMaxLen       = 16

	FlagOverflow  uint16 = 1 << 0
	FlagNTPSynced uint16 = 1 << 1
)

// RecordType tags each capture record, per the .ttcap format.
type RecordType uint8

const (
	ClientToDongle RecordType = 0
	DongleToClient RecordType = 1
	Connect        RecordType = 2
	Disconnect     RecordType = 3
)

func (t RecordType) Label() string {
	switch t {
	case ClientToDongle:
		return "TX"
	case DongleToClient:
		return "RX"
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Header is the 64-byte .ttcap file header.
type Header struct {
	Version         uint16
	HeaderSize      uint16
	RecordCount     uint32
	DataLength      uint32
	CaptureStartMS  uint64
	DongleIP        [4]byte
	DonglePort      uint16
	Flags           uint16
	FirmwareVersion string
}

// Bytes serializes the header to its 64-byte on-disk form.
func (h Header) Bytes() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:8], Magic[:])
	binary.LittleEndian.PutUint16(buf[8:10], h.Version)
	binary.LittleEndian.PutUint16(buf[10:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.RecordCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.DataLength)
	binary.LittleEndian.PutUint64(buf[20:28], h.CaptureStartMS)
	copy(buf[28:32], h.DongleIP[:])
	binary.LittleEndian.PutUint16(buf[32:34], h.DonglePort)
	binary.LittleEndian.PutUint16(buf[34:36], h.Flags)
	fwBytes := []byte(h.FirmwareVersion)
	n := len(fwBytes)
	if n > FirmwareVersionMaxLen-1 {
		n = FirmwareVersionMaxLen - 1
	}
	copy(buf[36:36+n], fwBytes[:n])
	// buf[52:64] reserved, left zero
	return buf
}

// ParseHeader reads and validates a 64-byte header from r.
func ParseHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("read capture header: %w", err)
	}
	if string(buf[0:8]) != string(Magic[:]) {
		return Header{}, fmt.Errorf("invalid capture header magic")
	}

	h := Header{
		Version:        binary.LittleEndian.Uint16(buf[8:10]),
		HeaderSize:     binary.LittleEndian.Uint16(buf[10:12]),
		RecordCount:    binary.LittleEndian.Uint32(buf[12:16]),
		DataLength:     binary.LittleEndian.Uint32(buf[16:20]),
		CaptureStartMS: binary.LittleEndian.Uint64(buf[20:28]),
		DonglePort:     binary.LittleEndian.Uint16(buf[32:34]),
		Flags:          binary.LittleEndian.Uint16(buf[34:36]),
	}
	copy(h.DongleIP[:], buf[28:32])

	fwEnd := 36 + FirmwareVersionMaxLen
	nul := 36
	for nul < fwEnd && buf[nul] != 0 {
		nul++
	}
	h.FirmwareVersion = string(buf[36:nul])

	return h, nil
}

// Record is one parsed capture record.
type Record struct {
	TimestampMS uint32
	Type        RecordType
	Data        []byte
}

// WriteRecord appends one record to w.
func WriteRecord(w io.Writer, rec Record) error {
	var hdr [RecordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], rec.TimestampMS)
	hdr[4] = byte(rec.Type)
	binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(rec.Data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(rec.Data) > 0 {
		if _, err := w.Write(rec.Data); err != nil {
			return err
		}
	}
	return nil
}

// RecordReader iterates records from a reader positioned just after the
// file header.
type RecordReader struct {
	r *bufio.Reader
}

// NewRecordReader wraps r for record iteration.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF when the stream is exhausted
// cleanly at a record boundary.
func (rr *RecordReader) Next() (Record, error) {
	var hdr [RecordHeaderSize]byte
	if _, err := io.ReadFull(rr.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, fmt.Errorf("truncated capture record: %w", err)
		}
		return Record{}, err
	}

	rec := Record{
		TimestampMS: binary.LittleEndian.Uint32(hdr[0:4]),
		Type:        RecordType(hdr[4]),
	}
	dataLen := binary.LittleEndian.Uint16(hdr[5:7])
	if dataLen > 0 {
		rec.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(rr.r, rec.Data); err != nil {
			return Record{}, fmt.Errorf("truncated capture record data: %w", err)
		}
	}
	return rec, nil
}

// DongleIPBytes converts a parsed IPv4 address to the header's network-
// order representation.
func DongleIPBytes(ip net.IP) [4]byte {
	var out [4]byte
	v4 := ip.To4()
	if v4 != nil {
		copy(out[:], v4)
	}
	return out
}
