package capture

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxRecordsPerFile rotates the capture file before the u32 record
// counter or u16 per-record length fields could plausibly be stressed
// by a single very long capture session.
const maxRecordsPerFile = 500_000

// Writer records client<->dongle traffic to rotating .ttcap files.
// Disabled by default; SetEnabled(true) starts a new file on next
// write.
type Writer struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file       *os.File
	startedAt  time.Time
	records    uint32
	dataLength uint32
	dongleIP   net.IP
	donglePort uint16
	fwVersion  string
}

// New creates a Writer rooted at dir. dongleIP/donglePort/fwVersion are
// recorded in every capture file's header for later analysis.
func New(dir string, dongleIP net.IP, donglePort uint16, fwVersion string) *Writer {
	return &Writer{dir: dir, dongleIP: dongleIP, donglePort: donglePort, fwVersion: fwVersion}
}

// SetEnabled toggles capturing at runtime. Disabling closes the current
// file.
func (w *Writer) SetEnabled(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = on
	if !on {
		w.closeFile()
	}
}

// IsEnabled reports whether capturing is currently active.
func (w *Writer) IsEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Record appends one capture record, opening/rotating the file as
// needed. now is the wall-clock time of the event; ts is milliseconds
// since the current file's capture start.
func (w *Writer) Record(now time.Time, recType RecordType, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled {
		return
	}

	if w.file == nil || w.records >= maxRecordsPerFile {
		if err := w.rotateFile(now); err != nil {
			log.Printf("[capture] rotate failed: %v", err)
			return
		}
	}

	rec := Record{TimestampMS: uint32(now.Sub(w.startedAt).Milliseconds()), Type: recType, Data: data}
	if err := WriteRecord(w.file, rec); err != nil {
		log.Printf("[capture] write failed: %v", err)
		return
	}
	w.records++
	w.dataLength += RecordHeaderSize + uint32(len(data))
}

// Close flushes and closes the current capture file, finalizing its
// header's record/data-length fields.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeFile()
}

func (w *Writer) rotateFile(now time.Time) error {
	w.closeFile()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	filename := fmt.Sprintf("tachtalk_%s.ttcap", now.Format("2006-01-02_150405"))
	path := filepath.Join(w.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	hdr := Header{
		Version:         Version,
		HeaderSize:      HeaderSize,
		CaptureStartMS:  uint64(now.UnixMilli()),
		DongleIP:        DongleIPBytes(w.dongleIP),
		DonglePort:      w.donglePort,
		FirmwareVersion: w.fwVersion,
	}
	headerBytes := hdr.Bytes()
	if _, err := f.Write(headerBytes[:]); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}

	w.file = f
	w.startedAt = now
	w.records = 0
	w.dataLength = 0

	log.Printf("[capture] opened %s", path)
	return nil
}

// closeFile patches the header's record-count and data-length fields
// (left as placeholders while the file is being written, since both
// are only known once capture stops) before closing.
func (w *Writer) closeFile() {
	if w.file == nil {
		return
	}

	var counts [8]byte
	binary.LittleEndian.PutUint32(counts[0:4], w.records)
	binary.LittleEndian.PutUint32(counts[4:8], w.dataLength)
	if _, err := w.file.WriteAt(counts[:], 12); err != nil {
		log.Printf("[capture] failed to finalize header: %v", err)
	}

	_ = w.file.Sync()
	w.file.Close()
	w.file = nil
}
