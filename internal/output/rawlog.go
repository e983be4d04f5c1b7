package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"evolve-car-go/internal/types"
)

const rawLogMagic = "EVCAPRW1"

// maxRecordSize bounds a single record so a corrupt length cannot trigger
// a huge allocation.
const maxRecordSize = 256 << 20

// RawRecord is one delivered frame as stored in a raw log.
type RawRecord struct {
	Tag   string      `cbor:"tag"`
	Frame types.Frame `cbor:"frame"`
}

// RawLogWriter appends delivered frames to a binary log so a session can be
// replayed without the simulator.
type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{
		f:    f,
		w:    w,
		path: filename,
	}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// Record appends one frame for tag.
func (r *RawLogWriter) Record(tag string, frame types.Frame) error {
	payload, err := cbor.Marshal(RawRecord{Tag: tag, Frame: frame})
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawLogReader reads records written by RawLogWriter.
type RawLogReader struct {
	r io.Reader
}

func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	header := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(header) != rawLogMagic {
		return nil, fmt.Errorf("unexpected rawlog magic %q", string(header))
	}
	return &RawLogReader{r: bufio.NewReaderSize(r, 1024*1024)}, nil
}

// Next returns the next record and the time it was recorded. It returns
// io.EOF after the last complete record.
func (r *RawLogReader) Next() (RawRecord, time.Time, error) {
	var meta [12]byte
	if _, err := io.ReadFull(r.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return RawRecord{}, time.Time{}, io.EOF
		}
		return RawRecord{}, time.Time{}, err
	}
	ts := time.Unix(0, int64(binary.LittleEndian.Uint64(meta[:8])))
	size := binary.LittleEndian.Uint32(meta[8:12])
	if size > maxRecordSize {
		return RawRecord{}, ts, fmt.Errorf("record size %d exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return RawRecord{}, ts, io.EOF
		}
		return RawRecord{}, ts, err
	}
	var rec RawRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return RawRecord{}, ts, fmt.Errorf("decode record: %w", err)
	}
	return rec, ts, nil
}
