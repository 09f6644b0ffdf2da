package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink is a destination for audit events. Write receives batches in record
// order; Flush forces buffered data to stable storage; Close flushes and
// releases the sink. Implementations are called from the trail's single
// writer goroutine plus occasional Flush calls, and must be safe for that.
type Sink interface {
	Write(events []Event) error
	Flush() error
	Close() error
}

// defaultMaxFileSize caps one audit file before size rotation kicks in.
const defaultMaxFileSize = 100 << 20

// FileSink appends events as JSON Lines to a single file path. The live file
// is always at the configured path; rotation renames it aside with a date
// suffix and reopens the path. Before every batch the sink checks whether an
// external rotator moved the file and reopens if so.
type FileSink struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	maxSize int64
	day     string
	now     func() time.Time
}

var _ Sink = (*FileSink)(nil)

// NewFileSink opens (or creates) the audit file at path, creating missing
// parent directories. maxSize of 0 uses the 100 MiB default; negative
// disables size rotation.
func NewFileSink(path string, maxSize int64) (*FileSink, error) {
	if maxSize == 0 {
		maxSize = defaultMaxFileSize
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}

	s := &FileSink{path: path, maxSize: maxSize, now: time.Now}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit file %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit file %s: %w", s.path, err)
	}
	s.file = f
	s.size = info.Size()
	s.day = s.now().UTC().Format("2006-01-02")
	return nil
}

// Write appends one JSON line per event, rotating first when the UTC day
// changed or the size cap is hit.
func (s *FileSink) Write(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reopenIfMoved(); err != nil {
		return err
	}

	for _, e := range events {
		if day := e.Timestamp.UTC().Format("2006-01-02"); day != s.day {
			if err := s.rotate(); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.maxSize > 0 && s.size >= s.maxSize {
			if err := s.rotate(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding audit event: %w", err)
		}
		n, err := s.file.Write(append(line, '\n'))
		if err != nil {
			return fmt.Errorf("writing audit event: %w", err)
		}
		s.size += int64(n)
	}
	return nil
}

// reopenIfMoved reopens the path when an external rotator renamed or removed
// the live file out from under the open descriptor.
func (s *FileSink) reopenIfMoved() error {
	pathInfo, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = s.file.Close()
			return s.open()
		}
		return err
	}
	fileInfo, err := s.file.Stat()
	if err != nil || !os.SameFile(pathInfo, fileInfo) {
		_ = s.file.Close()
		return s.open()
	}
	return nil
}

// rotate renames the live file aside with its day as a suffix and reopens
// the path fresh. A numeric counter disambiguates repeated same-day
// rotations.
func (s *FileSink) rotate() error {
	_ = s.file.Sync()
	if err := s.file.Close(); err != nil {
		return err
	}

	target := fmt.Sprintf("%s.%s", s.path, s.day)
	for n := 1; ; n++ {
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			break
		}
		target = fmt.Sprintf("%s.%s.%d", s.path, s.day, n)
	}
	if err := os.Rename(s.path, target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	s.size = 0
	return s.open()
}

// Flush syncs the file to stable storage.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	_ = s.file.Sync()
	err := s.file.Close()
	s.file = nil
	return err
}

// WriterSink streams events as JSON Lines to any writer. Used for the
// "stdout" destination and as the test double for sink behavior.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Sink = (*WriterSink)(nil)

// NewStdoutSink returns a sink writing to standard output.
func NewStdoutSink() *WriterSink {
	return &WriterSink{w: os.Stdout}
}

// NewWriterSink returns a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding audit event: %w", err)
		}
	}
	return nil
}

func (s *WriterSink) Flush() error { return nil }
func (s *WriterSink) Close() error { return nil }
