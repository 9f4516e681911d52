package capture

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
)

// spool is the byte sink behind a Response. It keeps captured bytes in memory
// and, when a spill threshold is configured, moves them to a temp file once
// the threshold would be crossed.
type spool struct {
	threshold int64
	size      int64
	buffer    *bytes.Buffer
	file      *os.File
	tempPath  string
}

func newSpool(capacity int, threshold int64) *spool {
	if capacity < 0 {
		capacity = 0
	}
	s := &spool{
		threshold: threshold,
		buffer:    bytes.NewBuffer(make([]byte, 0, capacity)),
	}
	// Remove the temp file if the response is dropped without Close.
	runtime.SetFinalizer(s, func(sp *spool) {
		sp.cleanup()
	})
	return s
}

func (s *spool) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if s.file != nil {
		n, err := s.file.Write(p)
		s.size += int64(n)
		return n, err
	}

	projected := s.size + int64(len(p))
	if s.threshold <= 0 || projected <= s.threshold {
		n, err := s.buffer.Write(p)
		s.size += int64(n)
		return n, err
	}

	if err := s.promoteToFile(); err != nil {
		return 0, err
	}

	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *spool) promoteToFile() error {
	file, err := os.CreateTemp("", "polis-render-capture-*")
	if err != nil {
		return fmt.Errorf("capture: failed to create spill file: %w", err)
	}
	s.tempPath = file.Name()

	if s.buffer.Len() > 0 {
		if _, err := file.Write(s.buffer.Bytes()); err != nil {
			_ = file.Close()
			_ = os.Remove(s.tempPath)
			s.tempPath = ""
			return fmt.Errorf("capture: failed to persist buffer: %w", err)
		}
		s.buffer.Reset()
	}

	s.file = file
	return nil
}

// bytes returns a copy of everything written so far.
func (s *spool) bytes() ([]byte, error) {
	if s.file == nil {
		return bytes.Clone(s.buffer.Bytes()), nil
	}

	out := make([]byte, s.size)
	if _, err := s.file.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("capture: failed to read spill file: %w", err)
	}
	return out, nil
}

func (s *spool) spilled() bool {
	return s.file != nil
}

func (s *spool) len() int {
	if s.size < 0 {
		return 0
	}
	return int(s.size)
}

func (s *spool) reset() {
	s.dropFile()
	s.buffer.Reset()
	s.size = 0
}

func (s *spool) cleanup() {
	s.dropFile()
	s.buffer = bytes.NewBuffer(nil)
	s.size = 0
	runtime.SetFinalizer(s, nil)
}

func (s *spool) dropFile() {
	if s.file == nil {
		return
	}
	path := s.tempPath
	if path == "" {
		path = s.file.Name()
	}
	_ = s.file.Close()
	_ = os.Remove(path)
	s.file = nil
	s.tempPath = ""
}
