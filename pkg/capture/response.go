// Package capture provides a buffering http.ResponseWriter that stores a
// handler's output instead of sending it, so the bytes can be transformed
// before they reach the client.
package capture

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrModeConflict is returned when a handler asks for the writer sink after
// taking the byte stream, or the other way round.
var ErrModeConflict = errors.New("capture: output mode already acquired")

// Mode records which output handle a Response has handed out.
type Mode int

const (
	// ModeUnset means no output handle has been acquired yet.
	ModeUnset Mode = iota
	// ModeWriter means the text writer was acquired.
	ModeWriter
	// ModeStream means the raw byte stream was acquired.
	ModeStream
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case ModeWriter:
		return "writer"
	case ModeStream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ModeConflictError describes a rejected acquisition.
type ModeConflictError struct {
	Held      Mode
	Requested Mode
}

func (e *ModeConflictError) Error() string {
	return fmt.Sprintf("capture: cannot acquire %s after %s", e.Requested, e.Held)
}

// Is reports whether target is ErrModeConflict.
func (e *ModeConflictError) Is(target error) bool {
	return target == ErrModeConflict
}

// Option configures a Response.
type Option func(*Response)

// WithSizeHint sets the initial capacity of the byte sink.
func WithSizeHint(n int) Option {
	return func(r *Response) {
		r.sizeHint = n
	}
}

// WithSpillThreshold moves captured bytes to a temp file once more than n
// bytes have been written. Zero or negative keeps everything in memory.
func WithSpillThreshold(n int64) Option {
	return func(r *Response) {
		r.spillThreshold = n
	}
}

// Response captures everything a handler writes. It is owned by a single
// request and is not safe for concurrent use.
type Response struct {
	header         http.Header
	status         int
	mode           Mode
	sink           *spool
	text           *TextWriter
	sizeHint       int
	spillThreshold int64
}

var (
	_ http.ResponseWriter = (*Response)(nil)
	_ http.Flusher        = (*Response)(nil)
)

// NewResponse returns an empty capturing response.
func NewResponse(opts ...Option) *Response {
	r := &Response{header: make(http.Header)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Header returns the header map the handler populates. It is not shared with
// the real response.
func (r *Response) Header() http.Header {
	return r.header
}

// WriteHeader records the status code. Only the first call counts.
func (r *Response) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

// Status returns the recorded status, or 200 when the handler never set one.
func (r *Response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Mode returns the acquired output mode.
func (r *Response) Mode() Mode {
	return r.mode
}

// Write appends p to the capture. It implicitly acquires the byte stream.
func (r *Response) Write(p []byte) (int, error) {
	if err := r.acquire(ModeStream); err != nil {
		return 0, err
	}
	return r.write(p)
}

// Stream returns the raw byte sink.
func (r *Response) Stream() (io.Writer, error) {
	if err := r.acquire(ModeStream); err != nil {
		return nil, err
	}
	return streamWriter{r: r}, nil
}

// Writer returns the text sink.
func (r *Response) Writer() (*TextWriter, error) {
	if err := r.acquire(ModeWriter); err != nil {
		return nil, err
	}
	if r.text == nil {
		r.text = &TextWriter{w: writerFunc(r.write)}
	}
	return r.text, nil
}

func (r *Response) acquire(m Mode) error {
	switch r.mode {
	case ModeUnset:
		r.mode = m
		return nil
	case m:
		return nil
	default:
		return &ModeConflictError{Held: r.mode, Requested: m}
	}
}

func (r *Response) write(p []byte) (int, error) {
	if r.sink == nil {
		r.sink = newSpool(r.sizeHint, r.spillThreshold)
	}
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.sink.Write(p)
}

// Size returns the number of bytes captured so far.
func (r *Response) Size() int {
	if r.sink == nil {
		return 0
	}
	return r.sink.len()
}

// SetSizeHint replaces the sink with a fresh, empty one of capacity n.
// Anything captured before the call is discarded.
func (r *Response) SetSizeHint(n int) {
	r.sizeHint = n
	if r.sink != nil {
		r.sink.cleanup()
	}
	r.sink = newSpool(n, r.spillThreshold)
}

// Reset discards captured content. The acquired mode is kept.
func (r *Response) Reset() {
	if r.sink != nil {
		r.sink.reset()
	}
}

// Snapshot returns a copy of the bytes captured so far. Later writes do not
// affect a returned snapshot.
func (r *Response) Snapshot() ([]byte, error) {
	if r.sink == nil {
		return []byte{}, nil
	}
	return r.sink.bytes()
}

// Spilled reports whether the capture moved to a temp file.
func (r *Response) Spilled() bool {
	return r.sink != nil && r.sink.spilled()
}

// Flush is a no-op; captured bytes are never sent before the handler returns.
func (r *Response) Flush() {}

// Close releases the sink, removing any spill file.
func (r *Response) Close() error {
	if r.sink != nil {
		r.sink.cleanup()
		r.sink = nil
	}
	return nil
}

type streamWriter struct {
	r *Response
}

func (s streamWriter) Write(p []byte) (int, error) {
	return s.r.write(p)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}
