package filter

import (
	"bytes"
	"io"
	"net/http"
)

// bodyRecorder remembers what the first handler pass read from the request
// body so that a second pass sees the body from the start.
type bodyRecorder struct {
	src  io.ReadCloser
	read bytes.Buffer
}

// captureRequest returns the request for the capture pass. The transform needs
// the whole representation, so range headers are dropped and HEAD goes out as
// GET. The recorder is nil when r has no body.
func captureRequest(r *http.Request) (*http.Request, *bodyRecorder) {
	r2 := r.Clone(r.Context())
	r2.Header.Del("Range")
	r2.Header.Del("If-Range")
	if r2.Method == http.MethodHead {
		r2.Method = http.MethodGet
	}
	if r.Body == nil || r.Body == http.NoBody {
		return r2, nil
	}
	rec := &bodyRecorder{src: r.Body}
	r2.Body = rec
	return r2, rec
}

func (b *bodyRecorder) Read(p []byte) (int, error) {
	n, err := b.src.Read(p)
	b.read.Write(p[:n])
	return n, err
}

// Close leaves the underlying body open for the replay; the server closes it
// when the request ends.
func (b *bodyRecorder) Close() error {
	return nil
}

// replay returns r with a body that yields the recorded bytes followed by
// whatever the first pass left unread.
func (b *bodyRecorder) replay(r *http.Request) *http.Request {
	if b == nil {
		return r
	}
	r2 := r.Clone(r.Context())
	r2.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(b.read.Bytes()), b.src), b.src}
	return r2
}
