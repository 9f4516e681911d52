package capture

import (
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"
)

// TextWriter is the character-oriented sink of a Response. Text is encoded
// as UTF-8.
type TextWriter struct {
	w io.Writer
}

// Write implements io.Writer.
func (t *TextWriter) Write(p []byte) (int, error) {
	return t.w.Write(p)
}

// WriteString implements io.StringWriter.
func (t *TextWriter) WriteString(s string) (int, error) {
	return t.w.Write([]byte(s))
}

// WriteRune writes the UTF-8 encoding of r.
func (t *TextWriter) WriteRune(r rune) (int, error) {
	var buf [utf8.UTFMax]byte
	n := utf8.EncodeRune(buf[:], r)
	return t.w.Write(buf[:n])
}

// Printf formats according to a format specifier and writes the result.
func (t *TextWriter) Printf(format string, args ...any) (int, error) {
	return fmt.Fprintf(t.w, format, args...)
}

// WriterFor returns a text writer for w. When w is a capturing Response the
// writer mode is acquired on it; any other ResponseWriter is wrapped as is.
func WriterFor(w http.ResponseWriter) (*TextWriter, error) {
	if r, ok := w.(*Response); ok {
		return r.Writer()
	}
	return &TextWriter{w: w}, nil
}
