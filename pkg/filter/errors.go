package filter

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks an unusable filter configuration. A route whose
	// filter fails with it never serves.
	ErrConfig = errors.New("filter: invalid configuration")

	// ErrClosed is returned by Process after Close.
	ErrClosed = errors.New("filter: closed")
)

// RequestError is a per-request failure annotated with the request path,
// including any trailing segments below the route pattern.
type RequestError struct {
	Path string
	Err  error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("error transforming %s", e.Path)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
