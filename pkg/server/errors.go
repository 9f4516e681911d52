package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-render/pkg/filter"
	"github.com/polisai/polis-render/pkg/logging"
	"github.com/polisai/polis-render/pkg/transform"
)

// Error codes reported in ErrorResponse.
const (
	CodeTransformFailed = "TRANSFORM_FAILED"
	CodeCaptureFailed   = "CAPTURE_FAILED"
	CodeRouteClosed     = "ROUTE_CLOSED"
)

// ErrorResponse is the JSON body written for a failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the failure.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// ErrorRenderer returns a filter.ErrorRenderer that logs the failure and
// writes an ErrorResponse. The response carries the annotated message only;
// the underlying cause stays in the log.
func ErrorRenderer(logger *slog.Logger) filter.ErrorRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status, code := classify(err)

		attrs := append(logging.RequestAttrs(r.Context()),
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.Any("error", err),
		)
		logger.LogAttrs(r.Context(), slog.LevelError, "Transform request failed", attrs...)

		message := http.StatusText(status)
		var reqErr *filter.RequestError
		if errors.As(err, &reqErr) {
			message = reqErr.Error()
		}
		writeErrorResponse(r.Context(), w, status, code, message)
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, filter.ErrClosed):
		return http.StatusServiceUnavailable, CodeRouteClosed
	case errors.Is(err, transform.ErrExecution), errors.Is(err, transform.ErrCompile):
		return http.StatusInternalServerError, CodeTransformFailed
	default:
		return http.StatusInternalServerError, CodeCaptureFailed
	}
}

func writeErrorResponse(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	resp := ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: logging.RequestID(ctx),
	}}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		resp.Error.TraceID = sc.TraceID().String()
	}

	h := w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Default().Error("Failed to encode error response", "error", err)
	}
}
