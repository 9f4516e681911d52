// Package filter is the capture-transform-write middleware.
//
// A Filter is built once per route from a transform source. For every
// request it runs the downstream handler against a capture.Response, feeds the
// captured bytes to a fresh execution of the route's compiled program, and
// writes the output to the real response with its Content-Type and
// Content-Length. A handler that writes nothing is handled by the route's
// EmptyCapturePolicy instead.
package filter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-render/pkg/capture"
	"github.com/polisai/polis-render/pkg/logging"
	"github.com/polisai/polis-render/pkg/resource"
	"github.com/polisai/polis-render/pkg/telemetry"
	"github.com/polisai/polis-render/pkg/transform"
)

// EmptyCapturePolicy decides what happens when the downstream handler wrote
// no bytes to the capture.
type EmptyCapturePolicy string

const (
	// EmptyCaptureReplay invokes the downstream handler a second time against
	// the real response. This covers handlers that answer from a cache or
	// with a bodiless status such as 304 by writing around the capture.
	EmptyCaptureReplay EmptyCapturePolicy = "replay"

	// EmptyCaptureForward writes the captured status and headers with an
	// empty body and does not call the handler again.
	EmptyCaptureForward EmptyCapturePolicy = "forward"
)

// Config configures one route's filter.
type Config struct {
	// TransformPath is the logical path of the transform source. Required.
	TransformPath string
	// Route labels logs and metrics; defaults to TransformPath.
	Route string
	// EmptyCapture defaults to EmptyCaptureReplay.
	EmptyCapture EmptyCapturePolicy
	// SizeHint pre-sizes each capture buffer.
	SizeHint int
	// SpillThreshold moves captures larger than this many bytes to a temp
	// file. Zero keeps captures in memory.
	SpillThreshold int64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TransformPath == "" {
		return configErr("transform path is required")
	}
	switch c.EmptyCapture {
	case "", EmptyCaptureReplay, EmptyCaptureForward:
	default:
		return configErr("unknown empty capture policy %q", c.EmptyCapture)
	}
	if c.SizeHint < 0 {
		return configErr("size hint must not be negative")
	}
	if c.SpillThreshold < 0 {
		return configErr("spill threshold must not be negative")
	}
	return nil
}

// ErrorRenderer writes the response for a failed request.
type ErrorRenderer func(w http.ResponseWriter, r *http.Request, err error)

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithErrorRenderer sets the renderer Wrap uses for failed requests.
func WithErrorRenderer(render ErrorRenderer) Option {
	return func(f *Filter) {
		if render != nil {
			f.renderError = render
		}
	}
}

// WithRegistry sets the engine registry used to compile the transform.
func WithRegistry(reg *transform.Registry) Option {
	return func(f *Filter) {
		if reg != nil {
			f.registry = reg
		}
	}
}

// Filter is a ready route. It is safe for concurrent use; the compiled
// program is shared and every request gets its own capture and execution.
type Filter struct {
	cfg         Config
	program     transform.Program
	engine      string
	resolver    *resource.Resolver
	logger      *slog.Logger
	renderError ErrorRenderer
	registry    *transform.Registry
	closed      atomic.Bool
}

// New loads and compiles the transform source named by cfg from fsys. It
// fails with ErrConfig when the path is missing or names no resource, and
// with a *transform.CompileError when the source does not compile.
func New(ctx context.Context, cfg Config, fsys fs.FS, opts ...Option) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fsys == nil {
		return nil, configErr("no resource namespace")
	}
	if cfg.EmptyCapture == "" {
		cfg.EmptyCapture = EmptyCaptureReplay
	}

	f := &Filter{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: transform.DefaultRegistry(),
	}
	f.renderError = f.defaultRenderError
	for _, opt := range opts {
		opt(f)
	}

	source, ok := fsys.(resource.Source)
	if !ok {
		source = resource.Single(fsys)
	}
	f.resolver = resource.NewResolver(source)

	sourcePath, err := resource.ResolvePath(resource.NormalizeBase(cfg.TransformPath), "/")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if sourcePath == "" {
		return nil, configErr("transform path %q is outside the resource namespace", cfg.TransformPath)
	}
	if f.cfg.Route == "" {
		f.cfg.Route = sourcePath
	}

	data, found, err := source.Lookup(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrConfig, sourcePath, err)
	}
	if !found {
		return nil, configErr("transform source %s not found", sourcePath)
	}

	f.engine = f.registry.EngineFor(sourcePath).Name()
	prog, err := f.registry.Compile(ctx, data, sourcePath, f.resolver)
	telemetry.RecordCompile(ctx, f.engine, err == nil)
	if err != nil {
		return nil, err
	}
	f.program = prog

	out := prog.Output()
	f.logger.Debug("Transform compiled",
		"route", f.cfg.Route,
		"source", sourcePath,
		"engine", f.engine,
		"method", out.Method,
		"media_type", ResolveMediaType(out),
	)

	return f, nil
}

// Program returns the compiled transform.
func (f *Filter) Program() transform.Program {
	return f.program
}

// Route returns the route label.
func (f *Filter) Route() string {
	return f.cfg.Route
}

// Close stops the filter. Process fails with ErrClosed afterwards.
func (f *Filter) Close() error {
	f.closed.Store(true)
	return nil
}

// Wrap returns next behind the filter. Failed requests go to the filter's
// ErrorRenderer.
func (f *Filter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := f.Process(w, r, next); err != nil {
			f.renderError(w, r, err)
		}
	})
}

// Process runs one request through the filter. On success the real response
// has been written. On failure nothing has been written to w and the error is
// a *RequestError for the caller to render; after Close it is ErrClosed.
func (f *Filter) Process(w http.ResponseWriter, r *http.Request, next http.Handler) (err error) {
	if f.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	ctx, span := telemetry.StartSpan(r.Context(), "render.filter",
		attribute.String("render.route", f.cfg.Route),
		attribute.String("render.transform", f.program.Source()),
		attribute.String("url.path", r.URL.Path),
	)
	defer func() { telemetry.EndSpan(span, err) }()
	r = r.WithContext(ctx)

	buf := capture.NewResponse(
		capture.WithSizeHint(f.cfg.SizeHint),
		capture.WithSpillThreshold(f.cfg.SpillThreshold),
	)
	defer func() {
		if cerr := buf.Close(); cerr != nil {
			f.logger.WarnContext(ctx, "Failed to release capture", "error", cerr)
		}
	}()

	first, body := captureRequest(r)
	next.ServeHTTP(buf, first)

	captured := buf.Size()
	if captured == 0 {
		outcome := f.finishEmpty(w, r, buf, body, next)
		f.record(ctx, span, start, outcome, 0, 0, "")
		return nil
	}

	input, err := buf.Snapshot()
	if err != nil {
		return f.fail(ctx, span, start, r, captured, fmt.Errorf("read capture: %w", err))
	}

	output, err := f.program.Instantiate().Run(ctx, input, f.resolver)
	if err != nil {
		return f.fail(ctx, span, start, r, captured, err)
	}

	mediaType := ResolveMediaType(f.program.Output())
	header := w.Header()
	for key, values := range buf.Header() {
		if _, skip := sourceOnlyHeaders[key]; skip {
			continue
		}
		header[key] = append([]string(nil), values...)
	}
	header.Set("Content-Type", mediaType)
	header.Set("Content-Length", strconv.Itoa(len(output)))
	w.WriteHeader(buf.Status())

	if r.Method == http.MethodHead {
		f.record(ctx, span, start, telemetry.OutcomeTransformed, captured, len(output), mediaType)
		return nil
	}
	if _, werr := w.Write(output); werr != nil {
		// The status line is already out; nothing can be rendered.
		f.logger.LogAttrs(ctx, slog.LevelWarn, "Failed to write transformed response",
			append(logging.RequestAttrs(ctx), slog.String("route", f.cfg.Route), slog.Any("error", werr))...)
	}
	if ferr := http.NewResponseController(w).Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
		f.logger.DebugContext(ctx, "Flush failed", "route", f.cfg.Route, "error", ferr)
	}

	f.record(ctx, span, start, telemetry.OutcomeTransformed, captured, len(output), mediaType)
	return nil
}

func (f *Filter) finishEmpty(w http.ResponseWriter, r *http.Request, buf *capture.Response, body *bodyRecorder, next http.Handler) telemetry.Outcome {
	if f.cfg.EmptyCapture == EmptyCaptureForward {
		header := w.Header()
		for key, values := range buf.Header() {
			header[key] = append([]string(nil), values...)
		}
		w.WriteHeader(buf.Status())
		return telemetry.OutcomeForwarded
	}

	next.ServeHTTP(w, body.replay(r))
	return telemetry.OutcomeReplayed
}

func (f *Filter) fail(ctx context.Context, span trace.Span, start time.Time, r *http.Request, captured int, cause error) error {
	f.record(ctx, span, start, telemetry.OutcomeFailed, captured, 0, "")
	f.logger.LogAttrs(ctx, slog.LevelError, "Transform failed",
		append(logging.RequestAttrs(ctx),
			slog.String("route", f.cfg.Route),
			slog.String("path", r.URL.Path),
			slog.Any("error", cause),
		)...)
	return &RequestError{Path: r.URL.Path, Err: cause}
}

func (f *Filter) record(ctx context.Context, span trace.Span, start time.Time, outcome telemetry.Outcome, captured, rendered int, mediaType string) {
	elapsed := time.Since(start)
	telemetry.RecordOutcome(span, outcome, captured, rendered, mediaType)
	telemetry.RecordTransformMetrics(ctx, telemetry.TransformMetrics{
		Route:         f.cfg.Route,
		Engine:        f.engine,
		Outcome:       outcome,
		Duration:      elapsed,
		CapturedBytes: captured,
		RenderedBytes: rendered,
	})

	if f.logger.Enabled(ctx, slog.LevelDebug) {
		f.logger.LogAttrs(ctx, slog.LevelDebug, "Request filtered",
			append(logging.RequestAttrs(ctx),
				slog.String("route", f.cfg.Route),
				slog.String("outcome", string(outcome)),
				slog.Int("captured_bytes", captured),
				slog.Int("rendered_bytes", rendered),
				slog.Duration("duration", elapsed),
			)...)
	}
}

func (f *Filter) defaultRenderError(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, ErrClosed) {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// ResolveMediaType picks the response media type for a program: its declared
// media type, else the one implied by its output method, else text/xml.
func ResolveMediaType(out transform.Output) string {
	if out.MediaType != "" {
		return out.MediaType
	}
	if mt, ok := methodMediaTypes[out.Method]; ok {
		return mt
	}
	return defaultMediaType
}

const defaultMediaType = "text/xml"

var methodMediaTypes = map[string]string{
	"xml":  "text/xml",
	"html": "text/html",
	"text": "text/plain",
}

// sourceOnlyHeaders describe the captured representation and are not copied
// onto the transformed one.
var sourceOnlyHeaders = map[string]struct{}{
	"Content-Type":   {},
	"Content-Length": {},
	"Content-Range":  {},
	"Accept-Ranges":  {},
	"Etag":           {},
}
