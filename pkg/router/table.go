// Package router turns route configuration into a serving table of filters
// and swaps tables atomically when the configuration is reloaded.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-render/pkg/config"
	"github.com/polisai/polis-render/pkg/filter"
	"github.com/polisai/polis-render/pkg/resource"
	"github.com/polisai/polis-render/pkg/transform"
)

// Options tunes Build.
type Options struct {
	Logger        *slog.Logger
	ErrorRenderer filter.ErrorRenderer
	Registry      *transform.Registry
	// Transport is used by reverse-proxy upstreams. Defaults to an
	// otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper
}

// RouteInfo describes a compiled route.
type RouteInfo struct {
	Pattern      string `json:"pattern"`
	Transform    string `json:"transform"`
	Engine       string `json:"engine"`
	MediaType    string `json:"media_type"`
	EmptyCapture string `json:"empty_capture"`
	Upstream     string `json:"upstream"`
}

// Table is an immutable set of compiled routes.
type Table struct {
	mux     *http.ServeMux
	filters []*filter.Filter
	routes  []RouteInfo

	mu      sync.Mutex
	active  int
	retired bool
	closed  bool
}

// Build compiles every configured route. Routes compile in parallel; the
// first failure aborts the build and no table is returned.
func Build(ctx context.Context, cfg *config.Config, ns *resource.Namespace, opts Options) (*Table, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	filters := make([]*filter.Filter, len(cfg.Routes))
	g, gctx := errgroup.WithContext(ctx)
	for i, rc := range cfg.Routes {
		g.Go(func() error {
			f, err := filter.New(gctx, filter.Config{
				TransformPath:  rc.Transform,
				Route:          rc.Pattern,
				EmptyCapture:   filter.EmptyCapturePolicy(rc.EmptyCapture),
				SizeHint:       rc.SizeHint,
				SpillThreshold: rc.SpillThreshold,
			}, ns,
				filter.WithLogger(opts.Logger),
				filter.WithErrorRenderer(opts.ErrorRenderer),
				filter.WithRegistry(opts.Registry),
			)
			if err != nil {
				return fmt.Errorf("route %s: %w", rc.Pattern, err)
			}
			filters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(filters)
		return nil, err
	}

	t := &Table{mux: http.NewServeMux(), filters: filters}

	fallback, err := upstreamHandler(cfg.Upstream.URL, ns, opts)
	if err != nil {
		closeAll(filters)
		return nil, err
	}

	hasRoot := false
	for i, rc := range cfg.Routes {
		next := fallback
		upstream := cfg.Upstream.URL
		if rc.Upstream != "" {
			upstream = rc.Upstream
			if next, err = upstreamHandler(rc.Upstream, ns, opts); err != nil {
				closeAll(filters)
				return nil, err
			}
		}
		if err := register(t.mux, rc.Pattern, filters[i].Wrap(next)); err != nil {
			closeAll(filters)
			return nil, err
		}
		if rc.Pattern == "/" {
			hasRoot = true
		}

		prog := filters[i].Program()
		policy := rc.EmptyCapture
		if policy == "" {
			policy = config.EmptyCaptureReplay
		}
		if upstream == "" {
			upstream = "static"
		}
		t.routes = append(t.routes, RouteInfo{
			Pattern:      rc.Pattern,
			Transform:    prog.Source(),
			Engine:       transformEngine(opts.Registry, prog.Source()),
			MediaType:    filter.ResolveMediaType(prog.Output()),
			EmptyCapture: policy,
			Upstream:     upstream,
		})
	}

	// Unrouted paths pass straight through.
	if !hasRoot {
		if err := register(t.mux, "/", fallback); err != nil {
			closeAll(filters)
			return nil, err
		}
	}

	return t, nil
}

func transformEngine(reg *transform.Registry, source string) string {
	if reg == nil {
		reg = transform.DefaultRegistry()
	}
	if e := reg.EngineFor(source); e != nil {
		return e.Name()
	}
	return ""
}

// register adds a handler, turning ServeMux pattern panics into errors.
func register(mux *http.ServeMux, pattern string, h http.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route %s: %v", pattern, r)
		}
	}()
	mux.Handle(pattern, h)
	return nil
}

func upstreamHandler(rawURL string, ns *resource.Namespace, opts Options) (http.Handler, error) {
	if rawURL == "" {
		return http.FileServer(http.FS(ns)), nil
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", rawURL, err)
	}

	logger := opts.Logger
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// Let the transport negotiate compression so captured bodies
			// arrive decoded.
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport: opts.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.ErrorContext(r.Context(), "Upstream request failed", "upstream", target.Host, "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}

// ServeHTTP dispatches to the route matching r.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mux.ServeHTTP(w, r)
}

// Routes describes the compiled routes in configuration order.
func (t *Table) Routes() []RouteInfo {
	return append([]RouteInfo(nil), t.routes...)
}

func (t *Table) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return false
	}
	t.active++
	return true
}

func (t *Table) release() {
	t.mu.Lock()
	t.active--
	drained := t.retired && t.active == 0 && !t.closed
	if drained {
		t.closed = true
	}
	t.mu.Unlock()

	if drained {
		closeAll(t.filters)
	}
}

// Close retires the table. Its filters close once in-flight requests that
// acquired the table through a Router have finished.
func (t *Table) Close() error {
	t.mu.Lock()
	t.retired = true
	drained := t.active == 0 && !t.closed
	if drained {
		t.closed = true
	}
	t.mu.Unlock()

	if drained {
		return closeAll(t.filters)
	}
	return nil
}

func closeAll(filters []*filter.Filter) error {
	var errs []error
	for _, f := range filters {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
