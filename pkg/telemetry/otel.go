package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

const (
	exporterStartTimeout = 10 * time.Second
	exportBatchSize      = 256
	exportInterval       = 2 * time.Second
)

// Config describes where render spans go and how they are labelled.
type Config struct {
	ServiceName string
	Version     string
	Environment string
	// Endpoint is host:port or an http:// or https:// URL. An http:// URL
	// implies Insecure.
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	// Headers are sent as gRPC metadata with every export. Keys are
	// lower-cased and entries with blank keys are dropped.
	Headers map[string]string
}

// SetupProvider installs the W3C propagators and, when an endpoint is
// configured, an OTLP/gRPC tracer provider for render spans. The returned
// function flushes and stops the provider; it is a no-op without an endpoint.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if strings.TrimSpace(cfg.Endpoint) == "" {
		return func(context.Context) error { return nil }, nil
	}

	startCtx, cancel := context.WithTimeout(ctx, exporterStartTimeout)
	defer cancel()
	exporter, err := otlptrace.New(startCtx, otlptracegrpc.NewClient(exporterOptions(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("start span exporter for %s: %w", cfg.Endpoint, err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(exportBatchSize),
			sdktrace.WithBatchTimeout(exportInterval),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func exporterOptions(cfg Config) []otlptracegrpc.Option {
	endpoint, insecure := splitEndpoint(cfg.Endpoint)
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure || cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if headers := exportHeaders(cfg.Headers); len(headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(headers))
	}
	return opts
}

// splitEndpoint strips a URL scheme from endpoint and reports whether the
// scheme asked for plaintext.
func splitEndpoint(endpoint string) (hostport string, insecure bool) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), false
	}
	return endpoint, false
}

func exportHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "polis-render"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}
	return res, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
