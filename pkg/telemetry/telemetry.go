package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

type settings struct {
	out      io.Writer
	tees     []io.Writer
	minLevel string
	endpoint string
}

// Option customises Init.
type Option func(*settings)

// WithLogOutput copies every log line to w in addition to the primary output.
func WithLogOutput(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.tees = append(s.tees, w)
		}
	}
}

// WithMinLevel drops log lines below level. Unknown levels are ignored.
func WithMinLevel(level string) Option {
	return func(s *settings) {
		if _, ok := levelRank[normalizeLevel(level)]; ok {
			s.minLevel = normalizeLevel(level)
		}
	}
}

// WithEndpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.endpoint = endpoint }
}

// Init configures OpenTelemetry tracing, propagation, and structured logging for a service.
// Spans are exported over OTLP/HTTP when an endpoint is configured and kept
// in-process otherwise, so trace ids still show up in request logs.
func Init(ctx context.Context, serviceName string, opts ...Option) (Shutdown, Middleware, *log.Logger, error) {
	if serviceName == "" {
		return nil, nil, nil, errors.New("telemetry: service name is required")
	}

	s := settings{
		out:      os.Stdout,
		minLevel: levelFromEnv(),
		endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if s.endpoint != "" {
		exporter, err := newTraceExporter(ctx, s.endpoint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	writer := newJSONLogWriter(serviceName, s.output(), s.minLevel)
	logger := log.New(writer, "", 0)
	if s.endpoint == "" {
		logger.Printf("DEBUG telemetry: OTEL_EXPORTER_OTLP_ENDPOINT not set; spans are not exported")
	}

	shutdown := func(ctx context.Context) error {
		return tracerProvider.Shutdown(ctx)
	}

	return shutdown, newMiddleware(serviceName, writer), logger, nil
}

// NewLogger returns a JSON line logger without touching global tracing state.
// A nil w writes to stderr.
func NewLogger(serviceName string, w io.Writer, opts ...Option) *log.Logger {
	s := settings{out: w, minLevel: levelFromEnv()}
	if s.out == nil {
		s.out = os.Stderr
	}
	for _, opt := range opts {
		opt(&s)
	}
	return log.New(newJSONLogWriter(serviceName, s.output(), s.minLevel), "", 0)
}

func (s settings) output() io.Writer {
	if len(s.tees) == 0 {
		return s.out
	}
	return io.MultiWriter(append([]io.Writer{s.out}, s.tees...)...)
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}
