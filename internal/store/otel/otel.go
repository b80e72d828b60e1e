// Package otel exports audit events as OpenTelemetry log records over OTLP.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"

	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/pkg/types"
)

const scopeName = "github.com/agentsh/execgate"

type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"
	// Insecure disables TLS towards the collector.
	Insecure bool
	Headers  map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter   Filter
	Resource *resource.Resource
}

// Store implements store.EventStore by exporting events via OTLP. Export
// happens in batches off the caller's path; failures surface only on Close.
type Store struct {
	filter      Filter
	logProvider *sdklog.LoggerProvider
	logger      otellog.Logger
}

// New creates the exporter and batch processor. The collector is not
// contacted until the first batch is sent.
func New(ctx context.Context, cfg Config) (*Store, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 5 * time.Second
	}
	batchMaxSize := cfg.BatchMaxSize
	if batchMaxSize == 0 {
		batchMaxSize = 512
	}

	exp, err := newLogExporter(ctx, cfg, timeout)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}
	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(timeout),
		sdklog.WithExportInterval(batchTimeout),
		sdklog.WithExportMaxBatchSize(batchMaxSize),
	)
	return newStore(proc, cfg), nil
}

func newStore(proc sdklog.Processor, cfg Config) *Store {
	res := cfg.Resource
	if res == nil {
		res = BuildResource("execgate", nil)
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(proc),
		sdklog.WithResource(res),
	)
	return &Store{
		filter:      cfg.Filter,
		logProvider: provider,
		logger:      provider.Logger(scopeName),
	}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	category := events.EventCategory[events.EventType(ev.Type)]
	var decision string
	if ev.Policy != nil {
		decision = string(ev.Policy.Decision)
	}
	if !s.filter.Match(ev.Type, category, decision) {
		return nil
	}
	s.logger.Emit(eventContext(ctx, ev), convertToLogRecord(ev))
	return nil
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("otel store does not support queries")
}

// Close flushes pending records, waiting at most 10 seconds.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.logProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("otel log provider shutdown: %w", err)
	}
	return nil
}

func newLogExporter(ctx context.Context, cfg Config, timeout time.Duration) (sdklog.Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is empty")
	}
	switch cfg.Protocol {
	case "grpc", "":
		opts := []otlploggrpc.Option{
			otlploggrpc.WithEndpoint(cfg.Endpoint),
			otlploggrpc.WithTimeout(timeout),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		} else {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		return otlploggrpc.New(ctx, opts...)

	case "http":
		opts := []otlploghttp.Option{
			otlploghttp.WithEndpoint(cfg.Endpoint),
			otlploghttp.WithTimeout(timeout),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		} else {
			opts = append(opts, otlploghttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}
