// Package logger is the process-wide structured logger. Warn and Error output
// can be sampled; the counters behind the health endpoint never are.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

const DefaultServiceName = "pulse-triggers"

// Options configures the process logger.
type Options struct {
	Level string
	// SampleRate logs one in SampleRate warnings and errors. Values below 2
	// log every record.
	SampleRate int
	// OTEL exports records over OTLP/gRPC instead of writing JSON to stdout.
	OTEL        bool
	ServiceName string
}

var (
	level      = new(slog.LevelVar)
	sampleRate atomic.Int32
	current    atomic.Pointer[slog.Logger]
	sink       atomic.Pointer[countingHandler]
	shutdown   func(context.Context) error
)

var (
	totalErrors    atomic.Int64
	totalWarnings  atomic.Int64
	http5xx        atomic.Int64
	http4xx        atomic.Int64
	http400        atomic.Int64
	http404        atomic.Int64
	slowRequests   atomic.Int64
	cooldownAlerts atomic.Int64
)

func init() {
	l, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		l = LevelInfo
	}
	level.Set(l)
	sampleRate.Store(1)
	install(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: LevelTrace}))
}

// Configure replaces the process logger. Call it once at startup, before
// serving traffic.
func Configure(ctx context.Context, opts Options) error {
	if opts.Level != "" {
		l, err := ParseLevel(opts.Level)
		if err != nil {
			return err
		}
		level.Set(l)
	}
	if opts.SampleRate > 0 {
		sampleRate.Store(int32(opts.SampleRate))
	}

	if !opts.OTEL {
		install(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: LevelTrace}))
		return nil
	}

	service := opts.ServiceName
	if service == "" {
		service = DefaultServiceName
	}
	h, stop, err := otelHandler(ctx, service)
	if err != nil {
		return err
	}
	install(h)
	shutdown = stop
	Info("OpenTelemetry logging enabled", "service", service, "sample_rate", sampleRate.Load())
	return nil
}

func otelHandler(ctx context.Context, service string) (slog.Handler, func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	return otelslog.NewHandler(service, otelslog.WithLoggerProvider(provider)), provider.Shutdown, nil
}

func install(h slog.Handler) {
	ch := &countingHandler{inner: h}
	l := slog.New(ch)
	sink.Store(ch)
	current.Store(l)
	slog.SetDefault(l)
}

// countingHandler counts every warning and error, then applies the level
// filter and sampling before handing the record on.
type countingHandler struct {
	inner slog.Handler
}

func (h *countingHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= LevelWarning || l >= level.Level()
}

func (h *countingHandler) Handle(ctx context.Context, r slog.Record) error {
	sampled := false
	switch {
	case r.Level >= LevelFatal:
	case r.Level >= LevelError:
		totalErrors.Add(1)
		sampled = true
	case r.Level >= LevelWarning:
		totalWarnings.Add(1)
		sampled = true
	}

	if r.Level < level.Level() {
		return nil
	}
	if sampled && !keep() {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{inner: h.inner.WithGroup(name)}
}

func keep() bool {
	n := sampleRate.Load()
	if n <= 1 {
		return true
	}
	return rand.Intn(int(n)) == 0
}

// Shutdown flushes the OTEL exporter, if one is configured.
func Shutdown(ctx context.Context) error {
	if shutdown != nil {
		return shutdown(ctx)
	}
	return nil
}

func SetLevel(l slog.Level) { level.Set(l) }

func GetLevel() slog.Level { return level.Level() }

// ParseLevel converts a level name to a slog.Level. An empty name is INFO.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// With returns a child logger carrying args on every record, e.g. an org id
// for the length of a batch.
func With(args ...any) *slog.Logger {
	return current.Load().With(args...)
}

func Trace(msg string, args ...any) {
	current.Load().Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) { current.Load().Debug(msg, args...) }

func Info(msg string, args ...any) { current.Load().Info(msg, args...) }

// Warn logs a warning. Output is subject to sampling.
func Warn(msg string, args ...any) { current.Load().Warn(msg, args...) }

// Error logs an error. Output is subject to sampling.
func Error(msg string, args ...any) { current.Load().Error(msg, args...) }

// Fatal logs, flushes any exporter and exits with status 1.
func Fatal(msg string, args ...any) {
	current.Load().Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// ObserveHTTPStatus counts 4xx and 5xx responses.
func ObserveHTTPStatus(status int) {
	switch {
	case status >= 500:
		http5xx.Add(1)
		totalErrors.Add(1)
	case status >= 400:
		http4xx.Add(1)
		totalWarnings.Add(1)
		switch status {
		case 400:
			http400.Add(1)
		case 404:
			http404.Add(1)
		}
	}
}

func WarnSlowRequest() {
	slowRequests.Add(1)
	totalWarnings.Add(1)
}

// AlertCooldownStore reports a cooldown store outage. It bypasses sampling:
// every occurrence suppressed a firing.
func AlertCooldownStore(msg string, args ...any) {
	cooldownAlerts.Add(1)
	totalErrors.Add(1)
	if LevelError >= level.Level() {
		r := slog.NewRecord(time.Now(), LevelError, msg, 0)
		r.Add(args...)
		_ = sink.Load().inner.Handle(context.Background(), r)
	}
}

// Counters returns the current counter values.
func Counters() map[string]int64 {
	return map[string]int64{
		"errors":          totalErrors.Load(),
		"warnings":        totalWarnings.Load(),
		"http_5xx":        http5xx.Load(),
		"http_4xx":        http4xx.Load(),
		"http_400":        http400.Load(),
		"http_404":        http404.Load(),
		"slow_requests":   slowRequests.Load(),
		"cooldown_alerts": cooldownAlerts.Load(),
	}
}
