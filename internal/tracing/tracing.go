// Package tracing はOpenTelemetryによる分散トレーシングの初期化とスパン生成を提供する。
// エクスポーターが未設定（none）の場合はグローバルのno-opプロバイダーのままにする。
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName はこのサービスのスパンに付けるトレーサー名。
const TracerName = "github.com/hitoshi/schedman"

// エクスポーター種別
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// スパン属性キー
const (
	AttrOperation = "calendar.operation"
	AttrEventID   = "calendar.event_id"
)

// Config はトレーシングの設定。
type Config struct {
	ServiceName  string
	Exporter     string  // none, stdout, otlp
	OTLPEndpoint string  // otlpの場合に必須（host:port）
	OTLPInsecure bool    // TLSを使わない（ローカル開発用）
	SamplingRate float64 // 0.0〜1.0。親スパンのサンプリング判定を優先する
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.OTLPEndpoint == "" {
			return errors.New("OTLP endpoint is required for otlp tracing exporter")
		}
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: none, stdout, otlp", c.Exporter)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("invalid trace sampling rate %v, must be between 0 and 1", c.SamplingRate)
	}
	return nil
}

// ShutdownFunc は保留中のスパンをフラッシュしてプロバイダーを停止する。
type ShutdownFunc func(ctx context.Context) error

// Setup は設定に従ってグローバルのTracerProviderとプロパゲーターを設定する。
// stdoutエクスポーターはwに書き出す（nilならno-op扱い）。
func Setup(ctx context.Context, cfg Config, w io.Writer) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	if err := cfg.Validate(); err != nil {
		return noop, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", ExporterNone:
		return noop, nil

	case ExporterStdout:
		if w == nil {
			return noop, nil
		}
		slog.Warn("stdout trace exporter enabled; use for development only")
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return noop, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		exporter = exp

	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			slog.Warn("OTLP insecure transport enabled",
				slog.String("endpoint", cfg.OTLPEndpoint),
			)
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return noop, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		exporter = exp
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "schedman"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(tp)

	slog.Info("tracing enabled",
		slog.String("exporter", cfg.Exporter),
		slog.Float64("sampling_rate", cfg.SamplingRate),
	)
	return tp.Shutdown, nil
}

// StartProviderSpan はカレンダープロバイダー呼び出しのクライアントスパンを開始する。
// 呼び出し側はdefer span.End()で終了すること。
func StartProviderSpan(ctx context.Context, operation, eventID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String(AttrOperation, operation)}
	if eventID != "" {
		attrs = append(attrs, attribute.String(AttrEventID, eventID))
	}
	return otel.Tracer(TracerName).Start(ctx, "calendar."+operation,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartJobSpan はワーカージョブ1サイクル分の内部スパンを開始する。
func StartJobSpan(ctx context.Context, job string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "job."+job, trace.WithSpanKind(trace.SpanKindInternal))
}

// End はerrに応じてスパンのステータスを設定して終了する。
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID はコンテキストのスパンのトレースIDを返す。有効なスパンが無ければ空文字。
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
