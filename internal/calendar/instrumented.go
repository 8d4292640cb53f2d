package calendar

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/hitoshi/schedman/internal/metrics"
	"github.com/hitoshi/schedman/internal/tracing"
)

// instrumentedProvider はProviderの呼び出し結果とレイテンシをメトリクスに記録し、
// 呼び出しごとにクライアントスパンを生成する。
type instrumentedProvider struct {
	next    Provider
	metrics metrics.MetricsCollector
}

// NewInstrumentedProvider はメトリクス記録とトレース付きのProviderを返す。
func NewInstrumentedProvider(next Provider, collector metrics.MetricsCollector) Provider {
	if collector == nil {
		collector = metrics.Nop()
	}
	return &instrumentedProvider{next: next, metrics: collector}
}

func (p *instrumentedProvider) observe(span trace.Span, op string, start time.Time, err error) {
	// 404/410はスパンのエラーにしない
	if IsNotFound(err) {
		tracing.End(span, nil)
	} else {
		tracing.End(span, err)
	}

	p.metrics.RecordProviderLatency(op, time.Since(start))
	switch {
	case err == nil:
		p.metrics.RecordProviderCall(op, metrics.ResultSuccess)
	case IsNotFound(err):
		p.metrics.RecordProviderCall(op, metrics.ResultNotFound)
	default:
		p.metrics.RecordProviderCall(op, metrics.ResultFailure)
	}
}

func (p *instrumentedProvider) Insert(ctx context.Context, tok *oauth2.Token, event *gcal.Event) (*gcal.Event, error) {
	ctx, span := tracing.StartProviderSpan(ctx, "insert", "")
	start := time.Now()
	ev, err := p.next.Insert(ctx, tok, event)
	p.observe(span, "insert", start, err)
	return ev, err
}

func (p *instrumentedProvider) Get(ctx context.Context, tok *oauth2.Token, eventID string) (*gcal.Event, error) {
	ctx, span := tracing.StartProviderSpan(ctx, "get", eventID)
	start := time.Now()
	ev, err := p.next.Get(ctx, tok, eventID)
	p.observe(span, "get", start, err)
	return ev, err
}

func (p *instrumentedProvider) Update(ctx context.Context, tok *oauth2.Token, eventID string, event *gcal.Event) (*gcal.Event, error) {
	ctx, span := tracing.StartProviderSpan(ctx, "update", eventID)
	start := time.Now()
	ev, err := p.next.Update(ctx, tok, eventID, event)
	p.observe(span, "update", start, err)
	return ev, err
}

func (p *instrumentedProvider) Delete(ctx context.Context, tok *oauth2.Token, eventID string) error {
	ctx, span := tracing.StartProviderSpan(ctx, "delete", eventID)
	start := time.Now()
	err := p.next.Delete(ctx, tok, eventID)
	p.observe(span, "delete", start, err)
	return err
}

func (p *instrumentedProvider) ListManaged(ctx context.Context, tok *oauth2.Token) ([]*gcal.Event, error) {
	ctx, span := tracing.StartProviderSpan(ctx, "list", "")
	start := time.Now()
	events, err := p.next.ListManaged(ctx, tok)
	p.observe(span, "list", start, err)
	return events, err
}
