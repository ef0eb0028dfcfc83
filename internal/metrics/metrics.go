package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Recorder 记录缓存层的关键指标。实现必须可并发调用，且不能 panic。
type Recorder interface {
	// Intercept 记录一次拦截的结果与耗时。
	Intercept(ctx context.Context, outcome, bucket string, duration time.Duration)
	// FetchFailure 记录一次回源失败，transport 为 true 表示无任何响应。
	FetchFailure(ctx context.Context, transport bool)
	// StaleDeletion 记录一次过期 store 删除。
	StaleDeletion(ctx context.Context, store string, err error)
	// Install 记录一次安装阶段执行结果。
	Install(ctx context.Context, entries int, err error)
}

type recorder struct {
	interceptCount metric.Int64Counter
	interceptHist  metric.Float64Histogram
	fetchFailures  metric.Int64Counter
	deletions      metric.Int64Counter
	installs       metric.Int64Counter
	precached      metric.Int64Counter
}

// New 基于 meter 创建 Recorder；meter 为空时退化为 noop。
func New(meter metric.Meter) (Recorder, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("noop")
	}

	interceptCount, err := meter.Int64Counter(
		"vcache.intercept.total",
		metric.WithDescription("Total number of intercepted requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	interceptHist, err := meter.Float64Histogram(
		"vcache.intercept.duration_ms",
		metric.WithDescription("Intercept duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	fetchFailures, err := meter.Int64Counter(
		"vcache.fetch.failures",
		metric.WithDescription("Upstream fetches that failed and were not cached"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	deletions, err := meter.Int64Counter(
		"vcache.store.deletions",
		metric.WithDescription("Stale store deletions attempted during activate"),
		metric.WithUnit("{store}"),
	)
	if err != nil {
		return nil, err
	}

	installs, err := meter.Int64Counter(
		"vcache.install.total",
		metric.WithDescription("Install phase executions"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	precached, err := meter.Int64Counter(
		"vcache.install.entries",
		metric.WithDescription("Entries stored by successful install phases"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &recorder{
		interceptCount: interceptCount,
		interceptHist:  interceptHist,
		fetchFailures:  fetchFailures,
		deletions:      deletions,
		installs:       installs,
		precached:      precached,
	}, nil
}

func (r *recorder) Intercept(ctx context.Context, outcome, bucket string, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if bucket != "" {
		attrs = append(attrs, attribute.String("bucket", bucket))
	}
	opt := metric.WithAttributes(attrs...)
	r.interceptCount.Add(ctx, 1, opt)
	r.interceptHist.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

func (r *recorder) FetchFailure(ctx context.Context, transport bool) {
	kind := "status"
	if transport {
		kind = "transport"
	}
	r.fetchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (r *recorder) StaleDeletion(ctx context.Context, store string, err error) {
	r.deletions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("result", result(err)),
	))
}

func (r *recorder) Install(ctx context.Context, entries int, err error) {
	r.installs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result(err))))
	if err == nil {
		r.precached.Add(ctx, int64(entries))
	}
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// Noop 返回不做任何事情的 Recorder。
func Noop() Recorder {
	return noopRecorder{}
}

type noopRecorder struct{}

func (noopRecorder) Intercept(context.Context, string, string, time.Duration) {}
func (noopRecorder) FetchFailure(context.Context, bool)                       {}
func (noopRecorder) StaleDeletion(context.Context, string, error)             {}
func (noopRecorder) Install(context.Context, int, error)                      {}
