package goxa

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recovery"
)

// 未安装 MeterProvider 时所有指标都是 no-op
type metrics struct {
	begun          metric.Int64Counter
	completed      metric.Int64Counter
	heuristics     metric.Int64Counter
	commitDuration metric.Int64Histogram
	recovered      metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/xiaoxuxiansheng/goxa")
	m := &metrics{}
	var err error

	m.begun, err = meter.Int64Counter(
		"goxa.tx.begun",
		metric.WithDescription("Transactions begun"),
	)
	logMetricInitError("goxa.tx.begun", err)

	m.completed, err = meter.Int64Counter(
		"goxa.tx.completed",
		metric.WithDescription("Transactions reaching a terminal status"),
	)
	logMetricInitError("goxa.tx.completed", err)

	m.heuristics, err = meter.Int64Counter(
		"goxa.tx.heuristics",
		metric.WithDescription("Transactions whose outcome is not known for every branch"),
	)
	logMetricInitError("goxa.tx.heuristics", err)

	m.commitDuration, err = meter.Int64Histogram(
		"goxa.tx.commit.duration_ms",
		metric.WithDescription("Time spent completing a transaction commit"),
		metric.WithUnit("ms"),
	)
	logMetricInitError("goxa.tx.commit.duration_ms", err)

	m.recovered, err = meter.Int64Counter(
		"goxa.recovery.branches",
		metric.WithDescription("In-doubt branches handled by recovery"),
	)
	logMetricInitError("goxa.recovery.branches", err)

	return m
}

func (m *metrics) recordBegin(ctx context.Context) {
	if m == nil || m.begun == nil {
		return
	}
	m.begun.Add(ctx, 1)
}

func (m *metrics) recordCompletion(ctx context.Context, status Status, started time.Time) {
	if m == nil || m.completed == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("goxa.tx.status", status.String()))
	m.completed.Add(ctx, 1, attrs)
	if m.commitDuration != nil && !started.IsZero() {
		m.commitDuration.Record(ctx, time.Since(started).Milliseconds(), attrs)
	}
}

func (m *metrics) recordHeuristic(ctx context.Context, phase string) {
	if m == nil || m.heuristics == nil {
		return
	}
	m.heuristics.Add(ctx, 1, metric.WithAttributes(attribute.String("goxa.tx.phase", phase)))
}

func (m *metrics) recordRecovery(ctx context.Context, report *recovery.Report) {
	if m == nil || m.recovered == nil || report == nil {
		return
	}
	add := func(outcome string, n int) {
		if n == 0 {
			return
		}
		m.recovered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("goxa.recovery.outcome", outcome)))
	}
	add("committed", report.Committed)
	add("rolledback", report.RolledBack)
	add("failed", report.Failed)
}

func logMetricInitError(name string, err error) {
	if err == nil {
		return
	}
	log.Warnf("failed to initialize metric %s: %v", name, err)
}
