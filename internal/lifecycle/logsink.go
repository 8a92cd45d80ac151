package lifecycle

import (
	"context"
	"log/slog"

	"github.com/I90Runner/ledge/internal/metrics"
)

// LogSink records each lifecycle event as a structured debug log line,
// matching the teacher's slog-everywhere convention.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Emit(ctx context.Context, tag EventTag, ec EventContext) {
	l.Logger.Debug("lifecycle event",
		"event", string(tag),
		"root", ec.Root,
		"state", ec.State,
		"action", ec.Action,
		"status", ec.Status,
	)
}

// MetricsSink records cache-state and cache-action outcomes once a
// response is ready, feeding the counters spec §4.6 calls for.
type MetricsSink struct{}

func (MetricsSink) Emit(ctx context.Context, tag EventTag, ec EventContext) {
	if tag != EventResponseReady {
		return
	}
	if ec.State != "" {
		metrics.CacheStateTotal.WithLabelValues(ec.State).Inc()
	}
	if ec.Action != "" {
		metrics.CacheActionTotal.WithLabelValues(ec.Action).Inc()
	}
}
