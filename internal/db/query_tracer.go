package db

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
)

const slowQueryThreshold = 250 * time.Millisecond

type queryTraceKey struct{}

type queryTrace struct {
	span    *sentry.Span
	query   string
	started time.Time
}

// queryTracer opens a Sentry child span per statement when the request is
// traced and logs statements slower than slowQueryThreshold.
type queryTracer struct {
	threshold time.Duration
}

func newQueryTracer() *queryTracer {
	return &queryTracer{threshold: slowQueryThreshold}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	trace := &queryTrace{query: normalizeQuery(data.SQL), started: time.Now()}

	if sentry.SpanFromContext(ctx) != nil {
		trace.span = sentry.StartSpan(ctx, "db.sql.query",
			sentry.WithDescription(trace.query),
			sentry.WithSpanOrigin(sentry.SpanOriginManual),
		)
		trace.span.SetData("db.system", "postgresql")
		if operation := queryOperation(trace.query); operation != "" {
			trace.span.SetData("db.operation", operation)
		}
		ctx = trace.span.Context()
	}

	return context.WithValue(ctx, queryTraceKey{}, trace)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	trace, _ := ctx.Value(queryTraceKey{}).(*queryTrace)
	if trace == nil {
		return
	}

	if elapsed := time.Since(trace.started); elapsed >= t.threshold {
		slog.WarnContext(ctx, "slow query",
			"operation", queryOperation(trace.query),
			"duration_ms", elapsed.Milliseconds(),
			"rows_affected", data.CommandTag.RowsAffected(),
		)
	}

	if trace.span == nil {
		return
	}
	if data.Err != nil {
		trace.span.Status = sentry.SpanStatusInternalError
		trace.span.SetData("db.error", data.Err.Error())
	} else {
		trace.span.Status = sentry.SpanStatusOK
	}
	trace.span.SetData("db.rows_affected", data.CommandTag.RowsAffected())
	trace.span.Finish()
}

func normalizeQuery(query string) string {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		return "sql.query"
	}

	const maxLen = 512
	if len(normalized) > maxLen {
		return normalized[:maxLen]
	}
	return normalized
}

func queryOperation(query string) string {
	operation, _, _ := strings.Cut(strings.TrimSpace(query), " ")
	return strings.ToUpper(operation)
}
