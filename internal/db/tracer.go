package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/ticketdesk/internal/metrics"
	"go.uber.org/zap"
)

type traceKey struct{}

type traceStart struct {
	at  time.Time
	sql string
}

// SlowQueryTracer records every query's duration and logs the ones above a threshold.
type SlowQueryTracer struct {
	logger    *zap.Logger
	threshold time.Duration
}

func NewSlowQueryTracer(logger *zap.Logger, threshold time.Duration) *SlowQueryTracer {
	if threshold <= 0 {
		threshold = 100 * time.Millisecond
	}
	return &SlowQueryTracer{logger: logger.Named("db"), threshold: threshold}
}

func (t *SlowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{at: time.Now(), sql: data.SQL})
}

func (t *SlowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}

	took := time.Since(start.at)
	op := operationOf(start.sql)
	slow := took > t.threshold
	metrics.RecordDBQuery(op, took, slow)

	if !slow {
		return
	}

	sql := strings.Join(strings.Fields(start.sql), " ")
	if len(sql) > 200 {
		sql = sql[:200] + "..."
	}
	t.logger.Warn("slow query",
		zap.String("sql", sql),
		zap.Duration("took", took),
		zap.String("command_tag", data.CommandTag.String()),
		zap.Error(data.Err),
	)
}

// operationOf returns the leading SQL keyword, upper-cased, for metric labels.
func operationOf(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	op := strings.ToUpper(fields[0])
	switch op {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "WITH", "CREATE", "ALTER":
		return op
	default:
		return "OTHER"
	}
}
