package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// defaultSlowQuery is deliberately tight: the dispatcher's write load is
// dominated by single-row queue-frame appends issued from the scheduling
// and aggregation paths, and an append that takes longer than this delays
// every frame behind it.
const defaultSlowQuery = 50 * time.Millisecond

// queryLogger routes GORM's internal messages into zap.
type queryLogger struct {
	log       *zap.Logger
	level     gormlogger.LogLevel
	slowAfter time.Duration
}

func newQueryLogger(log *zap.Logger, level gormlogger.LogLevel, slowAfter time.Duration) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	if slowAfter <= 0 {
		slowAfter = defaultSlowQuery
	}
	return &queryLogger{log: log.Named("gorm"), level: level, slowAfter: slowAfter}
}

// LogMode derives a logger at a different level, used by GORM for
// per-session overrides like db.Debug().
func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...any) {
	l.printf(gormlogger.Info, msg, args...)
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...any) {
	l.printf(gormlogger.Warn, msg, args...)
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...any) {
	l.printf(gormlogger.Error, msg, args...)
}

func (l *queryLogger) printf(at gormlogger.LogLevel, msg string, args ...any) {
	if l.level < at {
		return
	}
	line := fmt.Sprintf(msg, args...)
	switch at {
	case gormlogger.Error:
		l.log.Error(line)
	case gormlogger.Warn:
		l.log.Warn(line)
	default:
		l.log.Info(line)
	}
}

// Trace reports one executed statement. gorm.ErrRecordNotFound never
// surfaces here: the store adapters translate it into the domain's
// not-found errors, so at this layer it is an expected outcome, not a
// fault. Statement text only reaches the log for failures, slow
// statements, and full tracing (gormlogger.Info), so per-frame append
// chatter stays out of production logs.
func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	took := time.Since(begin)

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		sql, rows := fc()
		l.log.Error("query failed",
			zap.Error(err), zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("took", took))
		return
	}
	if took >= l.slowAfter {
		sql, rows := fc()
		l.log.Warn("slow query",
			zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("took", took))
		return
	}
	if l.level >= gormlogger.Info {
		sql, rows := fc()
		l.log.Debug("query",
			zap.String("sql", sql), zap.Int64("rows", rows), zap.Duration("took", took))
	}
}
