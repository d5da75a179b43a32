package db

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQuery is the duration above which statements are reported at warn level.
const slowQuery = 500 * time.Millisecond

// gormLogger forwards gorm output to the structured logger. Raw SQL is never
// logged; statements are reduced to an operation and a table name.
type gormLogger struct {
	l     logging.Logger
	level logger.LogLevel
}

func newGormLogger(l logging.Logger, lvl logger.LogLevel) *gormLogger {
	return &gormLogger{l: l, level: lvl}
}

func (g *gormLogger) LogMode(l logger.LogLevel) logger.Interface {
	cp := *g
	cp.level = l
	return &cp
}

func (g *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.l.Info("gorm", "msg", fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.l.Warn("gorm", "msg", fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.l.Error("gorm", "msg", fmt.Sprintf(msg, data...))
	}
}

// Trace reports one statement with its duration, affected rows and error.
func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	sql, rows := fc()
	dur := time.Since(begin)
	op, table := summarizeSQL(sql)
	fields := []any{"op", op, "table", table, "rows", rows, "durationMs", float64(dur) / 1e6, "caller", callerFileLine()}
	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		// lookups of absent monitors are routine
		if g.level >= logger.Info {
			g.l.Debug("gorm_sql", append(fields, "notFound", true)...)
		}
	case err != nil:
		if g.level >= logger.Error {
			g.l.Error("gorm_sql", append(fields, "error", err.Error())...)
		}
	case dur > slowQuery:
		if g.level >= logger.Warn {
			g.l.Warn("gorm_slow_sql", fields...)
		}
	default:
		if g.level >= logger.Info {
			g.l.Debug("gorm_sql", fields...)
		}
	}
}

// callerFileLine returns the first caller outside gorm.
func callerFileLine() string {
	for i := 2; i < 15; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if !strings.Contains(file, "gorm.io") {
			return file + ":" + strconv.Itoa(line)
		}
	}
	return ""
}

// summarizeSQL returns a masked summary like ("INSERT", "monitoring_results").
func summarizeSQL(sql string) (op string, table string) {
	q := strings.ToUpper(strings.Join(strings.Fields(sql), " "))
	if q == "" {
		return "", ""
	}
	op = strings.Fields(q)[0]
	s := q
	trimmed := false
	for _, prefix := range []string{"UPDATE ", "INSERT INTO ", "DELETE FROM "} {
		if strings.HasPrefix(s, prefix) {
			s, trimmed = s[len(prefix):], true
			break
		}
	}
	if !trimmed {
		if idx := strings.Index(s, " FROM "); idx >= 0 {
			s = s[idx+6:]
		} else if idx := strings.Index(s, " TABLE "); idx >= 0 {
			s = s[idx+7:]
		}
	}
	if ws := strings.Fields(s); len(ws) > 0 {
		table = strings.Trim(ws[0], "`\"(")
	}
	return op, strings.ToLower(table)
}
