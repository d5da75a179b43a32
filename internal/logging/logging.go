package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Fatal(msg string, kv ...any)
}

// Entry is a log record kept in the in-memory ring for the logs endpoint.
type Entry struct {
	Time   time.Time      `json:"time"`
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type zapLogger struct {
	base   *zap.Logger
	sugar  *zap.SugaredLogger
	record bool
}

var (
	bufMu   sync.RWMutex
	recent  = make([]*Entry, 1000)
	nextIdx = 0

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// New creates a logger; honors env vars LOG_LEVEL (debug|info|warn|error), LOG_JSON (true|false).
func New(env string) Logger {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "info"
	}
	SetLevel(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	var enc zapcore.Encoder
	if os.Getenv("LOG_JSON") == "false" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).With(zap.String("env", env))
	return &zapLogger{base: base, sugar: base.Sugar(), record: true}
}

// Nop returns a logger that discards everything and leaves the ring untouched.
func Nop() Logger {
	base := zap.NewNop()
	return &zapLogger{base: base, sugar: base.Sugar()}
}

// Zap exposes the underlying zap logger for middleware that needs one.
func Zap(l Logger) *zap.Logger {
	if zl, ok := l.(*zapLogger); ok {
		return zl.base
	}
	return zap.NewNop()
}

// Level control
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "warn":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	case "fatal":
		level.SetLevel(zapcore.FatalLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

func GetLevel() string { return level.Level().String() }

func appendBuf(e *Entry) {
	bufMu.Lock()
	recent[nextIdx] = e
	nextIdx = (nextIdx + 1) % len(recent)
	bufMu.Unlock()
}

func fieldsFromKV(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			m[k] = err.Error()
			continue
		}
		m[k] = kv[i+1]
	}
	return m
}

func (l *zapLogger) write(lvl zapcore.Level, msg string, kv ...any) {
	if !level.Enabled(lvl) {
		return
	}
	if l.record {
		appendBuf(&Entry{Time: time.Now(), Level: lvl.String(), Msg: msg, Fields: fieldsFromKV(kv)})
	}
	switch lvl {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	case zapcore.FatalLevel:
		l.sugar.Fatalw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.write(zapcore.DebugLevel, msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.write(zapcore.InfoLevel, msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.write(zapcore.WarnLevel, msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.write(zapcore.ErrorLevel, msg, kv...) }
func (l *zapLogger) Fatal(msg string, kv ...any) {
	l.write(zapcore.FatalLevel, msg, kv...)
	os.Exit(1)
}

// Recent returns up to n most recent log entries (newest-first).
func Recent(n int) []*Entry {
	bufMu.RLock()
	defer bufMu.RUnlock()
	if n <= 0 || n > len(recent) {
		n = len(recent)
	}
	out := make([]*Entry, 0, n)
	i := (nextIdx - 1 + len(recent)) % len(recent)
	for c := 0; c < len(recent) && len(out) < n; c++ {
		if recent[i] != nil {
			out = append(out, recent[i])
		}
		i = (i - 1 + len(recent)) % len(recent)
	}
	return out
}
