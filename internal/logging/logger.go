// Package logging provides categorized logging for the ba-agent runtime.
// Each subsystem logs to its own category; categories map to separate
// files under <base>/logs/ when file logging is enabled, and everything
// is funneled through zap cores so level filtering and structured output
// come for free.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // process startup/shutdown
	CategoryStore     Category = "store"     // file store operations
	CategoryIndex     Category = "index"     // memory index
	CategoryEmbedding Category = "embedding" // embedding engine
	CategoryCompactor Category = "compactor" // memory compaction
	CategoryWatcher   Category = "watcher"   // memory watcher loop
	CategorySandbox   Category = "sandbox"   // sandbox executor
	CategoryAgent     Category = "agent"     // agent loop
	CategoryAPI       Category = "api"       // HTTP layer
	CategoryJanitor   Category = "janitor"   // file store janitor
)

// Options controls logger construction.
type Options struct {
	// Dir is where per-category log files are written. Empty disables
	// file output; logs then go to stderr only.
	Dir string

	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Console mirrors all categories to stderr.
	Console bool
}

// Logger is a category-bound sugared logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	opts    Options
	level   zapcore.Level
)

// Initialize configures the logging system. Safe to call once at startup;
// callers that skip it get stderr-only loggers at info level.
func Initialize(o Options) error {
	mu.Lock()
	defer mu.Unlock()

	opts = o
	switch o.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	if o.Dir != "" {
		if err := os.MkdirAll(o.Dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}

	// Drop any loggers built under the previous options.
	loggers = make(map[Category]*Logger)
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	l, ok := loggers[cat]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok = loggers[cat]; ok {
		return l
	}
	l = newLogger(cat)
	loggers[cat] = l
	return l
}

func newLogger(cat Category) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.Dir != "" {
		path := filepath.Join(opts.Dir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encCfg),
				zapcore.AddSync(f),
				level,
			))
		}
	}
	if opts.Console || len(cores) == 0 {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	z := zap.New(zapcore.NewTee(cores...)).Named(string(cat))
	return &Logger{category: cat, sugar: z.Sugar()}
}

// Debug logs at debug level with Printf formatting.
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs at info level with Printf formatting.
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs at warn level with Printf formatting.
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs at error level with Printf formatting.
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured key-value context.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(args...)}
}

// Timer measures the duration of an operation for performance logging.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation. Call Stop to log the duration.
func StartTimer(cat Category, operation string) *Timer {
	return &Timer{category: cat, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level, or warn when the operation
// took longer than a second.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s took %v (slow)", t.operation, elapsed)
		return
	}
	l.Debug("%s took %v", t.operation, elapsed)
}
