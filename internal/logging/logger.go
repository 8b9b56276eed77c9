// Package logging provides config-driven categorized logging for trustgate.
// Every subsystem logs through its own Category so that noisy areas (listener
// frames, embedding calls) can be silenced without losing decision records.
// The backend is a single zap logger; categories become a "cat" field.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, shutdown, wiring
	CategoryConfig     Category = "config"     // Config load, validation, hot reload
	CategoryListener   Category = "listener"   // Event connection, auth, reconnects
	CategoryResponder  Category = "responder"  // Strategy chain decisions
	CategoryTrust      Category = "trust"      // Trust levels and circuit breakers
	CategoryRouting    Category = "routing"    // Active hours / availability routing
	CategoryClassifier Category = "classifier" // Category classification
	CategoryPrediction Category = "prediction" // CBR votes and ICRL fallback
	CategoryEmbedding  Category = "embedding"  // Embedding engine
	CategoryLLM        Category = "llm"        // LLM calls
	CategoryStore      Category = "store"      // SQLite persistence
	CategorySubmit     Category = "submit"     // Response submission and notifications
	CategoryAPI        Category = "api"        // Ratification HTTP API
)

// Options configures the zap backend.
type Options struct {
	// Level: debug, info, warn, error
	Level string
	// Format: json or console
	Format string
	// File is an optional extra output path (stderr is always used)
	File string
	// Categories disables individual categories when set to false.
	// Missing categories are enabled.
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from options. Safe to call again
// (e.g. after a config reload); cached category loggers are dropped.
func Initialize(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unsupported log format: %s (use 'json' or 'console')", opts.Format)
	}

	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		cfg.Level = level
	}
	cfg.OutputPaths = []string{"stderr"}
	if opts.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	SetBase(logger)
	mu.Lock()
	categories = opts.Categories
	mu.Unlock()
	return logger, nil
}

// SetBase replaces the backing zap logger. Tests pass zap.NewNop() or an
// observer core.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	loggers = make(map[Category]*Logger)
}

// Base returns the backing zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered log entries.
func Sync() error {
	return Base().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    base.With(zap.String("cat", string(category))).Sugar(),
	}
	loggers[category] = l
	return l
}

// With returns a child logger carrying structured key/value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Enabled reports whether the given level would be written.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.sugar.Desugar().Core().Enabled(level)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

func Boot(format string, args ...interface{})            { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{})       { Get(CategoryBoot).Debug(format, args...) }
func Config(format string, args ...interface{})          { Get(CategoryConfig).Info(format, args...) }
func Listener(format string, args ...interface{})        { Get(CategoryListener).Info(format, args...) }
func ListenerDebug(format string, args ...interface{})   { Get(CategoryListener).Debug(format, args...) }
func Responder(format string, args ...interface{})       { Get(CategoryResponder).Info(format, args...) }
func ResponderDebug(format string, args ...interface{})  { Get(CategoryResponder).Debug(format, args...) }
func Trust(format string, args ...interface{})           { Get(CategoryTrust).Info(format, args...) }
func TrustDebug(format string, args ...interface{})      { Get(CategoryTrust).Debug(format, args...) }
func Routing(format string, args ...interface{})         { Get(CategoryRouting).Info(format, args...) }
func RoutingDebug(format string, args ...interface{})    { Get(CategoryRouting).Debug(format, args...) }
func ClassifierDebug(format string, args ...interface{}) { Get(CategoryClassifier).Debug(format, args...) }
func Prediction(format string, args ...interface{})      { Get(CategoryPrediction).Info(format, args...) }
func PredictionDebug(format string, args ...interface{}) { Get(CategoryPrediction).Debug(format, args...) }
func Embedding(format string, args ...interface{})       { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{})  { Get(CategoryEmbedding).Debug(format, args...) }
func LLMDebug(format string, args ...interface{})        { Get(CategoryLLM).Debug(format, args...) }
func Store(format string, args ...interface{})           { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})      { Get(CategoryStore).Debug(format, args...) }
func Submit(format string, args ...interface{})          { Get(CategorySubmit).Info(format, args...) }
func SubmitWarn(format string, args ...interface{})      { Get(CategorySubmit).Warn(format, args...) }
func API(format string, args ...interface{})             { Get(CategoryAPI).Info(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
