// Package logging provides categorized logging for ralphlite.
// Each category writes to its own file under <stateDir>/logs/ and to a
// shared console core. Debug output is gated by config and RALPH_DEBUG.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, config, resume scan
	CategoryEngine    Category = "engine"    // frame loop, termination
	CategoryScheduler Category = "scheduler" // node states, runnable sets
	CategoryStore     Category = "store"     // output store, job queue
	CategoryAgent     Category = "agent"     // subprocess invocations
	CategoryWorkspace Category = "workspace" // workspace lifecycle
	CategoryMerge     Category = "merge"     // merge queue coordinator
	CategoryPipeline  Category = "pipeline"  // ticket pipeline, bridge
	CategoryVCS       Category = "vcs"       // jj subprocess calls
)

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*zap.SugaredLogger)
	logsDir   string
	debugMode bool
	console   zapcore.Core
)

// Initialize sets up the logging directory. Must be called once at startup.
// When debug is false only warn and above reach the console and no files are
// written.
func Initialize(stateDir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	if os.Getenv("RALPH_DEBUG") == "1" {
		debug = true
	}
	debugMode = debug
	logsDir = filepath.Join(stateDir, "logs")
	if debug {
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	level := zapcore.WarnLevel
	if debug {
		level = zapcore.DebugLevel
	}
	console = zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the sugared logger for a category, creating it on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if lg, ok := loggers[cat]; ok {
		mu.RUnlock()
		return lg
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if lg, ok := loggers[cat]; ok {
		return lg
	}
	loggers[cat] = build(cat)
	return loggers[cat]
}

func build(cat Category) *zap.SugaredLogger {
	cores := []zapcore.Core{}
	if console != nil {
		cores = append(cores, console)
	}
	if debugMode && logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			encCfg := zap.NewProductionEncoderConfig()
			encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encCfg),
				zapcore.AddSync(f),
				zapcore.DebugLevel,
			))
		}
	}
	if len(cores) == 0 {
		return zap.NewNop().Sugar()
	}
	return zap.New(zapcore.NewTee(cores...)).
		Named(string(cat)).
		Sugar()
}

// Convenience helpers for the hot categories.

// Engine logs an info message in the engine category.
func Engine(format string, args ...any) { Get(CategoryEngine).Infof(format, args...) }

// EngineDebug logs a debug message in the engine category.
func EngineDebug(format string, args ...any) { Get(CategoryEngine).Debugf(format, args...) }

// Store logs an info message in the store category.
func Store(format string, args ...any) { Get(CategoryStore).Infof(format, args...) }

// StoreDebug logs a debug message in the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debugf(format, args...) }

// Agent logs an info message in the agent category.
func Agent(format string, args ...any) { Get(CategoryAgent).Infof(format, args...) }

// Merge logs an info message in the merge category.
func Merge(format string, args ...any) { Get(CategoryMerge).Infof(format, args...) }

// Scheduler logs a debug message in the scheduler category.
func Scheduler(format string, args ...any) { Get(CategoryScheduler).Debugf(format, args...) }

// Pipeline logs a debug message in the pipeline category.
func Pipeline(format string, args ...any) { Get(CategoryPipeline).Debugf(format, args...) }
