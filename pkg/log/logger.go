// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})
	// Panicf is an alias for Panic.
	Panicf(format string, args ...interface{})
	// Fatalf is an alias for Fatal.
	Fatalf(format string, args ...interface{})

	// DebugBlock emits a multiline debug message with the given prefix.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock emits a multiline information message with the given prefix.
	InfoBlock(prefix string, format string, args ...interface{})
	// Block emits a multiline message with the given emitter function.
	Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{})

	// EnableDebug enables/disables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns a slog.Handler for this Logger.
	SlogHandler() slog.Handler
}

// logging encapsulates the full runtime state of logging.
type logging struct {
	sync.RWMutex
	level   Level             // lowest severity to pass through
	dbgmap  srcmap            // per-source debug settings
	loggers map[string]logger // active loggers by source
}

// logger implements Logger.
type logger struct {
	source string // source of our messages
	prefix string // prefix for our messages
	debug  bool   // debug messages enabled
}

var log = &logging{
	level:   DefaultLevel,
	loggers: make(map[string]logger),
}

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger creates the named logger. It is an alias for Get().
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return Get("default")
}

// SetLevel sets the lowest severity of messages to pass through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// get returns the named logger, creating it if necessary. Must be called
// with the logging state locked.
func (l *logging) get(source string) logger {
	lgr, ok := l.loggers[source]
	if !ok {
		lgr = logger{
			source: source,
			prefix: mkprefix(source),
			debug:  l.dbgmap.enabled(source),
		}
		l.loggers[source] = lgr
	}
	return lgr
}

// setDebug updates the per-logger debug state from the debug source map.
func (l *logging) setDebug(m srcmap) {
	l.dbgmap = m
	for source, lgr := range l.loggers {
		lgr.debug = m.enabled(source)
		l.loggers[source] = lgr
	}
}

// mkprefix formats the message prefix for a source.
func mkprefix(source string) string {
	return "[" + fmt.Sprintf("%*s", alignWidth, source) + "] "
}

const alignWidth = 12

func (l logger) format(format string, args ...interface{}) string {
	return l.prefix + fmt.Sprintf(format, args...)
}

func (l logger) Debug(format string, args ...interface{}) {
	if log.level > LevelDebug && !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, l.format("D: "+format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := l.format(format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ExitDepth(1, l.format(format, args...))
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l logger) Panicf(format string, args ...interface{}) { l.Panic(format, args...) }
func (l logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if l.DebugEnabled() {
		l.Block(l.Debug, prefix, format, args...)
	}
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.Block(l.Info, prefix, format, args...)
}

func (l logger) Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		fn("%s%s", prefix, line)
	}
}

func (l logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	lgr := log.get(l.source)
	old := lgr.debug
	lgr.debug = state
	log.loggers[l.source] = lgr
	return old
}

func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.loggers[l.source].debug
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
