// Package flog is a level-gated wrapper over log.Printf, in the style
// of the teacher's internal/logger: a package-level level guards four
// severity helpers, with no dependency beyond the standard library.
package flog

import (
	"log"
	"sync"

	"tfs/fsconfig"
)

var (
	mu    sync.RWMutex
	level = fsconfig.LogLevelInfo
)

// SetLevel changes the package-level minimum severity that gets
// printed.
func SetLevel(l fsconfig.LogLevel) {
	mu.Lock()
	level = l
	mu.Unlock()
}

func getLevel() fsconfig.LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

func Debug(format string, args ...interface{}) {
	if getLevel() <= fsconfig.LogLevelDebug {
		log.Printf("[DEBUG] "+format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if getLevel() <= fsconfig.LogLevelInfo {
		log.Printf("[INFO] "+format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if getLevel() <= fsconfig.LogLevelWarn {
		log.Printf("[WARN] "+format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if getLevel() <= fsconfig.LogLevelError {
		log.Printf("[ERROR] "+format, args...)
	}
}
