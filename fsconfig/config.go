// Package fsconfig holds environment-driven defaults for the cmd/mkfs
// and cmd/fsck tools, in the style of the teacher's own env-backed
// configuration (akfs's internal/config): no files, no flags library,
// just a handful of typed getenv helpers with sane defaults.
package fsconfig

import (
	"os"
	"strconv"
	"strings"

	"tfs/limits"
)

// LogLevel mirrors flog's level space; kept here so Config has no
// import-cycle dependency on flog.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Config is the set of tunables cmd/mkfs and cmd/fsck read from the
// environment rather than hard-coding.
type Config struct {
	ImagePath string
	Size      uint32 // total blocks
	Ninodes   uint32
	Nlog      uint32
	LogLevel  LogLevel
}

// Load reads TFS_* environment variables, falling back to defaults
// sized for a small test volume.
func Load() *Config {
	return &Config{
		ImagePath: getEnv("TFS_IMAGE", "tfs.img"),
		Size:      getEnvUint32("TFS_SIZE", 1000),
		Ninodes:   getEnvUint32("TFS_NINODES", 200),
		Nlog:      getEnvUint32("TFS_NLOG", uint32(3*limits.MAXOPBLOCKS)),
		LogLevel:  parseLogLevel(getEnv("TFS_LOG_LEVEL", "info")),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(i)
		}
	}
	return defaultValue
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}
