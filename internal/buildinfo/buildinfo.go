// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns compile-time and platform metadata for "version" output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("tg-pipeline-engine %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent returns an HTTP User-Agent string for outgoing LLM/platform requests.
func UserAgent() string {
	return fmt.Sprintf("tg-pipeline-engine/%s (+https://github.com/romanmihailow/tg-pipeline-engine)", Version)
}
