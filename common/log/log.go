// Package log configures the process-wide logrus logger for the binaries.
package log

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/pipesched/common/log/hooks"
)

// Setup sets the global log level from levelName ("debug", "info", ...)
// and, when withCallSite is set, tags every entry with its file:line.
func Setup(levelName string, withCallSite bool) error {
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if withCallSite {
		log.AddHook(hooks.NewContextHook())
	}
	return nil
}

// LevelFromEnv returns the level named by env, or def when env is unset or invalid.
// Tests use it to turn on debug output without code changes.
func LevelFromEnv(env string, def log.Level) log.Level {
	if name := os.Getenv(env); name != "" {
		if level, err := log.ParseLevel(name); err == nil {
			return level
		}
	}
	return def
}
