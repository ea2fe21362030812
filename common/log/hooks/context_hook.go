// Package hooks holds logrus hooks shared by the binaries.
package hooks

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

const maxFrames = 25

type contextHook struct{}

// NewContextHook returns a hook that adds the "file:line" of the logging
// call site to every entry.
func NewContextHook() log.Hook {
	return contextHook{}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	if file, line, ok := callSite(); ok {
		entry.Data["file:line"] = fmt.Sprintf("%s:%d", file, line)
	}
	return nil
}

// callSite finds the first frame outside logrus and this package.
func callSite() (string, int, bool) {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "sirupsen/logrus") && !strings.Contains(frame.File, "common/log/hooks") {
			return filepath.Base(filepath.Dir(frame.File)) + "/" + filepath.Base(frame.File), frame.Line, true
		}
		if !more {
			return "", 0, false
		}
	}
}
