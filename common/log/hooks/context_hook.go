package hooks

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook annotates every entry with the file:line of the logging
// callsite, with paths trimmed to be relative to the repo root.
type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	// Skip past the hook and logrus internals to the first caller frame
	// that belongs to this repo.
	for skip := 4; skip < 16; skip++ {
		_, file, line, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen/logrus") {
			continue
		}
		if idx := strings.LastIndex(file, "pretackler/"); idx >= 0 {
			file = file[idx+len("pretackler/"):]
		}
		entry.Data["file:line"] = fmt.Sprintf("%s:%d", file, line)
		break
	}
	return nil
}
