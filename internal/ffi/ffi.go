// Package ffi carries the error and logging surface exposed to foreign,
// non-native callers. The surface is ancillary to the lifecycle core: it
// records the most recent error of a fallible call and configures the
// process-wide log level filter exactly once at startup.
package ffi

import (
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/containers/containrs/internal/log"
)

var (
	lastErrorMutex sync.RWMutex
	lastError      string

	initOnce sync.Once
	initDone bool
)

// InitLogging initializes the process-wide log level and filter. It has to
// be called exactly once at startup; subsequent calls return an error and
// leave the configuration unchanged.
func InitLogging(level, filter string) error {
	initialized := false
	var initErr error

	initOnce.Do(func() {
		initialized = true

		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			initErr = err
			return
		}
		logrus.SetLevel(lvl)

		hook, err := log.NewFilterHook(filter)
		if err != nil {
			initErr = err
			return
		}
		logrus.AddHook(hook)

		initDone = true
	})

	if !initialized {
		return errors.New("logging already initialized")
	}

	return initErr
}

// LoggingInitialized reports whether InitLogging completed successfully.
func LoggingInitialized() bool {
	return initDone
}

// SetLastError records the error of the most recent fallible call. A nil
// error clears the slot, which callers do at the start of every fallible
// call.
func SetLastError(err error) {
	lastErrorMutex.Lock()
	defer lastErrorMutex.Unlock()

	if err == nil {
		lastError = ""
		return
	}

	lastError = err.Error()
}

// LastErrorLength returns the length in bytes of the most recently recorded
// error message, or zero if no error is recorded.
func LastErrorLength() int {
	lastErrorMutex.RLock()
	defer lastErrorMutex.RUnlock()

	return len(lastError)
}

// LastErrorMessage returns the UTF-8 text of the most recently recorded
// error. The returned string is always valid UTF-8.
func LastErrorMessage() string {
	lastErrorMutex.RLock()
	defer lastErrorMutex.RUnlock()

	if !utf8.ValidString(lastError) {
		return string([]rune(lastError))
	}

	return lastError
}
