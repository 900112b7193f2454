package pipeline

import "log"

// Logf is the pipeline progress logger. It defaults to log.Printf but may be
// replaced by SetLogger, which tests use to mute the step output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
