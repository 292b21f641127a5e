// Package monitoring holds the process-wide diagnostic logger shared by the
// playback, scene, viewer and store packages.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc is the printf-style signature every logger must satisfy.
type LogFunc func(format string, v ...interface{})

var active atomic.Pointer[LogFunc]

func init() {
	f := LogFunc(log.Printf)
	active.Store(&f)
}

// Logf writes one diagnostic line through the active logger. It is safe to
// call from the playback worker while another goroutine swaps the logger.
func Logf(format string, v ...interface{}) {
	(*active.Load())(format, v...)
}

// SetLogger replaces the active logger. Passing nil mutes output.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	active.Store(&f)
}

// Mute silences logging and returns a function restoring the previous logger.
// Tests use it as `defer monitoring.Mute()()`.
func Mute() (restore func()) {
	prev := active.Load()
	SetLogger(nil)
	return func() { active.Store(prev) }
}
