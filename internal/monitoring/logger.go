// Package monitoring holds the process-wide diagnostic logger and the
// per-component debug switches.
package monitoring

import (
	"log"
	"sort"
	"strings"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	debugMu sync.RWMutex
	debugOn = map[string]bool{}
)

// EnableDebug turns on Debugf output for the named components. The name
// "all" enables every component.
func EnableDebug(components ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	for _, c := range components {
		if c = strings.TrimSpace(c); c != "" {
			debugOn[c] = true
		}
	}
}

// DisableDebug turns off all component debug output.
func DisableDebug() {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugOn = map[string]bool{}
}

// DebugEnabled reports whether Debugf output is on for component.
func DebugEnabled(component string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debugOn[component] || debugOn["all"]
}

// DebugComponents lists the components with debug output enabled.
func DebugComponents() []string {
	debugMu.RLock()
	defer debugMu.RUnlock()
	out := make([]string, 0, len(debugOn))
	for c := range debugOn {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Debugf logs through Logf with a component prefix when debug output is
// enabled for that component.
func Debugf(component, format string, v ...interface{}) {
	if !DebugEnabled(component) {
		return
	}
	Logf("["+component+"] "+format, v...)
}
