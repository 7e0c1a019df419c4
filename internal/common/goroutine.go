package common

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// activeGoroutines counts SafeGo goroutines that have not returned
var activeGoroutines atomic.Int64

// ActiveGoroutines returns the number of running SafeGo goroutines
func ActiveGoroutines() int64 {
	return activeGoroutines.Load()
}

// SafeGo runs fn in a goroutine, logging and swallowing any panic.
// Used for background loops (capture engine, reprocess runs, event handlers) whose
// failure must not take the process down.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	activeGoroutines.Add(1)

	go func() {
		defer activeGoroutines.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger == nil {
					fmt.Fprintf(os.Stderr, "panic in goroutine %s: %v\n%s\n", name, r, stack)
					return
				}
				logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", stack).
					Msg("Recovered from panic in goroutine")
			}
		}()

		fn()
	}()
}
