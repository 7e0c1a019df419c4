package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"
)

// crashDir receives crash reports of fatal panics on the main goroutine
var crashDir = "./logs"

// SetCrashDir sets the crash report directory, creating it if needed
func SetCrashDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create crash directory %s: %v\n", dir, err)
		return
	}
	crashDir = dir
}

// RecoverWithCrashFile writes a crash report and exits when the deferring function panics.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	r := recover()
	if r == nil {
		return
	}

	path := filepath.Join(crashDir, fmt.Sprintf("recap-crash-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		writeCrashReport(os.Stderr, r, debug.Stack())
		os.Exit(2)
	}
	writeCrashReport(file, r, debug.Stack())
	file.Sync()
	file.Close()

	fmt.Fprintf(os.Stderr, "fatal: %v (report: %s)\n", r, path)
	os.Exit(2)
}

// writeCrashReport writes the panic value, the panicking stack and every goroutine
func writeCrashReport(w io.Writer, panicVal interface{}, stack []byte) {
	fmt.Fprintf(w, "recap %s crashed at %s\n", GetFullVersion(), time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "%s/%s, %d goroutines (%d background)\n\n", runtime.GOOS, runtime.GOARCH, runtime.NumGoroutine(), ActiveGoroutines())
	fmt.Fprintf(w, "panic: %v\n\n%s\n", panicVal, stack)
	fmt.Fprintf(w, "--- all goroutines ---\n%s", allStacks())
}

func allStacks() []byte {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 16*1024*1024 {
			return buf[:n]
		}
		buf = make([]byte, len(buf)*2)
	}
}
