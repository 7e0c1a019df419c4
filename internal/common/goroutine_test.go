package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestSafeGoRecoversPanics(t *testing.T) {
	done := make(chan struct{})
	SafeGo(arbor.NewLogger(), "exploding", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine did not run")
	}
	assert.Eventually(t, func() bool { return ActiveGoroutines() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestCrashReportContainsPanicAndStacks(t *testing.T) {
	var buf bytes.Buffer
	writeCrashReport(&buf, "storage corrupted", []byte("goroutine 1 [running]:\nmain.main()"))

	report := buf.String()
	assert.Contains(t, report, "panic: storage corrupted")
	assert.Contains(t, report, "main.main()")
	assert.Contains(t, report, "--- all goroutines ---")
}
