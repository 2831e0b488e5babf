package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// lockedBuffer lets the logger write from a spawned goroutine while
// the test reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogPanicRecovers(t *testing.T) {
	var out lockedBuffer
	log := slog.New(slog.NewTextHandler(&out, nil))

	func() {
		defer LogPanic(log, "inbound reactor")
		panic("boom")
	}()

	got := out.String()
	if !strings.Contains(got, "reactor panic") {
		t.Fatalf("panic not logged: %q", got)
	}
	if !strings.Contains(got, "inbound reactor") {
		t.Errorf("reactor name missing from log: %q", got)
	}
	if !strings.Contains(got, "boom") {
		t.Errorf("panic value missing from log: %q", got)
	}
	if !strings.Contains(got, "stack") {
		t.Errorf("stack missing from log: %q", got)
	}
}

func TestLogPanicSilentOnCleanExit(t *testing.T) {
	var out lockedBuffer
	log := slog.New(slog.NewTextHandler(&out, nil))

	func() {
		defer LogPanic(log, "outbound reactor")
	}()

	if got := out.String(); got != "" {
		t.Errorf("unexpected log output: %q", got)
	}
}

func TestGoContainsPanic(t *testing.T) {
	var out lockedBuffer
	log := slog.New(slog.NewTextHandler(&out, nil))

	Go(log, "worker", func() {
		panic("contained")
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if strings.Contains(out.String(), "contained") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("panic never logged: %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
