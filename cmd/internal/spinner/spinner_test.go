package spinner

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpinner(t *testing.T) {
	var buf bytes.Buffer
	var prog atomic.Uint64
	Start(func() float64 {
		return float64(prog.Load()) / 4
	}, Output(&buf), Format("done %.0f%%"), Period(time.Millisecond))
	prog.Store(4)
	Stop()

	out := buf.String()
	if !strings.HasPrefix(out, "done ") {
		t.Fatalf("unexpected output %q", out)
	}
	if !strings.HasSuffix(out, "done 100%\n") {
		t.Fatalf("expected a final update; got %q", out)
	}

	// Stopping again is harmless, and the spinner can be restarted.
	Stop()
	buf.Reset()
	Start(func() float64 { return 0 }, Output(&buf))
	Stop()
	if !strings.HasSuffix(buf.String(), "Progress: 0.0%\n") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestStartTwicePanics(t *testing.T) {
	Start(func() float64 { return 0 }, Output(&bytes.Buffer{}), Period(time.Hour))
	defer Stop()
	defer func() {
		if recover() == nil {
			t.Fatal("expected a second Start to panic")
		}
	}()
	Start(func() float64 { return 0 })
}
