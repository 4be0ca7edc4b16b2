package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIdleEngine builds an engine without launching a browser; the launch
// is deferred to StartCapture, so event handling can be exercised alone.
func newIdleEngine(t *testing.T) *ChromeEngine {
	t.Helper()
	e := NewChromeEngine(context.Background(), DefaultOptions())
	t.Cleanup(func() { e.Close() })
	return e
}

func TestChromeEngine_FrameDataPassedThrough(t *testing.T) {
	e := newIdleEngine(t)
	e.capturing.Store(true)

	// The screencast event carries the image already base64 encoded.
	e.onEvent(&page.EventScreencastFrame{
		Data:      "aGVsbG8gZnJhbWU=",
		SessionID: 7,
	})

	select {
	case f := <-e.Frames():
		assert.Equal(t, "aGVsbG8gZnJhbWU=", f.Data)
		assert.Equal(t, int64(7), f.Handle)
		assert.Greater(t, f.Timestamp, 0.0)
	case <-time.After(time.Second):
		t.Fatal("frame was not delivered")
	}
}

func TestChromeEngine_OverflowFrameIsDropped(t *testing.T) {
	opts := DefaultOptions()
	opts.FrameBuffer = 1
	e := NewChromeEngine(context.Background(), opts)
	t.Cleanup(func() { e.Close() })
	e.capturing.Store(true)

	e.onEvent(&page.EventScreencastFrame{Data: "Zmlyc3Q=", SessionID: 1})
	e.onEvent(&page.EventScreencastFrame{Data: "c2Vjb25k", SessionID: 2})

	f := <-e.Frames()
	require.Equal(t, int64(1), f.Handle, "buffered frame keeps capture order")
	select {
	case f := <-e.Frames():
		t.Fatalf("overflow frame should have been dropped, got handle %d", f.Handle)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChromeEngine_LateFrameDuringCloseDoesNotPanic(t *testing.T) {
	e := newIdleEngine(t)
	e.capturing.Store(true)

	// Drain so sends do not back up behind the buffer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range e.Frames() {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			e.onEvent(&page.EventScreencastFrame{Data: "ZnJhbWU=", SessionID: n})
		}(int64(i))
	}
	e.Close()
	wg.Wait()
	<-done

	// Events arriving after close are acked, not delivered.
	e.onEvent(&page.EventScreencastFrame{Data: "bGF0ZQ==", SessionID: 99})
}
