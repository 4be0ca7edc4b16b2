package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Options configures a ChromeEngine.
type Options struct {
	// Width and Height set the browser viewport.
	Width  int
	Height int

	// NoSandbox disables the Chrome sandbox. Required in most container
	// deployments.
	NoSandbox bool

	// OpTimeout bounds individual engine operations (navigate, click, ack).
	OpTimeout time.Duration

	// FrameBuffer is the capacity of the frame delivery channel. When the
	// relay falls behind, the newest frame is acked and discarded so
	// delivery never stalls (drop-newest).
	FrameBuffer int

	Logger *slog.Logger
}

// DefaultOptions returns the engine defaults used by the worker.
func DefaultOptions() Options {
	return Options{
		Width:       1280,
		Height:      720,
		NoSandbox:   true,
		OpTimeout:   15 * time.Second,
		FrameBuffer: 4,
	}
}

// ChromeEngine drives a headless Chrome over CDP. One engine owns one
// browser and one screencast; an engine is not restartable after
// StopCapture or Close; the provisioner creates a fresh engine per
// streaming actor.
type ChromeEngine struct {
	opts Options

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	frameMu      sync.Mutex
	frames       chan Frame
	framesClosed bool
	closeOnce    sync.Once
	capturing    atomic.Bool
	closed       atomic.Bool
	logger       *slog.Logger
}

var _ Engine = (*ChromeEngine)(nil)

// NewChromeEngine allocates a Chrome browser context. The browser process
// itself is launched lazily on StartCapture so launch failures surface as
// capture-init errors.
func NewChromeEngine(ctx context.Context, opts Options) *ChromeEngine {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1280, 720
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 15 * time.Second
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(opts.Width, opts.Height),
	)
	if opts.NoSandbox {
		allocOpts = append(allocOpts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	e := &ChromeEngine{
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		frames:        make(chan Frame, opts.FrameBuffer),
		logger:        logger.With("component", "capture"),
	}
	chromedp.ListenTarget(browserCtx, e.onEvent)
	return e
}

func (e *ChromeEngine) StartCapture(ctx context.Context, cfg Config) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.capturing.Swap(true) {
		return errors.New("capture already started")
	}

	action := page.StartScreencast().
		WithFormat(page.ScreencastFormat(cfg.Format)).
		WithQuality(int64(cfg.Quality)).
		WithMaxWidth(int64(cfg.MaxWidth)).
		WithMaxHeight(int64(cfg.MaxHeight)).
		WithEveryNthFrame(int64(cfg.EveryNthFrame))

	// The first Run launches the browser process.
	if err := chromedp.Run(e.browserCtx, action); err != nil {
		e.capturing.Store(false)
		return fmt.Errorf("%w: start screencast: %v", ErrCaptureInit, err)
	}

	e.logger.Info("screencast started",
		"format", cfg.Format,
		"quality", cfg.Quality,
		"max_width", cfg.MaxWidth,
		"max_height", cfg.MaxHeight,
	)
	return nil
}

func (e *ChromeEngine) Frames() <-chan Frame {
	return e.frames
}

func (e *ChromeEngine) AckFrame(ctx context.Context, handle int64) error {
	c := chromedp.FromContext(e.browserCtx)
	if c == nil || c.Target == nil {
		return ErrNotCapturing
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.OpTimeout)
		defer cancel()
	}
	if err := page.ScreencastFrameAck(handle).Do(cdp.WithExecutor(ctx, c.Target)); err != nil {
		return fmt.Errorf("screencast ack: %w", err)
	}
	return nil
}

func (e *ChromeEngine) StopCapture(ctx context.Context) error {
	if !e.capturing.Swap(false) {
		return nil
	}
	err := chromedp.Run(e.browserCtx, page.StopScreencast())
	e.closeFrames()
	if err != nil {
		return fmt.Errorf("stop screencast: %w", err)
	}
	return nil
}

func (e *ChromeEngine) Navigate(ctx context.Context, url string) error {
	return e.run("", chromedp.Navigate(url))
}

func (e *ChromeEngine) Click(ctx context.Context, selector string) error {
	return e.run(selector, chromedp.Click(selector, chromedp.ByQuery))
}

func (e *ChromeEngine) Type(ctx context.Context, selector, text string) error {
	return e.run(selector, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (e *ChromeEngine) Scroll(ctx context.Context, dx, dy int) error {
	return e.run("", chromedp.Evaluate(fmt.Sprintf("window.scrollBy(%d, %d)", dx, dy), nil))
}

func (e *ChromeEngine) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := e.run("", chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *ChromeEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.capturing.Store(false)
	e.closeFrames()
	e.browserCancel()
	e.allocCancel()
	return nil
}

// run executes actions against the browser context with the operation
// timeout. selector is used only for error classification.
func (e *ChromeEngine) run(selector string, actions ...chromedp.Action) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ctx, cancel := context.WithTimeout(e.browserCtx, e.opts.OpTimeout)
	defer cancel()

	err := chromedp.Run(ctx, actions...)
	return classifyInputError(selector, err)
}

// onEvent runs on the target's event loop; it must never block and never
// issue a CDP call inline.
func (e *ChromeEngine) onEvent(ev interface{}) {
	frame, ok := ev.(*page.EventScreencastFrame)
	if !ok {
		return
	}
	if e.closed.Load() || !e.capturing.Load() {
		e.ackAsync(frame.SessionID)
		return
	}

	f := Frame{
		Handle: frame.SessionID,
		// The protocol delivers the image already base64 encoded; pass
		// it through untouched.
		Data:      frame.Data,
		Timestamp: frameTimestamp(frame.Metadata),
	}

	// The send races StopCapture closing the channel; frameMu orders the
	// two so a late event never hits a closed channel.
	e.frameMu.Lock()
	if e.framesClosed {
		e.frameMu.Unlock()
		e.ackAsync(frame.SessionID)
		return
	}
	select {
	case e.frames <- f:
		e.frameMu.Unlock()
	default:
		e.frameMu.Unlock()
		// Drop-newest: the relay is behind, so this frame is acked and
		// discarded. The buffered frames keep capture order.
		e.ackAsync(frame.SessionID)
	}
}

func (e *ChromeEngine) ackAsync(handle int64) {
	go func() {
		ctx, cancel := context.WithTimeout(e.browserCtx, e.opts.OpTimeout)
		defer cancel()
		if err := e.AckFrame(ctx, handle); err != nil && !e.closed.Load() {
			e.logger.Debug("frame ack failed", "handle", handle, "error", err)
		}
	}()
}

func (e *ChromeEngine) closeFrames() {
	e.closeOnce.Do(func() {
		e.frameMu.Lock()
		e.framesClosed = true
		close(e.frames)
		e.frameMu.Unlock()
	})
}

func classifyInputError(selector string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if selector != "" {
			// The wait-for-element timed out: the target never appeared.
			return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func frameTimestamp(md *page.ScreencastFrameMetadata) float64 {
	if md == nil || md.Timestamp == nil {
		return float64(time.Now().UnixNano()) / float64(time.Second)
	}
	t := md.Timestamp.Time()
	return float64(t.UnixNano()) / float64(time.Second)
}
