// Package capture is a thin facade over the headless browser engine. It
// exposes screencast start/stop, a frame delivery channel, explicit frame
// acknowledgment, and the input-injection operations used by the task
// surface. The production engine drives Chrome over CDP via chromedp.
package capture

import "context"

// Config tunes the screencast the engine produces.
type Config struct {
	Format        string `json:"format"`
	Quality       int    `json:"quality"`
	MaxWidth      int    `json:"maxWidth"`
	MaxHeight     int    `json:"maxHeight"`
	EveryNthFrame int    `json:"everyNthFrame"`
}

// DefaultConfig returns the screencast defaults: JPEG at quality 75, 720p.
func DefaultConfig() Config {
	return Config{
		Format:        "jpeg",
		Quality:       75,
		MaxWidth:      1280,
		MaxHeight:     720,
		EveryNthFrame: 1,
	}
}

// Frame is a single captured viewport image. Data is the compressed image
// already base64-encoded, matching the wire format frames travel in.
type Frame struct {
	// Handle identifies the frame to the engine for acknowledgment.
	Handle int64

	// Data is the base64-encoded compressed image.
	Data string

	// Timestamp is the capture time in seconds since the Unix epoch.
	Timestamp float64
}

// Engine is the port implemented by browser engine adapters.
//
// Frame delivery contract: the engine will not produce a new frame until the
// previous one is acknowledged via AckFrame. A frame that is never
// acknowledged stalls delivery for the session permanently, so every
// delivered frame must be acked exactly once regardless of what downstream
// forwarding does with it.
type Engine interface {
	// StartCapture begins the screencast. Fails with an error wrapping
	// ErrCaptureInit if the underlying engine cannot be launched.
	StartCapture(ctx context.Context, cfg Config) error

	// Frames returns the frame delivery channel. It is closed when capture
	// stops or the engine shuts down.
	Frames() <-chan Frame

	// AckFrame releases the engine to deliver the next frame.
	AckFrame(ctx context.Context, handle int64) error

	// StopCapture ends the screencast. The Frames channel is closed.
	StopCapture(ctx context.Context) error

	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Scroll(ctx context.Context, dx, dy int) error
	Screenshot(ctx context.Context) ([]byte, error)

	// Close tears down the engine and the browser it owns.
	Close() error
}
