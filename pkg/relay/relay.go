// Package relay forwards captured frames to their consumers: the session
// store's pub/sub channel and the backend's direct websocket channel. The
// relay never applies backpressure to the capture engine; a slow consumer
// loses frames, it does not stall acknowledgment.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/odvcencio/periscope/pkg/capture"
	"github.com/odvcencio/periscope/pkg/metrics"
	"github.com/odvcencio/periscope/pkg/store"
)

// FrameMessage is the wire form of a forwarded frame.
type FrameMessage struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	Data      string  `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// FrameSink is a best-effort destination for frame messages. TrySend must
// never block; it reports false when the frame was dropped.
type FrameSink interface {
	TrySend(data []byte) bool
	Close() error
}

// Relay drains one session's frame channel for the lifetime of its
// streaming actor.
type Relay struct {
	sessionID string
	engine    capture.Engine
	store     store.SessionStore
	sink      FrameSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a relay for one session. sink may be nil when no consumer
// channel is connected; metrics may be nil.
func New(sessionID string, engine capture.Engine, st store.SessionStore, sink FrameSink, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sessionID: sessionID,
		engine:    engine,
		store:     st,
		sink:      sink,
		metrics:   m,
		logger:    logger.With("component", "relay", "session_id", sessionID),
	}
}

// Run forwards frames until the context is cancelled or the engine closes
// its frame channel. Frames are handled strictly in arrival order.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-r.engine.Frames():
			if !ok {
				return
			}
			r.forward(ctx, frame)
		}
	}
}

// forward publishes one frame and acknowledges it. Acknowledgment happens
// on every exit path: an unacked frame stalls delivery for the session
// permanently, while a lost frame only costs one video frame.
func (r *Relay) forward(ctx context.Context, frame capture.Frame) {
	start := time.Now()
	defer func() {
		if err := r.engine.AckFrame(ctx, frame.Handle); err != nil {
			r.logger.Warn("frame ack failed", "handle", frame.Handle, "error", err)
			return
		}
		r.metrics.RecordFrameAcked()
	}()

	msg := FrameMessage{
		Type:      "frame",
		SessionID: r.sessionID,
		Data:      frame.Data,
		Timestamp: frame.Timestamp,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("frame encode failed", "error", err)
		return
	}

	if err := r.store.Publish(ctx, store.FrameChannel(r.sessionID), data); err != nil {
		// Forwarding failure is logged, never propagated as a capture error.
		r.logger.Debug("frame publish failed", "error", err)
	}

	if r.sink != nil && !r.sink.TrySend(data) {
		r.metrics.RecordFrameDropped()
	}

	r.metrics.RecordFrameRelayed(time.Since(start).Seconds())
}
