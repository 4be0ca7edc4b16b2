package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DialOptions configures the outbound consumer channel.
type DialOptions struct {
	// Origin and UserAgent are sent on the handshake. Edge networks in
	// front of the backend reject anonymous upgrades, so both should be
	// populated.
	Origin    string
	UserAgent string

	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write so one stuck write cannot back
	// up the send queue forever.
	WriteTimeout time.Duration

	// SendBuffer is the queued-frame capacity. When full, TrySend drops.
	SendBuffer int

	Logger *slog.Logger
}

// DefaultDialOptions returns the consumer-channel defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBuffer:       8,
	}
}

// Consumer is the direct websocket channel to the backend process. Writes
// go through a buffered queue drained by a single writer goroutine; TrySend
// never blocks the caller.
type Consumer struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeTO   time.Duration
	logger    *slog.Logger
}

var _ FrameSink = (*Consumer)(nil)

// DialConsumer connects the outbound channel and starts its writer.
func DialConsumer(ctx context.Context, url string, opts DialOptions) (*Consumer, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = opts.HandshakeTimeout

	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}
	if opts.UserAgent != "" {
		header.Set("User-Agent", opts.UserAgent)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial consumer channel: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Consumer{
		conn:    conn,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		writeTO: opts.WriteTimeout,
		logger:  logger.With("component", "consumer"),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// TrySend queues a message for delivery. It returns false when the queue is
// full or the channel is closed; the frame is dropped either way.
func (c *Consumer) TrySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts down the channel. Safe to call more than once.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Consumer) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTO))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("consumer write failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// readLoop drains inbound control traffic so pings are answered and a peer
// close is noticed promptly.
func (c *Consumer) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.Close()
			return
		}
	}
}
