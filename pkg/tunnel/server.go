// Package tunnel provides the authenticated duplex byte relay between a
// remote-desktop client and the local remote-desktop endpoint. A connection
// carries a bearer token in its query parameters; only after the token
// validates is the upstream endpoint dialed and bytes spliced both ways.
package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/odvcencio/periscope/pkg/metrics"
)

// Config controls the tunnel server.
type Config struct {
	// UpstreamAddr is the local remote-desktop endpoint, host:port.
	UpstreamAddr string

	// Secret is the shared token-signing secret.
	Secret string

	// DialTimeout bounds the upstream dial.
	DialTimeout time.Duration

	// StrictSession rejects tokens whose embedded session id does not match
	// the requested one. Off by default: the credential is deliberately
	// reusable across a tenant's sessions, so a mismatch is logged and
	// counted but allowed through.
	StrictSession bool
}

// Server accepts tunnel connections over websocket.
type Server struct {
	cfg       Config
	validator *TokenValidator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewServer creates a tunnel server. metrics may be nil.
func NewServer(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		validator: NewTokenValidator(cfg.Secret),
		metrics:   m,
		logger:    logger.With("component", "tunnel"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenString := q.Get("token")
	requestedSession := q.Get("sessionId")

	// Validation happens before the websocket handshake completes and long
	// before the upstream endpoint is touched, so unauthenticated peers
	// never reach the remote-desktop service.
	claims, err := s.validator.Validate(tokenString)
	if err != nil {
		reason := CloseReason(err)
		s.metrics.RecordTunnelRejected(reason)
		s.logger.Warn("tunnel rejected",
			"remote", r.RemoteAddr,
			"session_id", requestedSession,
			"reason", reason,
		)
		s.reject(w, r, reason)
		return
	}

	if mismatch(claims, requestedSession) {
		if s.cfg.StrictSession {
			s.metrics.RecordTunnelRejected(ReasonValidationError)
			s.logger.Warn("tunnel rejected: token/session mismatch",
				"remote", r.RemoteAddr,
				"session_id", requestedSession,
				"token_session_id", claims.SessionID,
			)
			s.reject(w, r, ReasonValidationError)
			return
		}
		// Relaxed policy: allowed through, but visible.
		s.logger.Warn("tunnel token session mismatch, allowing",
			"remote", r.RemoteAddr,
			"session_id", requestedSession,
			"token_session_id", claims.SessionID,
		)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		Subprotocols:       requestedSubprotocols(r),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}
	upstream, err := dialer.DialContext(r.Context(), "tcp", s.cfg.UpstreamAddr)
	if err != nil {
		s.logger.Error("upstream dial failed", "addr", s.cfg.UpstreamAddr, "error", err)
		conn.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}

	s.relay(r.Context(), r, conn, upstream, requestedSession)
}

// reject completes the handshake only to deliver the close reason; the
// upstream endpoint is never dialed for a rejected connection.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, reason string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	conn.Close(websocket.StatusPolicyViolation, reason)
}

func (s *Server) relay(ctx context.Context, r *http.Request, conn *websocket.Conn, upstream net.Conn, sessionID string) {
	ts := newTunnelSession(ctx, conn, upstream)
	defer ts.close()

	s.metrics.RecordTunnelAccepted()
	defer s.metrics.RecordTunnelClosed()
	s.logger.Info("tunnel relaying",
		"tunnel_id", ts.id,
		"remote", r.RemoteAddr,
		"session_id", sessionID,
	)

	err := ts.run()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		s.logger.Debug("tunnel closed with error", "tunnel_id", ts.id, "error", err)
	} else {
		s.logger.Info("tunnel closed", "tunnel_id", ts.id)
	}
}

// tunnelSession owns one accepted connection pair for its lifetime.
type tunnelSession struct {
	id        string
	ws        *websocket.Conn
	client    net.Conn
	upstream  net.Conn
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newTunnelSession(ctx context.Context, conn *websocket.Conn, upstream net.Conn) *tunnelSession {
	ctx, cancel := context.WithCancel(ctx)
	return &tunnelSession{
		id:       uuid.NewString(),
		ws:       conn,
		client:   websocket.NetConn(ctx, conn, websocket.MessageBinary),
		upstream: upstream,
		cancel:   cancel,
	}
}

// run copies bytes both directions until either side ends. The copy blocks
// on read, which is the correct backpressure point for a tunnel.
func (ts *tunnelSession) run() error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(ts.upstream, ts.client)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(ts.client, ts.upstream)
		errCh <- err
	}()

	// Either direction ending triggers orderly close of both ends.
	err := <-errCh
	ts.close()
	<-errCh
	return err
}

// close releases both ends. Idempotent.
func (ts *tunnelSession) close() {
	ts.closeOnce.Do(func() {
		ts.cancel()
		_ = ts.upstream.Close()
		_ = ts.client.Close()
		ts.ws.Close(websocket.StatusNormalClosure, "")
	})
}

func requestedSubprotocols(r *http.Request) []string {
	var subprotocols []string
	for _, raw := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, candidate := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(candidate); p != "" {
				subprotocols = append(subprotocols, p)
			}
		}
	}
	return subprotocols
}

func mismatch(claims *Claims, requestedSession string) bool {
	return requestedSession != "" && claims.SessionID != "" && claims.SessionID != requestedSession
}
