// Package provision runs the session provisioning loop: it consumes
// provisioning requests from the shared work queue, brings up a streaming
// actor (browser engine + consumer channel + frame relay) per session, and
// records readiness or failure in the session store.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/odvcencio/periscope/pkg/capture"
	"github.com/odvcencio/periscope/pkg/metrics"
	"github.com/odvcencio/periscope/pkg/relay"
	"github.com/odvcencio/periscope/pkg/store"
)

// ProvisionRequest is the queue message that asks for a streaming actor.
type ProvisionRequest struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

// EngineFactory creates a fresh capture engine for one actor.
type EngineFactory func(ctx context.Context) (capture.Engine, error)

// ConsumerDialer connects the outbound consumer channel for one session.
// token is the session's stored credential, possibly empty.
type ConsumerDialer func(ctx context.Context, req ProvisionRequest, token string) (relay.FrameSink, error)

// Config tunes the provisioning loop. The durations are deployment-specific
// and deliberately not hardcoded.
type Config struct {
	QueueName string

	// PollWait is the bounded wait of each queue pull.
	PollWait time.Duration

	// IdleSleep is the pause after an empty pull.
	IdleSleep time.Duration

	// ErrorBackoff is the pause after a queue-access error.
	ErrorBackoff time.Duration

	// ConnectBackoffInitial/Max/Elapsed shape the consumer-channel dial
	// retry.
	ConnectBackoffInitial time.Duration
	ConnectBackoffMax     time.Duration
	ConnectMaxElapsed     time.Duration

	Capture capture.Config
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		QueueName:             "browser-automation",
		PollWait:              2 * time.Second,
		IdleSleep:             250 * time.Millisecond,
		ErrorBackoff:          5 * time.Second,
		ConnectBackoffInitial: 500 * time.Millisecond,
		ConnectBackoffMax:     10 * time.Second,
		ConnectMaxElapsed:     30 * time.Second,
		Capture:               capture.DefaultConfig(),
	}
}

// actor is the runtime unit for one session's live capture and relay.
type actor struct {
	sessionID string
	agentID   string
	engine    capture.Engine
	sink      relay.FrameSink
	cancel    context.CancelFunc
	done      chan struct{}
}

// Provisioner owns the actor registry. Only the Provisioner mutates it; the
// registry is process-local and needs no cross-process coordination.
type Provisioner struct {
	store        store.SessionStore
	queue        store.TaskQueue
	newEngine    EngineFactory
	dialConsumer ConsumerDialer
	cfg          Config
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu     sync.Mutex
	actors map[string]*actor
}

// New creates a Provisioner. dialConsumer may be nil, in which case frames
// only reach the store's pub/sub channel; metrics may be nil.
func New(st store.SessionStore, cfg Config, newEngine EngineFactory, dialConsumer ConsumerDialer, m *metrics.Metrics, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultConfig().QueueName
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = DefaultConfig().PollWait
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultConfig().IdleSleep
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	return &Provisioner{
		store:        st,
		queue:        st.Queue(cfg.QueueName),
		newEngine:    newEngine,
		dialConsumer: dialConsumer,
		cfg:          cfg,
		metrics:      m,
		logger:       logger.With("component", "provisioner"),
		actors:       make(map[string]*actor),
	}
}

// Run consumes the provisioning queue until ctx is cancelled. The loop is
// permanent: a failed session or a transient queue error never terminates
// it, only slows it down.
func (p *Provisioner) Run(ctx context.Context) {
	p.logger.Info("provisioning loop started", "queue", p.queue.Name())
	defer p.StopAll(context.Background())

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.queue.Pull(ctx, p.cfg.PollWait)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, store.ErrQueueEmpty):
			sleep(ctx, p.cfg.IdleSleep)
			continue
		default:
			p.logger.Warn("queue pull failed, backing off", "error", err)
			sleep(ctx, p.cfg.ErrorBackoff)
			continue
		}

		var req ProvisionRequest
		if err := json.Unmarshal(task.Data, &req); err != nil {
			p.logger.Warn("discarding malformed provisioning request", "task_id", task.ID, "error", err)
			continue
		}
		if req.SessionID == "" {
			p.logger.Warn("discarding provisioning request without session id", "task_id", task.ID)
			continue
		}

		if err := p.provision(ctx, req); err != nil {
			p.logger.Error("provisioning failed",
				"session_id", req.SessionID,
				"agent_id", req.AgentID,
				"error", err,
			)
		}
	}
}

// provision brings up the streaming actor for one request. A duplicate
// request for a live session tears down the existing actor first: last
// request wins, never two concurrent capture streams.
func (p *Provisioner) provision(ctx context.Context, req ProvisionRequest) error {
	logger := p.logger.With("session_id", req.SessionID, "agent_id", req.AgentID)
	logger.Info("provisioning session")

	p.stopActor(ctx, req.SessionID)

	if err := p.store.SetFields(ctx, req.SessionID, store.StartedFields(time.Now())); err != nil {
		return fmt.Errorf("record session start: %w", err)
	}

	fields, err := p.store.GetFields(ctx, req.SessionID)
	if err != nil {
		return p.fail(ctx, req.SessionID, fmt.Errorf("read session credential: %w", err))
	}
	token := fields[store.FieldToken]

	var sink relay.FrameSink
	if p.dialConsumer != nil {
		sink, err = p.dialWithBackoff(ctx, req, token)
		if err != nil {
			return p.fail(ctx, req.SessionID, fmt.Errorf("connect consumer channel: %w", err))
		}
	}

	engine, err := p.newEngine(ctx)
	if err != nil {
		closeSink(sink)
		return p.fail(ctx, req.SessionID, fmt.Errorf("create capture engine: %w", err))
	}

	err = engine.StartCapture(ctx, p.cfg.Capture)
	if err != nil {
		// One visible retry; a cold engine occasionally fails its first
		// launch. A second failure is terminal for this attempt.
		logger.Warn("capture start failed, retrying once", "error", err)
		err = engine.StartCapture(ctx, p.cfg.Capture)
	}
	if err != nil {
		engine.Close()
		closeSink(sink)
		return p.fail(ctx, req.SessionID, fmt.Errorf("start capture: %w", err))
	}

	actorCtx, cancel := context.WithCancel(ctx)
	a := &actor{
		sessionID: req.SessionID,
		agentID:   req.AgentID,
		engine:    engine,
		sink:      sink,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	p.actors[req.SessionID] = a
	p.mu.Unlock()
	p.metrics.ActorStarted()

	r := relay.New(req.SessionID, engine, p.store, sink, p.metrics, p.logger)
	go func() {
		defer close(a.done)
		r.Run(actorCtx)
	}()

	if err := p.store.SetFields(ctx, req.SessionID, store.ReadyFields(time.Now())); err != nil {
		logger.Warn("recording session readiness failed", "error", err)
	}
	p.metrics.RecordSessionReady()
	logger.Info("session ready")
	return nil
}

func (p *Provisioner) dialWithBackoff(ctx context.Context, req ProvisionRequest, token string) (relay.FrameSink, error) {
	bo := backoff.NewExponentialBackOff()
	if p.cfg.ConnectBackoffInitial > 0 {
		bo.InitialInterval = p.cfg.ConnectBackoffInitial
	}
	if p.cfg.ConnectBackoffMax > 0 {
		bo.MaxInterval = p.cfg.ConnectBackoffMax
	}
	if p.cfg.ConnectMaxElapsed > 0 {
		bo.MaxElapsedTime = p.cfg.ConnectMaxElapsed
	}

	var sink relay.FrameSink
	err := backoff.Retry(func() error {
		s, derr := p.dialConsumer(ctx, req, token)
		if derr != nil {
			return derr
		}
		sink = s
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// fail records the failure in the store and surfaces the cause. The loop
// continues with the next request either way.
func (p *Provisioner) fail(ctx context.Context, sessionID string, cause error) error {
	p.metrics.RecordSessionFailed()
	if err := p.store.SetFields(ctx, sessionID, store.ErrorFields(cause.Error(), time.Now())); err != nil {
		p.logger.Warn("recording session failure failed", "session_id", sessionID, "error", err)
	}
	return cause
}

// Stop tears down the actor for a session and clears its liveness flags.
// Stopping an unknown session is a no-op.
func (p *Provisioner) Stop(ctx context.Context, sessionID string) {
	if p.stopActor(ctx, sessionID) {
		if err := p.store.SetFields(ctx, sessionID, store.StoppedFields()); err != nil {
			p.logger.Warn("recording session stop failed", "session_id", sessionID, "error", err)
		}
	}
}

// StopAll tears down every actor. Called on shutdown.
func (p *Provisioner) StopAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.actors))
	for id := range p.actors {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Stop(ctx, id)
	}
}

// stopActor removes and tears down the actor for sessionID, reporting
// whether one existed. Teardown is synchronous for capture and channels but
// does not wait for an in-flight frame forward; the final store write is
// idempotent, so the race is harmless.
func (p *Provisioner) stopActor(ctx context.Context, sessionID string) bool {
	p.mu.Lock()
	a, ok := p.actors[sessionID]
	if ok {
		delete(p.actors, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	a.cancel()
	if err := a.engine.StopCapture(ctx); err != nil {
		p.logger.Debug("stop capture failed", "session_id", sessionID, "error", err)
	}
	if err := a.engine.Close(); err != nil {
		p.logger.Debug("engine close failed", "session_id", sessionID, "error", err)
	}
	closeSink(a.sink)
	p.metrics.ActorStopped()
	p.logger.Info("actor stopped", "session_id", sessionID)
	return true
}

// Engine returns the live capture engine for a session, if any. Used by the
// task surface to inject input.
func (p *Provisioner) Engine(sessionID string) (capture.Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.actors[sessionID]
	if !ok {
		return nil, false
	}
	return a.engine, true
}

// ActiveSessions returns the session ids with a running actor.
func (p *Provisioner) ActiveSessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.actors))
	for id := range p.actors {
		ids = append(ids, id)
	}
	return ids
}

func closeSink(sink relay.FrameSink) {
	if sink != nil {
		_ = sink.Close()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
