package provision

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/periscope/pkg/capture"
	"github.com/odvcencio/periscope/pkg/relay"
	"github.com/odvcencio/periscope/pkg/store"
)

// stubEngine is a controllable capture engine.
type stubEngine struct {
	frames   chan capture.Frame
	startErr error
	mu       sync.Mutex
	started  int
	stopped  bool
	closed   bool
	stopOnce sync.Once
}

func newStubEngine(startErr error) *stubEngine {
	return &stubEngine{frames: make(chan capture.Frame, 4), startErr: startErr}
}

func (e *stubEngine) StartCapture(ctx context.Context, cfg capture.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started++
	return e.startErr
}

func (e *stubEngine) Frames() <-chan capture.Frame { return e.frames }

func (e *stubEngine) AckFrame(ctx context.Context, handle int64) error { return nil }

func (e *stubEngine) StopCapture(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.frames) })
	return nil
}

func (e *stubEngine) Navigate(ctx context.Context, url string) error { return nil }

func (e *stubEngine) Click(ctx context.Context, sel string) error { return nil }

func (e *stubEngine) Type(ctx context.Context, sel, txt string) error { return nil }

func (e *stubEngine) Scroll(ctx context.Context, dx, dy int) error { return nil }

func (e *stubEngine) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }

func (e *stubEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.frames) })
	return nil
}

func (e *stubEngine) wasStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped || e.closed
}

// nullSink satisfies relay.FrameSink.
type nullSink struct {
	mu     sync.Mutex
	closed bool
}

func (s *nullSink) TrySend([]byte) bool { return true }

func (s *nullSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollWait = 20 * time.Millisecond
	cfg.IdleSleep = 5 * time.Millisecond
	cfg.ErrorBackoff = 10 * time.Millisecond
	cfg.ConnectBackoffInitial = time.Millisecond
	cfg.ConnectMaxElapsed = 50 * time.Millisecond
	return cfg
}

func enqueue(t *testing.T, st store.SessionStore, cfg Config, req ProvisionRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, st.Queue(cfg.QueueName).Push(context.Background(), data))
}

func waitForField(t *testing.T, st store.SessionStore, sessionID, field, want string) map[string]string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var fields map[string]string
	for time.Now().Before(deadline) {
		var err error
		fields, err = st.GetFields(context.Background(), sessionID)
		require.NoError(t, err)
		if fields[field] == want {
			return fields
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s=%s, last fields %v", sessionID, field, want, fields)
	return nil
}

func TestProvisioner_SessionBecomesReady(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	cfg := testConfig()

	factory := func(ctx context.Context) (capture.Engine, error) {
		return newStubEngine(nil), nil
	}
	p := New(st, cfg, factory, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	enqueue(t, st, cfg, ProvisionRequest{SessionID: "s1", AgentID: "a1"})

	fields := waitForField(t, st, "s1", store.FieldStatus, store.StatusReady)
	assert.Equal(t, "true", fields[store.FieldBrowserReady])
	assert.Equal(t, "true", fields[store.FieldWorkerConnected])
	assert.NotEmpty(t, fields[store.FieldReadyAt])
	assert.NotEmpty(t, fields[store.FieldStreamStartedAt])

	_, ok := p.Engine("s1")
	assert.True(t, ok, "actor should be registered")
}

func TestProvisioner_CaptureFailureMarksErrorAndLoopContinues(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	cfg := testConfig()

	// The engine factory fails until flipped healthy.
	var mu sync.Mutex
	healthy := false
	p := New(st, cfg, func(ctx context.Context) (capture.Engine, error) {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return newStubEngine(nil), nil
		}
		return nil, errors.New("chrome unreachable")
	}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	enqueue(t, st, cfg, ProvisionRequest{SessionID: "bad", AgentID: "a1"})
	fields := waitForField(t, st, "bad", store.FieldStatus, store.StatusError)
	assert.Contains(t, fields[store.FieldError], "chrome unreachable")
	assert.NotEmpty(t, fields[store.FieldFailedAt])

	_, ok := p.Engine("bad")
	assert.False(t, ok, "failed session must not leave an actor behind")

	// The loop must accept the next request immediately.
	mu.Lock()
	healthy = true
	mu.Unlock()
	enqueue(t, st, cfg, ProvisionRequest{SessionID: "good", AgentID: "a1"})
	waitForField(t, st, "good", store.FieldStatus, store.StatusReady)
}

func TestProvisioner_StartCaptureRetriesOnce(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	cfg := testConfig()

	engine := newStubEngine(capture.ErrCaptureInit)
	p := New(st, cfg, func(ctx context.Context) (capture.Engine, error) {
		return engine, nil
	}, nil, nil, nil)

	err := p.provision(context.Background(), ProvisionRequest{SessionID: "s1"})
	require.Error(t, err)
	require.ErrorIs(t, err, capture.ErrCaptureInit)

	fields, ferr := st.GetFields(context.Background(), "s1")
	require.NoError(t, ferr)
	assert.Equal(t, store.StatusError, fields[store.FieldStatus])
	assert.Contains(t, fields[store.FieldError], "start capture")

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, 2, engine.started, "exactly one retry")
}

func TestProvisioner_SecondRequestReplacesActor(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	cfg := testConfig()

	var mu sync.Mutex
	var engines []*stubEngine
	factory := func(ctx context.Context) (capture.Engine, error) {
		e := newStubEngine(nil)
		mu.Lock()
		engines = append(engines, e)
		mu.Unlock()
		return e, nil
	}

	var dialed []ProvisionRequest
	dialer := func(ctx context.Context, req ProvisionRequest, token string) (relay.FrameSink, error) {
		mu.Lock()
		dialed = append(dialed, req)
		mu.Unlock()
		return &nullSink{}, nil
	}

	p := New(st, cfg, factory, dialer, nil, nil)

	require.NoError(t, p.provision(context.Background(), ProvisionRequest{SessionID: "s1", AgentID: "a1"}))
	require.NoError(t, p.provision(context.Background(), ProvisionRequest{SessionID: "s1", AgentID: "a2"}))

	// Exactly one live actor, and it belongs to the second request.
	assert.Equal(t, []string{"s1"}, p.ActiveSessions())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, engines, 2)
	assert.True(t, engines[0].wasStopped(), "first actor must be torn down")
	assert.False(t, engines[1].wasStopped(), "second actor must stay live")
	require.Len(t, dialed, 2)
	assert.Equal(t, "a2", dialed[1].AgentID)
}

func TestProvisioner_StopClearsActorAndFlags(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	cfg := testConfig()

	engine := newStubEngine(nil)
	p := New(st, cfg, func(ctx context.Context) (capture.Engine, error) {
		return engine, nil
	}, nil, nil, nil)

	ctx := context.Background()
	require.NoError(t, p.provision(ctx, ProvisionRequest{SessionID: "s1"}))
	p.Stop(ctx, "s1")

	assert.True(t, engine.wasStopped())
	assert.Empty(t, p.ActiveSessions())

	fields, err := st.GetFields(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "false", fields[store.FieldBrowserReady])
	assert.Equal(t, "false", fields[store.FieldWorkerConnected])

	// Idempotent: stopping again is a no-op.
	p.Stop(ctx, "s1")
}

func TestProvisioner_ConsumerDialFailureMarksError(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	cfg := testConfig()

	dialer := func(ctx context.Context, req ProvisionRequest, token string) (relay.FrameSink, error) {
		return nil, errors.New("backend unreachable")
	}
	p := New(st, cfg, func(ctx context.Context) (capture.Engine, error) {
		return newStubEngine(nil), nil
	}, dialer, nil, nil)

	err := p.provision(context.Background(), ProvisionRequest{SessionID: "s1"})
	require.Error(t, err)

	fields, ferr := st.GetFields(context.Background(), "s1")
	require.NoError(t, ferr)
	assert.Equal(t, store.StatusError, fields[store.FieldStatus])
	assert.Contains(t, fields[store.FieldError], "backend unreachable")
}

func TestProvisioner_CredentialPassedToDialer(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	cfg := testConfig()
	ctx := context.Background()

	require.NoError(t, st.SetFields(ctx, "s1", map[string]string{store.FieldToken: "tok-123"}))

	var gotToken string
	dialer := func(ctx context.Context, req ProvisionRequest, token string) (relay.FrameSink, error) {
		gotToken = token
		return &nullSink{}, nil
	}
	p := New(st, cfg, func(ctx context.Context) (capture.Engine, error) {
		return newStubEngine(nil), nil
	}, dialer, nil, nil)

	require.NoError(t, p.provision(ctx, ProvisionRequest{SessionID: "s1"}))
	assert.Equal(t, "tok-123", gotToken)
}

func TestProvisioner_MalformedRequestSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	cfg := testConfig()

	p := New(st, cfg, func(ctx context.Context) (capture.Engine, error) {
		return newStubEngine(nil), nil
	}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	q := st.Queue(cfg.QueueName)
	require.NoError(t, q.Push(ctx, []byte("not json")))
	enqueue(t, st, cfg, ProvisionRequest{SessionID: "s1"})

	// The malformed entry is discarded and the valid one still provisions.
	waitForField(t, st, "s1", store.FieldStatus, store.StatusReady)
}
