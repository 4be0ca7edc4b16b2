package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/periscope/pkg/capture"
	"github.com/odvcencio/periscope/pkg/store"
)

// fakeEngine records the input operations invoked on it.
type fakeEngine struct {
	navigated []string
	clicked   []string
	typed     [][2]string
	scrolled  [][2]int
	shot      []byte
	fail      error
}

func (f *fakeEngine) StartCapture(ctx context.Context, cfg capture.Config) error { return nil }
func (f *fakeEngine) Frames() <-chan capture.Frame                               { return nil }
func (f *fakeEngine) AckFrame(ctx context.Context, handle int64) error           { return nil }
func (f *fakeEngine) StopCapture(ctx context.Context) error                      { return nil }
func (f *fakeEngine) Close() error                                               { return nil }

func (f *fakeEngine) Navigate(ctx context.Context, url string) error {
	f.navigated = append(f.navigated, url)
	return f.fail
}

func (f *fakeEngine) Click(ctx context.Context, selector string) error {
	f.clicked = append(f.clicked, selector)
	return f.fail
}

func (f *fakeEngine) Type(ctx context.Context, selector, text string) error {
	f.typed = append(f.typed, [2]string{selector, text})
	return f.fail
}

func (f *fakeEngine) Scroll(ctx context.Context, dx, dy int) error {
	f.scrolled = append(f.scrolled, [2]int{dx, dy})
	return f.fail
}

func (f *fakeEngine) Screenshot(ctx context.Context) ([]byte, error) {
	return f.shot, f.fail
}

type fakeDirectory struct {
	engines map[string]capture.Engine
}

func (d *fakeDirectory) Engine(sessionID string) (capture.Engine, bool) {
	e, ok := d.engines[sessionID]
	return e, ok
}

func (d *fakeDirectory) ActiveSessions() []string {
	ids := make([]string, 0, len(d.engines))
	for id := range d.engines {
		ids = append(ids, id)
	}
	return ids
}

type stubFramework struct {
	name   string
	result *AgentResult
	err    error
	got    string
}

func (s *stubFramework) Name() string { return s.name }

func (s *stubFramework) Execute(ctx context.Context, instruction string) (*AgentResult, error) {
	s.got = instruction
	return s.result, s.err
}

func newTestGateway(t *testing.T, dir *fakeDirectory, agents *AgentRegistry) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	srv := httptest.NewServer(NewServer(Config{}, dir, st, agents, nil, nil, nil))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestSessionCommand_UnknownSessionReturnsStreamNotFound(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/sessions/missing/click", map[string]string{"selector": "#go"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "stream not found", body["error"])
	assert.Empty(t, engine.clicked, "no engine should be touched for an unknown session")
}

func TestSessionCommand_NavigateOK(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/sessions/s1/navigate", map[string]string{"url": "https://example.com"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []string{"https://example.com"}, engine.navigated)
}

func TestSessionCommand_TypeAndScroll(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/sessions/s1/type", map[string]string{"selector": "#q", "text": "hello"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	require.Len(t, engine.typed, 1)
	assert.Equal(t, [2]string{"#q", "hello"}, engine.typed[0])

	status, body = postJSON(t, srv.URL+"/sessions/s1/scroll", map[string]int{"dx": 0, "dy": 300})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	require.Len(t, engine.scrolled, 1)
	assert.Equal(t, [2]int{0, 300}, engine.scrolled[0])
}

func TestSessionCommand_EngineErrorSurfaces(t *testing.T) {
	engine := &fakeEngine{fail: errors.New("element not found: #gone")}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/sessions/s1/click", map[string]string{"selector": "#gone"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body["error"], "element not found")
}

func TestTask_NavigateSuccessShape(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/task", map[string]string{
		"sessionId": "s1",
		"action":    "navigate",
		"target":    "https://example.com",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "navigate", body["action"])
	assert.Equal(t, "s1", body["sessionId"])
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, []string{"https://example.com"}, engine.navigated)
}

func TestTask_UnknownSessionFailsSoftly(t *testing.T) {
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{}}, nil)

	status, body := postJSON(t, srv.URL+"/task", map[string]string{
		"sessionId": "nope",
		"action":    "click",
		"selector":  "#x",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "stream not found", body["message"])
}

func TestTask_InstructionObjectNormalized(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/task", map[string]any{
		"sessionId": "s1",
		"instruction": map[string]string{
			"action": "type",
			"target": "#q",
			"text":   "golang",
		},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	require.Len(t, engine.typed, 1)
	assert.Equal(t, [2]string{"#q", "golang"}, engine.typed[0])
}

func TestTask_Screenshot(t *testing.T) {
	engine := &fakeEngine{shot: []byte{0xff, 0xd8, 0xff}}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/task", map[string]string{
		"sessionId": "s1",
		"action":    "screenshot",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff}), body["screenshot"])
}

func TestTask_UnknownAction(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/task", map[string]string{
		"sessionId": "s1",
		"action":    "teleport",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "unknown action")
}

func TestAgentTask_UnregisteredFrameworkIsStructuredFailure(t *testing.T) {
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{}}, NewAgentRegistry())

	status, body := postJSON(t, srv.URL+"/skyvern-task", map[string]string{"instruction": "book a flight"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "skyvern", body["agentType"])
	assert.Equal(t, float64(0), body["actionsExecuted"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data["error"], "not registered")
}

func TestAgentTask_Success(t *testing.T) {
	agents := NewAgentRegistry()
	fw := &stubFramework{
		name: "browser-use",
		result: &AgentResult{
			Data:            map[string]any{"finalURL": "https://example.com"},
			ActionsExecuted: 3,
		},
	}
	agents.Register(fw)
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{}}, agents)

	status, body := postJSON(t, srv.URL+"/browser-use-task", map[string]string{"instruction": "go to example.com"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "browser-use", body["agentType"])
	assert.Equal(t, float64(3), body["actionsExecuted"])
	assert.Equal(t, "go to example.com", fw.got)
}

func TestAgentTask_FrameworkErrorNeverPropagates(t *testing.T) {
	agents := NewAgentRegistry()
	agents.Register(&stubFramework{name: "lavague", err: errors.New("model quota exceeded")})
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{}}, agents)

	status, body := postJSON(t, srv.URL+"/lavague-task", map[string]string{"instruction": "anything"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "lavague", body["agentType"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data["error"], "model quota exceeded")
}

func TestHealthAndRoot(t *testing.T) {
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": &fakeEngine{}}}, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "connected", health["store"])

	resp, err = http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var root map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&root))
	assert.Equal(t, "worker-ready", root["status"])
	assert.Equal(t, float64(1), root["activeSessions"])
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestTaskStatus_CompletedTaskIsRetrievable(t *testing.T) {
	engine := &fakeEngine{}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	status, body := postJSON(t, srv.URL+"/task", map[string]any{
		"sessionId": "s1",
		"action":    "navigate",
		"target":    "https://example.com",
	})
	require.Equal(t, http.StatusOK, status)
	taskID, ok := body["taskId"].(string)
	require.True(t, ok, "task response must carry a taskId")
	require.NotEmpty(t, taskID)

	status, lookup := getJSON(t, srv.URL+"/task/"+taskID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, taskID, lookup["taskId"])
	assert.Equal(t, "completed", lookup["status"])
	assert.Equal(t, "s1", lookup["sessionId"])
	assert.Equal(t, "navigate", lookup["action"])
	assert.NotContains(t, lookup, "error")
}

func TestTaskStatus_FailedTaskKeepsError(t *testing.T) {
	engine := &fakeEngine{fail: errors.New("element vanished")}
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{"s1": engine}}, nil)

	_, body := postJSON(t, srv.URL+"/task", map[string]any{
		"sessionId": "s1",
		"action":    "click",
		"selector":  "#go",
	})
	taskID, ok := body["taskId"].(string)
	require.True(t, ok)

	status, lookup := getJSON(t, srv.URL+"/task/"+taskID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "failed", lookup["status"])
	assert.Contains(t, lookup["error"], "element vanished")
}

func TestTaskStatus_UnknownTaskReturns404(t *testing.T) {
	srv := newTestGateway(t, &fakeDirectory{engines: map[string]capture.Engine{}}, nil)

	status, body := getJSON(t, srv.URL+"/task/no-such-task")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "task not found", body["error"])
}

func TestTaskLog_EvictsOldestAtCapacity(t *testing.T) {
	log := newTaskLog(2)
	for _, id := range []string{"a", "b", "c"} {
		log.add(&taskRecord{ID: id, Status: taskStatusCompleted})
	}

	_, ok := log.get("a")
	assert.False(t, ok, "oldest record should be evicted")
	_, ok = log.get("b")
	assert.True(t, ok)
	_, ok = log.get("c")
	assert.True(t, ok)
}
