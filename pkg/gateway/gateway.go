// Package gateway exposes the worker's HTTP surface: health and status,
// the generic task endpoint, per-session browser commands, the external
// agent-framework endpoints, and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/periscope/pkg/capture"
	"github.com/odvcencio/periscope/pkg/store"
)

// SessionDirectory resolves session ids to their live capture engines. The
// provisioner implements it.
type SessionDirectory interface {
	Engine(sessionID string) (capture.Engine, bool)
	ActiveSessions() []string
}

// Config controls the gateway server behavior.
type Config struct {
	// ActionTimeout bounds each browser action dispatched through the
	// gateway.
	ActionTimeout time.Duration

	// AgentTimeout bounds a single external agent-framework run.
	AgentTimeout time.Duration
}

// Server hosts the JSON/HTTP API.
type Server struct {
	cfg      Config
	sessions SessionDirectory
	store    store.SessionStore
	agents   *AgentRegistry
	tunnel   http.Handler
	registry *prometheus.Registry
	logger   *slog.Logger
	router   chi.Router
	tasks    *taskLog
}

// NewServer assembles the router. tunnel may be nil when the tunnel endpoint
// is disabled; agents may be nil for a worker with no frameworks installed.
func NewServer(cfg Config, sessions SessionDirectory, st store.SessionStore, agents *AgentRegistry, tunnel http.Handler, reg *prometheus.Registry, logger *slog.Logger) *Server {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 5 * time.Minute
	}
	if agents == nil {
		agents = NewAgentRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    st,
		agents:   agents,
		tunnel:   tunnel,
		registry: reg,
		logger:   logger.With("component", "gateway"),
		tasks:    newTaskLog(256),
	}

	router := chi.NewRouter()
	router.Get("/", s.handleRoot)
	router.Get("/health", s.handleHealth)
	router.Post("/task", s.handleTask)
	router.Get("/task/{taskID}", s.handleTaskStatus)

	router.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/navigate", s.sessionCommand(s.doNavigate))
		r.Post("/click", s.sessionCommand(s.doClick))
		r.Post("/type", s.sessionCommand(s.doType))
		r.Post("/scroll", s.sessionCommand(s.doScroll))
	})

	router.Post("/browser-use-task", s.agentTask("browser-use"))
	router.Post("/skyvern-task", s.agentTask("skyvern"))
	router.Post("/lavague-task", s.agentTask("lavague"))
	router.Post("/stagehand-task", s.agentTask("stagehand"))

	if reg != nil {
		router.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if tunnel != nil {
		router.Get("/tunnel", tunnel.ServeHTTP)
	}

	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "worker-ready",
		"automation":     "cdp-screencast",
		"activeSessions": len(s.sessions.ActiveSessions()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			storeStatus = "disconnected"
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"automation": "cdp-screencast",
		"store":      storeStatus,
	})
}

// TaskRequest is the generic automation command accepted by /task. A nested
// instruction object, when present, supplies any field the top level omits.
type TaskRequest struct {
	SessionID   string       `json:"sessionId"`
	Action      string       `json:"action"`
	Target      string       `json:"target,omitempty"`
	Selector    string       `json:"selector,omitempty"`
	Text        string       `json:"text,omitempty"`
	DX          int          `json:"dx,omitempty"`
	DY          int          `json:"dy,omitempty"`
	Instruction *TaskRequest `json:"instruction,omitempty"`
}

// normalize folds a nested instruction object into the top-level shape.
func (t *TaskRequest) normalize() {
	if t.Instruction == nil {
		return
	}
	in := t.Instruction
	if t.Action == "" {
		t.Action = in.Action
	}
	if t.Target == "" {
		t.Target = in.Target
	}
	if t.Selector == "" {
		t.Selector = in.Selector
	}
	if t.Text == "" {
		t.Text = in.Text
	}
	if t.DX == 0 {
		t.DX = in.DX
	}
	if t.DY == 0 {
		t.DY = in.DY
	}
}

// selectorOrTarget lets callers use either field name for element selectors.
func (t *TaskRequest) selectorOrTarget() string {
	if t.Selector != "" {
		return t.Selector
	}
	return t.Target
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, taskFailure("", "invalid task payload: "+err.Error()))
		return
	}
	req.normalize()

	if req.SessionID == "" || req.Action == "" {
		respondJSON(w, http.StatusBadRequest, taskFailure(req.Action, "sessionId and action are required"))
		return
	}

	taskID := newTaskID()

	engine, ok := s.sessions.Engine(req.SessionID)
	if !ok {
		respondJSON(w, http.StatusOK, s.finishTask(taskID, &req, nil, "stream not found"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
	defer cancel()

	s.logger.Info("task dispatched",
		"task_id", taskID,
		"session_id", req.SessionID,
		"action", req.Action,
	)

	extra, err := s.dispatch(ctx, engine, &req)
	if err != nil {
		s.logger.Warn("task failed",
			"task_id", taskID,
			"session_id", req.SessionID,
			"action", req.Action,
			"error", err,
		)
		respondJSON(w, http.StatusOK, s.finishTask(taskID, &req, nil, err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, s.finishTask(taskID, &req, extra, ""))
}

// finishTask records the task outcome for later /task/{taskID} lookups
// and builds the immediate response payload.
func (s *Server) finishTask(taskID string, req *TaskRequest, extra map[string]any, errMsg string) map[string]any {
	rec := &taskRecord{
		ID:        taskID,
		SessionID: req.SessionID,
		Action:    req.Action,
		Status:    taskStatusCompleted,
		Result:    extra,
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	}
	if errMsg != "" {
		rec.Status = taskStatusFailed
	}
	s.tasks.add(rec)

	var resp map[string]any
	if errMsg != "" {
		resp = taskFailure(req.Action, errMsg)
	} else {
		resp = map[string]any{
			"success":   true,
			"message":   fmt.Sprintf("%s completed", req.Action),
			"action":    req.Action,
			"sessionId": req.SessionID,
			"timestamp": rec.CreatedAt.Format(time.RFC3339),
		}
		for k, v := range extra {
			resp[k] = v
		}
	}
	resp["taskId"] = taskID
	return resp
}

// handleTaskStatus reports the stored outcome of a previously submitted
// task. Unknown or evicted ids get a 404.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.tasks.get(chi.URLParam(r, "taskID"))
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	resp := map[string]any{
		"taskId":    rec.ID,
		"status":    rec.Status,
		"sessionId": rec.SessionID,
		"action":    rec.Action,
		"result":    rec.Result,
		"createdAt": rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.Error != "" {
		resp["error"] = rec.Error
	}
	respondJSON(w, http.StatusOK, resp)
}

// dispatch executes one task action against the engine and returns any
// action-specific response fields.
func (s *Server) dispatch(ctx context.Context, engine capture.Engine, req *TaskRequest) (map[string]any, error) {
	switch req.Action {
	case "navigate":
		if req.Target == "" {
			return nil, fmt.Errorf("navigate requires a target url")
		}
		return nil, engine.Navigate(ctx, req.Target)
	case "click":
		sel := req.selectorOrTarget()
		if sel == "" {
			return nil, fmt.Errorf("click requires a selector")
		}
		return nil, engine.Click(ctx, sel)
	case "type":
		sel := req.selectorOrTarget()
		if sel == "" {
			return nil, fmt.Errorf("type requires a selector")
		}
		return nil, engine.Type(ctx, sel, req.Text)
	case "scroll":
		return nil, engine.Scroll(ctx, req.DX, req.DY)
	case "screenshot":
		data, err := engine.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"screenshot": data}, nil
	case "search":
		q := req.Text
		if q == "" {
			q = req.Target
		}
		if q == "" {
			return nil, fmt.Errorf("search requires a query")
		}
		searchURL := "https://www.google.com/search?q=" + url.QueryEscape(q)
		if err := engine.Navigate(ctx, searchURL); err != nil {
			return nil, err
		}
		return map[string]any{"url": searchURL}, nil
	default:
		return nil, fmt.Errorf("unknown action: %s", req.Action)
	}
}

// commandFunc executes one per-session browser command from a decoded body.
type commandFunc func(ctx context.Context, engine capture.Engine, body map[string]any) error

// sessionCommand wraps a command in session lookup and the ok/error envelope.
func (s *Server) sessionCommand(fn commandFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		engine, ok := s.sessions.Engine(sessionID)
		if !ok {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "stream not found"})
			return
		}

		body := map[string]any{}
		if r.Body != nil {
			// Empty bodies are fine for commands with no parameters.
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ActionTimeout)
		defer cancel()

		if err := fn(ctx, engine, body); err != nil {
			s.logger.Warn("session command failed",
				"session_id", sessionID,
				"error", err,
			)
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) doNavigate(ctx context.Context, engine capture.Engine, body map[string]any) error {
	u := stringField(body, "url")
	if u == "" {
		return fmt.Errorf("url is required")
	}
	return engine.Navigate(ctx, u)
}

func (s *Server) doClick(ctx context.Context, engine capture.Engine, body map[string]any) error {
	sel := stringField(body, "selector")
	if sel == "" {
		return fmt.Errorf("selector is required")
	}
	return engine.Click(ctx, sel)
}

func (s *Server) doType(ctx context.Context, engine capture.Engine, body map[string]any) error {
	sel := stringField(body, "selector")
	if sel == "" {
		return fmt.Errorf("selector is required")
	}
	return engine.Type(ctx, sel, stringField(body, "text"))
}

func (s *Server) doScroll(ctx context.Context, engine capture.Engine, body map[string]any) error {
	return engine.Scroll(ctx, intField(body, "dx"), intField(body, "dy"))
}

// agentTask builds the handler for one external framework endpoint. Framework
// failures of any kind come back as a structured payload with success=false;
// the transport status stays 200 so callers always parse one shape.
func (s *Server) agentTask(agentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Instruction string `json:"instruction"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusOK, agentFailure(agentType, "invalid task payload: "+err.Error()))
			return
		}

		fw, err := s.agents.Lookup(agentType)
		if err != nil {
			respondJSON(w, http.StatusOK, agentFailure(agentType, err.Error()))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AgentTimeout)
		defer cancel()

		s.logger.Info("agent task started", "agent_type", agentType)
		result, err := fw.Execute(ctx, req.Instruction)
		if err != nil {
			s.logger.Warn("agent task failed", "agent_type", agentType, "error", err)
			respondJSON(w, http.StatusOK, agentFailure(agentType, err.Error()))
			return
		}

		resp := map[string]any{
			"success":         true,
			"data":            result.Data,
			"actionsExecuted": result.ActionsExecuted,
			"agentType":       agentType,
		}
		if result.Screenshot != "" {
			resp["screenshot"] = result.Screenshot
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

func taskFailure(action, message string) map[string]any {
	return map[string]any{
		"success": false,
		"message": message,
		"action":  action,
		"error":   message,
	}
}

func agentFailure(agentType, message string) map[string]any {
	return map[string]any{
		"success":         false,
		"data":            map[string]string{"error": message},
		"actionsExecuted": 0,
		"agentType":       agentType,
	}
}

func stringField(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return v
}

func intField(body map[string]any, key string) int {
	// JSON numbers decode as float64 in an untyped map.
	v, _ := body[key].(float64)
	return int(v)
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
