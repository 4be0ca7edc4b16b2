package gateway

import (
	"context"
	"fmt"
	"sync"
)

// AgentResult is what an external automation framework returns from a run.
type AgentResult struct {
	// Data is the framework's raw result, returned to the caller verbatim.
	Data any

	// ActionsExecuted counts the browser actions the framework performed.
	ActionsExecuted int

	// Screenshot is an optional base64 screenshot taken by the framework.
	Screenshot string
}

// AgentFramework is an external automation agent (browser-use, skyvern and
// friends) that can execute a natural-language instruction against a browser.
type AgentFramework interface {
	// Name returns the framework identifier used in responses, e.g. "skyvern".
	Name() string

	// Execute runs the instruction to completion. Errors are surfaced to the
	// caller as a structured failure payload, never as a transport error.
	Execute(ctx context.Context, instruction string) (*AgentResult, error)
}

// AgentRegistry holds the frameworks available to the agent task endpoints.
// An endpoint whose framework is not registered answers with a structured
// failure rather than a server error.
type AgentRegistry struct {
	mu         sync.RWMutex
	frameworks map[string]AgentFramework
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{frameworks: make(map[string]AgentFramework)}
}

// Register adds or replaces the framework under its own name.
func (r *AgentRegistry) Register(fw AgentFramework) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameworks[fw.Name()] = fw
}

// Lookup returns the framework registered under name.
func (r *AgentRegistry) Lookup(name string) (AgentFramework, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fw, ok := r.frameworks[name]
	if !ok {
		return nil, fmt.Errorf("agent framework not registered: %s", name)
	}
	return fw, nil
}
