package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc is an agent-owned callable for API and message requests.
// The returned value is serialized to JSON by the HTTP surface.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// GroupHandlerFunc handles a single group event.
type GroupHandlerFunc func(ctx context.Context, groupID, eventType string, payload map[string]any) (any, error)

// APIConfig is the declared schema for one API path, consumed by the
// description generator.
type APIConfig struct {
	Params  map[string]any `json:"params,omitempty"  yaml:"params"`
	Summary string         `json:"summary,omitempty" yaml:"summary"`
	Result  map[string]any `json:"result,omitempty"  yaml:"result"`
	Method  string         `json:"method,omitempty"  yaml:"method"`
}

// Agent is an in-memory functional unit bound to a DID. API routes are
// stored under their full path (prefix included for shared agents);
// registration order is preserved for deterministic descriptor output.
type Agent struct {
	DID       string
	Name      string
	Shared    bool
	Prefix    string // set when Shared; every API path lives under it
	Primary   bool   // when Shared, the unique agent that handles messages
	CreatedAt time.Time

	mu              sync.RWMutex
	apiRoutes       map[string]HandlerFunc
	apiOrder        []string
	apiConfigs      map[string]APIConfig
	messageHandlers map[string]HandlerFunc // keyed by message type; "*" is the wildcard
	groupHandlers   map[string][]GroupHandlerFunc
	globalGroup     []GroupHandlerFunc
}

func newAgent(didStr, name string, opts Options) *Agent {
	return &Agent{
		DID:             didStr,
		Name:            name,
		Shared:          opts.Shared,
		Prefix:          opts.Prefix,
		Primary:         opts.Primary,
		CreatedAt:       time.Now().UTC(),
		apiRoutes:       make(map[string]HandlerFunc),
		apiConfigs:      make(map[string]APIConfig),
		messageHandlers: make(map[string]HandlerFunc),
		groupHandlers:   make(map[string][]GroupHandlerFunc),
	}
}

// Key returns the registration key <did>#<name>.
func (a *Agent) Key() string {
	return a.DID + "#" + a.Name
}

// FullPath prepends the agent's prefix to an API path. Paths that already
// carry the prefix pass through unchanged.
func (a *Agent) FullPath(path string) string {
	if !a.Shared || a.Prefix == "" {
		return path
	}
	if path == a.Prefix || len(path) > len(a.Prefix) && path[:len(a.Prefix)+1] == a.Prefix+"/" {
		return path
	}
	return a.Prefix + path
}

// RegisterAPI registers a handler for an API path. The stored route key is
// the full (prefixed) path. An existing route for the same path is an error;
// handler ownership is never transferred silently.
func (a *Agent) RegisterAPI(path string, h HandlerFunc, cfg *APIConfig) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("API path %q must start with '/'", path)
	}
	full := a.FullPath(path)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.apiRoutes[full]; exists {
		return fmt.Errorf("API path %q already registered on agent %q", full, a.Name)
	}
	a.apiRoutes[full] = h
	a.apiOrder = append(a.apiOrder, full)
	if cfg != nil {
		a.apiConfigs[full] = *cfg
	}
	return nil
}

// RegisterMessageHandler registers a handler for a message type ("*" for
// any). Non-primary shared agents are refused.
func (a *Agent) RegisterMessageHandler(msgType string, h HandlerFunc) error {
	if a.Shared && !a.Primary {
		return fmt.Errorf("agent %q on DID %s: %w", a.Name, a.DID, ErrMessagePermission)
	}
	if msgType == "" {
		msgType = "*"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageHandlers[msgType] = h
	return nil
}

// RegisterGroupHandler registers a handler for (groupID, eventType).
func (a *Agent) RegisterGroupHandler(groupID, eventType string, h GroupHandlerFunc) {
	key := groupID + "\x00" + eventType
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groupHandlers[key] = append(a.groupHandlers[key], h)
}

// RegisterGlobalGroupHandler registers a handler invoked for every group event.
func (a *Agent) RegisterGlobalGroupHandler(h GroupHandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.globalGroup = append(a.globalGroup, h)
}

// HasMessageHandlers reports whether any message handler is registered.
func (a *Agent) HasMessageHandlers() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.messageHandlers) > 0
}

// APIPaths returns the registered full paths in registration order.
func (a *Agent) APIPaths() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.apiOrder))
	copy(out, a.apiOrder)
	return out
}

// APIConfigFor resolves the declared config for a full path, trying the
// path as stored and then the path stripped of the agent's prefix.
func (a *Agent) APIConfigFor(fullPath string) (APIConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if cfg, ok := a.apiConfigs[fullPath]; ok {
		return cfg, true
	}
	if a.Shared && a.Prefix != "" && len(fullPath) > len(a.Prefix) {
		if cfg, ok := a.apiConfigs[fullPath[len(a.Prefix):]]; ok {
			return cfg, true
		}
	}
	return APIConfig{}, false
}

// SetAPIConfig stores a declared schema without registering a handler.
func (a *Agent) SetAPIConfig(path string, cfg APIConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apiConfigs[a.FullPath(path)] = cfg
}

// HandleRequest dispatches a routed request to the owning handler.
func (a *Agent) HandleRequest(ctx context.Context, req *Request) (any, error) {
	switch {
	case req.IsGroupEvent():
		return a.handleGroupEvent(ctx, req)
	case req.IsMessage():
		return a.handleMessage(ctx, req)
	default:
		return a.handleAPICall(ctx, req)
	}
}

func (a *Agent) handleAPICall(ctx context.Context, req *Request) (any, error) {
	a.mu.RLock()
	h, ok := a.apiRoutes[req.Path]
	if !ok && a.Shared && a.Prefix != "" {
		// Tolerate callers that omit the shared prefix.
		h, ok = a.apiRoutes[a.Prefix+req.Path]
	}
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %q has no API at %q: %w", a.Name, req.Path, ErrNoRoute)
	}
	return h(ctx, req)
}

func (a *Agent) handleMessage(ctx context.Context, req *Request) (any, error) {
	mt := req.MessageType()
	a.mu.RLock()
	h, ok := a.messageHandlers[mt]
	if !ok {
		h, ok = a.messageHandlers["*"]
	}
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %q has no message handler for type %q: %w", a.Name, mt, ErrNoRoute)
	}
	return h(ctx, req)
}

func (a *Agent) handleGroupEvent(ctx context.Context, req *Request) (any, error) {
	key := req.GroupID + "\x00" + req.EventType
	a.mu.RLock()
	handlers := append([]GroupHandlerFunc{}, a.groupHandlers[key]...)
	handlers = append(handlers, a.globalGroup...)
	a.mu.RUnlock()

	if len(handlers) == 0 {
		// Group membership events succeed even without application handlers.
		return map[string]any{
			"status":   "ok",
			"group_id": req.GroupID,
			"event":    req.EventType,
			"handled":  false,
		}, nil
	}

	var results []any
	for _, h := range handlers {
		res, err := h(ctx, req.GroupID, req.EventType, req.Body)
		if err != nil {
			return nil, fmt.Errorf("group handler for %s/%s: %w", req.GroupID, req.EventType, err)
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return map[string]any{
		"status":   "ok",
		"group_id": req.GroupID,
		"event":    req.EventType,
		"handled":  true,
		"results":  results,
	}, nil
}
