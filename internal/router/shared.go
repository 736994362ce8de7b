package router

import (
	"sort"
	"strings"
	"sync"
)

// RouteTarget names the agent and original (unprefixed) path behind one
// full path of a shared DID.
type RouteTarget struct {
	AgentName    string `json:"agent_name"`
	OriginalPath string `json:"original_path"`
}

// SharedDIDRegistry is the operator-facing routing table for shared DIDs:
// sharedDID → fullPath → (agent, originalPath). A fullPath ending in "*"
// matches by prefix; the matched remainder is appended to the original
// path on resolution.
//
// Live routing matches on the agent's declared prefix instead; this table
// exists so the effective layout of a shared DID can be enumerated.
type SharedDIDRegistry struct {
	mu    sync.RWMutex
	table map[string]map[string]RouteTarget
}

// NewSharedDIDRegistry creates an empty table.
func NewSharedDIDRegistry() *SharedDIDRegistry {
	return &SharedDIDRegistry{table: make(map[string]map[string]RouteTarget)}
}

// Register records fullPath → (agentName, originalPath) under sharedDID.
func (s *SharedDIDRegistry) Register(sharedDID, fullPath, agentName, originalPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	routes := s.table[sharedDID]
	if routes == nil {
		routes = make(map[string]RouteTarget)
		s.table[sharedDID] = routes
	}
	routes[fullPath] = RouteTarget{AgentName: agentName, OriginalPath: originalPath}
}

// Unregister removes every route owned by agentName under sharedDID.
func (s *SharedDIDRegistry) Unregister(sharedDID, agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	routes := s.table[sharedDID]
	for p, t := range routes {
		if t.AgentName == agentName {
			delete(routes, p)
		}
	}
	if len(routes) == 0 {
		delete(s.table, sharedDID)
	}
}

// Resolve maps a request path to its target. Exact matches win; otherwise
// wildcard entries ("/x/*") match by prefix and the remainder is appended
// to the original path. The longest wildcard prefix wins.
func (s *SharedDIDRegistry) Resolve(sharedDID, requestPath string) (RouteTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	routes := s.table[sharedDID]
	if routes == nil {
		return RouteTarget{}, false
	}
	if t, ok := routes[requestPath]; ok {
		return t, true
	}

	bestLen := -1
	var best RouteTarget
	for p, t := range routes {
		if !strings.HasSuffix(p, "*") {
			continue
		}
		prefix := strings.TrimSuffix(p, "*")
		if strings.HasPrefix(requestPath, prefix) && len(prefix) > bestLen {
			// Keep the path separator in the remainder: "/x/*" with
			// original "/y" maps "/x/abc" to "/y/abc", not "/yabc".
			rest := requestPath[len(prefix):]
			if rest != "" && strings.HasSuffix(prefix, "/") {
				rest = "/" + rest
			}
			bestLen = len(prefix)
			best = RouteTarget{
				AgentName:    t.AgentName,
				OriginalPath: t.OriginalPath + rest,
			}
		}
	}
	if bestLen < 0 {
		return RouteTarget{}, false
	}
	return best, true
}

// Routes returns a snapshot of the table for one shared DID with paths sorted.
func (s *SharedDIDRegistry) Routes(sharedDID string) []struct {
	FullPath string
	Target   RouteTarget
} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	routes := s.table[sharedDID]
	paths := make([]string, 0, len(routes))
	for p := range routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]struct {
		FullPath string
		Target   RouteTarget
	}, 0, len(paths))
	for _, p := range paths {
		out = append(out, struct {
			FullPath string
			Target   RouteTarget
		}{FullPath: p, Target: routes[p]})
	}
	return out
}
