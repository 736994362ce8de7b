// Package router resolves an inbound request (target DID, type, path,
// inbound host) to exactly one agent handler.
//
// Resolution is layered: exact (domain, port) bucket, then any other port on
// the same domain, then the global table. Shared DIDs add prefix-based
// sub-routing for API calls; messages bypass prefixes entirely and go to a
// message-capable agent.
package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/domain"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/registry"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
	"go.uber.org/zap"
)

var routingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anp_routing_errors_total",
	Help: "Requests that could not be resolved to any agent, by domain.",
}, []string{"domain"})

// NotFoundError reports that no agent could be resolved, with the agents
// available in the inbound (domain, port) bucket as a hint.
type NotFoundError struct {
	DID       string
	Host      string
	Port      int
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no agent for DID %s at %s:%d (available: %s)",
		e.DID, e.Host, e.Port, strings.Join(e.Available, ", "))
}

// Match is the routing outcome handed to the dispatch layer.
type Match struct {
	Agent *registry.Agent
	Host  string
	Port  int
}

// AgentInfo is the enumeration record served to operators.
type AgentInfo struct {
	DID     string `json:"did"`
	Name    string `json:"name"`
	Prefix  string `json:"prefix,omitempty"`
	Primary bool   `json:"primary,omitempty"`
	Shared  bool   `json:"shared,omitempty"`
}

// Router owns the domain index and the fallback tables. All tables are
// guarded by one lock; an agent removed from the registry is detached from
// every table in the same critical section.
type Router struct {
	reg    *registry.Registry
	shared *SharedDIDRegistry
	logger *zap.Logger

	mu sync.RWMutex
	// host → port → key → agent, where key is both "<did>#<name>" and the
	// bare DID for compatibility lookups.
	index map[string]map[int]map[string]*registry.Agent
	// Flat fallback keyed by bare DID, bare name, and "<did>#<name>".
	global map[string]*registry.Agent
	// Cross-domain compatibility table keyed by "host:port:did".
	crossDomain map[string]*registry.Agent
}

// New creates a Router over the given registry.
func New(reg *registry.Registry, logger *zap.Logger) *Router {
	return &Router{
		reg:         reg,
		shared:      NewSharedDIDRegistry(),
		logger:      logger,
		index:       make(map[string]map[int]map[string]*registry.Agent),
		global:      make(map[string]*registry.Agent),
		crossDomain: make(map[string]*registry.Agent),
	}
}

// Shared exposes the shared-DID routing table.
func (rt *Router) Shared() *SharedDIDRegistry {
	return rt.shared
}

// AttachAgent binds an agent to a (host, port) bucket and to the fallback
// tables. Shared agents also publish their full paths to the shared-DID
// table.
func (rt *Router) AttachAgent(host string, port int, a *registry.Agent) {
	host = domain.NormalizeHost(host)

	rt.mu.Lock()
	ports := rt.index[host]
	if ports == nil {
		ports = make(map[int]map[string]*registry.Agent)
		rt.index[host] = ports
	}
	bucket := ports[port]
	if bucket == nil {
		bucket = make(map[string]*registry.Agent)
		ports[port] = bucket
	}
	bucket[a.Key()] = a
	bucket[a.DID] = a

	if prev, ok := rt.global[a.DID]; ok && prev != a {
		rt.logger.Debug("global DID key overwritten",
			zap.String("did", a.DID),
			zap.String("previous", prev.Name),
			zap.String("current", a.Name),
		)
	}
	rt.global[a.DID] = a
	rt.global[a.Name] = a
	rt.global[a.Key()] = a
	rt.crossDomain[crossKey(host, port, a.DID)] = a
	rt.mu.Unlock()

	if a.Shared {
		for _, full := range a.APIPaths() {
			original := full
			if a.Prefix != "" && strings.HasPrefix(full, a.Prefix) {
				original = full[len(a.Prefix):]
			}
			rt.shared.Register(a.DID, full, a.Name, original)
		}
	}
}

// DetachAgent removes an agent from every routing table in one critical
// section, then from the shared-DID table.
func (rt *Router) DetachAgent(a *registry.Agent) {
	rt.mu.Lock()
	for host, ports := range rt.index {
		for port, bucket := range ports {
			for k, v := range bucket {
				if v == a {
					delete(bucket, k)
				}
			}
			if len(bucket) == 0 {
				delete(ports, port)
			}
		}
		if len(ports) == 0 {
			delete(rt.index, host)
		}
	}
	for k, v := range rt.global {
		if v == a {
			delete(rt.global, k)
		}
	}
	for k, v := range rt.crossDomain {
		if v == a {
			delete(rt.crossDomain, k)
		}
	}
	rt.mu.Unlock()

	if a.Shared {
		rt.shared.Unregister(a.DID, a.Name)
	}
}

// Route resolves a request to a single agent.
func (rt *Router) Route(req *registry.Request) (*Match, error) {
	canonical, err := did.Normalize(req.TargetDID)
	if err != nil {
		return nil, fmt.Errorf("route: %w", err)
	}
	req.TargetDID = canonical
	host := domain.NormalizeHost(req.Host)
	port := req.Port

	entries := rt.reg.GetAgents(canonical)

	// Messages skip prefix routing and go to a message-capable agent.
	if req.IsMessage() && len(entries) > 0 {
		return &Match{Agent: selectMessageAgent(entries), Host: host, Port: port}, nil
	}

	// Shared DID with several agents: first prefix match in insertion order.
	if len(entries) >= 2 && entries[0].Shared {
		for _, a := range entries {
			if a.Prefix != "" && strings.HasPrefix(req.Path, a.Prefix) {
				return &Match{Agent: a, Host: host, Port: port}, nil
			}
		}
		// No prefix matched: fall through to the generic lookup.
	}

	if a := rt.lookup(host, port, canonical); a != nil {
		return &Match{Agent: a, Host: host, Port: port}, nil
	}

	// The registry may hold agents that were never attached to a bucket
	// (created programmatically after startup). Attach lazily.
	if len(entries) > 0 {
		for _, a := range entries {
			rt.AttachAgent(host, port, a)
		}
		return &Match{Agent: entries[0], Host: host, Port: port}, nil
	}

	routingErrorsTotal.WithLabelValues(host + ":" + strconv.Itoa(port)).Inc()
	return nil, &NotFoundError{
		DID:       canonical,
		Host:      host,
		Port:      port,
		Available: rt.availableKeys(host, port),
	}
}

// lookup applies the generic precedence chain: exact bucket, same-domain
// other port, global table.
func (rt *Router) lookup(host string, port int, canonical string) *registry.Agent {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if bucket := rt.bucket(host, port); bucket != nil {
		if a, ok := bucket[canonical]; ok {
			return a
		}
	}

	for otherPort, bucket := range rt.index[host] {
		if otherPort == port {
			continue
		}
		if a, ok := bucket[canonical]; ok {
			rt.logger.Warn("cross-port agent lookup",
				zap.String("did", canonical),
				zap.String("host", host),
				zap.Int("request_port", port),
				zap.Int("agent_port", otherPort),
			)
			return a
		}
	}

	if a, ok := rt.global[canonical]; ok {
		rt.logger.Warn("global-table agent lookup",
			zap.String("did", canonical),
			zap.String("host", host),
			zap.Int("port", port),
		)
		return a
	}
	return nil
}

func (rt *Router) bucket(host string, port int) map[string]*registry.Agent {
	if ports := rt.index[host]; ports != nil {
		return ports[port]
	}
	return nil
}

// selectMessageAgent picks the agent that receives a peer message: the
// primary, else the first with message handlers, else the first agent
// (which will answer with a structured no-handler error).
func selectMessageAgent(entries []*registry.Agent) *registry.Agent {
	for _, a := range entries {
		if a.Primary {
			return a
		}
	}
	for _, a := range entries {
		if a.HasMessageHandlers() {
			return a
		}
	}
	return entries[0]
}

// AgentsFor enumerates the agents attached to a (host, port) bucket,
// sorted by registration key.
func (rt *Router) AgentsFor(host string, port int) []AgentInfo {
	host = domain.NormalizeHost(host)
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	bucket := rt.bucket(host, port)
	seen := make(map[*registry.Agent]bool)
	var out []AgentInfo
	for k, a := range bucket {
		if !strings.Contains(k, "#") || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, AgentInfo{
			DID:     a.DID,
			Name:    a.Name,
			Prefix:  a.Prefix,
			Primary: a.Primary,
			Shared:  a.Shared,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DID != out[j].DID {
			return out[i].DID < out[j].DID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (rt *Router) availableKeys(host string, port int) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	bucket := rt.bucket(host, port)
	var keys []string
	for k := range bucket {
		if strings.Contains(k, "#") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func crossKey(host string, port int, didStr string) string {
	return host + ":" + strconv.Itoa(port) + ":" + didStr
}
