// Package registry is the process-wide catalog of agents keyed by DID.
//
// A DID is owned in one of two modes: exclusive (exactly one agent) or
// shared (several agents partitioned by URL-path prefix, at most one of
// them primary). All agent creation goes through the registry so the
// ownership invariants hold at every instant.
package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

var anpAgentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "anp_agents_registered",
	Help: "Number of agents currently registered.",
})

// Ownership modes of a DID entry.
const (
	OwnershipExclusive = "exclusive"
	OwnershipShared    = "shared"
)

// Options control how an agent participates in DID ownership.
type Options struct {
	Shared  bool
	Prefix  string // required when Shared
	Primary bool   // valid only when Shared
}

type entry struct {
	mode   string
	order  []string // insertion order of names; observable via GetAgents
	agents map[string]*Agent
}

// Registry is the process-wide agent catalog. It is created once at server
// startup; tests reset it with ClearAll.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// CreateAgent registers a new agent under didStr, enforcing the conflict
// rules in order: exclusive-on-owned, missing prefix, mode mismatch,
// duplicate prefix, duplicate primary.
func (r *Registry) CreateAgent(didStr, name string, opts Options) (*Agent, error) {
	canonical, err := did.Normalize(didStr)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[canonical]

	if !opts.Shared {
		if e != nil {
			return nil, &ConflictError{Kind: ConflictExclusive, DID: canonical, Existing: e.order[0]}
		}
	} else {
		if opts.Prefix == "" {
			return nil, &ConflictError{Kind: ConflictMissingPrefix, DID: canonical}
		}
		if e != nil {
			if e.mode == OwnershipExclusive {
				return nil, &ConflictError{Kind: ConflictMode, DID: canonical, Existing: e.order[0]}
			}
			for _, n := range e.order {
				if e.agents[n].Prefix == opts.Prefix {
					return nil, &ConflictError{Kind: ConflictPrefix, DID: canonical, Existing: n}
				}
			}
			if opts.Primary {
				for _, n := range e.order {
					if e.agents[n].Primary {
						return nil, &ConflictError{Kind: ConflictPrimary, DID: canonical, Existing: n}
					}
				}
			}
		}
	}

	if e == nil {
		mode := OwnershipExclusive
		if opts.Shared {
			mode = OwnershipShared
		}
		e = &entry{mode: mode, agents: make(map[string]*Agent)}
		r.entries[canonical] = e
	}
	if _, dup := e.agents[name]; dup {
		return nil, &ConflictError{Kind: ConflictExclusive, DID: canonical, Existing: name}
	}

	a := newAgent(canonical, name, opts)
	e.agents[name] = a
	e.order = append(e.order, name)
	anpAgentsRegistered.Inc()

	r.logger.Info("agent registered",
		zap.String("did", canonical),
		zap.String("name", name),
		zap.String("mode", e.mode),
		zap.Bool("primary", opts.Primary),
	)
	return a, nil
}

// GetAgent resolves a bare DID to its agent when the DID has exactly one
// entry. Ambiguous (shared, multi-agent) DIDs return ErrAgentNotFound;
// callers needing the full set use GetAgents.
func (r *Registry) GetAgent(didStr string) (*Agent, error) {
	agents := r.GetAgents(didStr)
	if len(agents) == 1 {
		return agents[0], nil
	}
	return nil, ErrAgentNotFound
}

// GetAgentByName resolves the exact <did>#<name> registration.
func (r *Registry) GetAgentByName(didStr, name string) (*Agent, error) {
	canonical, err := did.Normalize(didStr)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.entries[canonical]; e != nil {
		if a, ok := e.agents[name]; ok {
			return a, nil
		}
	}
	return nil, ErrAgentNotFound
}

// GetAgents returns every agent under a DID in insertion order. The order
// is observable: shared-DID prefix routing picks the first match.
func (r *Registry) GetAgents(didStr string) []*Agent {
	canonical, err := did.Normalize(didStr)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entries[canonical]
	if e == nil {
		return nil
	}
	out := make([]*Agent, 0, len(e.order))
	for _, n := range e.order {
		out = append(out, e.agents[n])
	}
	return out
}

// Mode returns the ownership mode of a DID, or "" when unregistered.
func (r *Registry) Mode(didStr string) string {
	canonical, err := did.Normalize(didStr)
	if err != nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.entries[canonical]; e != nil {
		return e.mode
	}
	return ""
}

// RemoveAgent erases the <did>#<name> registration. When a DID's last
// agent is removed the DID entry itself is erased.
func (r *Registry) RemoveAgent(didStr, name string) bool {
	canonical, err := did.Normalize(didStr)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[canonical]
	if e == nil {
		return false
	}
	if _, ok := e.agents[name]; !ok {
		return false
	}
	delete(e.agents, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if len(e.agents) == 0 {
		delete(r.entries, canonical)
	}
	anpAgentsRegistered.Dec()
	r.logger.Info("agent removed", zap.String("did", canonical), zap.String("name", name))
	return true
}

// List returns a snapshot of every registered agent for diagnostics,
// grouped by DID in no particular DID order but insertion order per DID.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, e := range r.entries {
		for _, n := range e.order {
			out = append(out, e.agents[n])
		}
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		n += len(e.agents)
	}
	return n
}

// ClearAll erases every entry. Test-only.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		anpAgentsRegistered.Sub(float64(len(e.agents)))
	}
	r.entries = make(map[string]*entry)
}
