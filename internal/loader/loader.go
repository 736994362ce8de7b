// Package loader turns on-disk agent deployment descriptors into live
// registry agents. A descriptor directory holds an agent_mappings.yaml
// naming the agent, its DID, optional shared-DID settings, and the API
// paths it exposes; the Go handlers themselves are supplied by the
// embedding program as a HandlerPack keyed by handler name.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/registry"
)

// DescriptorFile is the deployment descriptor filename inside an agent
// directory.
const DescriptorFile = "agent_mappings.yaml"

// Descriptor is the YAML deployment descriptor of one agent.
type Descriptor struct {
	Name     string     `yaml:"name"`
	DID      string     `yaml:"did"`
	ShareDID ShareDID   `yaml:"share_did"`
	API      []APIEntry `yaml:"api"`
}

// ShareDID configures shared-DID membership.
type ShareDID struct {
	Enabled      bool   `yaml:"enabled"`
	SharedDID    string `yaml:"shared_did"`
	PathPrefix   string `yaml:"path_prefix"`
	PrimaryAgent bool   `yaml:"primary_agent"`
}

// APIEntry declares one API path and the name of the handler serving it.
type APIEntry struct {
	Path    string         `yaml:"path"`
	Handler string         `yaml:"handler"`
	Params  map[string]any `yaml:"params"`
	Summary string         `yaml:"summary"`
	Result  map[string]any `yaml:"result"`
	Method  string         `yaml:"method"`
}

// EffectiveDID returns the DID the agent registers under: the shared DID
// when sharing is enabled, the agent's own otherwise.
func (d *Descriptor) EffectiveDID() string {
	if d.ShareDID.Enabled {
		return d.ShareDID.SharedDID
	}
	return d.DID
}

// HandlerPack supplies the executable side of a descriptor: named API
// handlers, message handlers by type, and optional lifecycle hooks. A
// non-nil Register makes the agent self-registering and the descriptor's
// api list is ignored.
type HandlerPack struct {
	Handlers        map[string]registry.HandlerFunc
	MessageHandlers map[string]registry.HandlerFunc
	Register        func(a *registry.Agent) error
	Init            func(ctx context.Context) error
	Cleanup         func(ctx context.Context) error
}

// Loaded is one successfully loaded agent plus its lifecycle hooks.
type Loaded struct {
	Agent   *registry.Agent
	Dir     string
	Init    func(ctx context.Context) error
	Cleanup func(ctx context.Context) error
}

// Loader creates agents from descriptors.
type Loader struct {
	reg    *registry.Registry
	packs  map[string]*HandlerPack
	logger *zap.Logger
}

// New creates a Loader over the registry.
func New(reg *registry.Registry, logger *zap.Logger) *Loader {
	return &Loader{reg: reg, packs: make(map[string]*HandlerPack), logger: logger}
}

// RegisterPack binds a HandlerPack to an agent name before loading.
func (l *Loader) RegisterPack(agentName string, pack *HandlerPack) {
	l.packs[agentName] = pack
}

// LoadDir reads the descriptor in dir and creates its agent.
func (l *Loader) LoadDir(dir string) (*Loaded, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, fmt.Errorf("read descriptor in %s: %w", dir, err)
	}
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("decode descriptor in %s: %w", dir, err)
	}
	loaded, err := l.Load(&desc)
	if err != nil {
		return nil, err
	}
	loaded.Dir = dir
	return loaded, nil
}

// Load creates the agent a descriptor describes and attaches its handlers.
func (l *Loader) Load(desc *Descriptor) (*Loaded, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("descriptor has no agent name")
	}
	effective := desc.EffectiveDID()
	if effective == "" {
		return nil, fmt.Errorf("agent %q: descriptor has no DID", desc.Name)
	}

	opts := registry.Options{}
	if desc.ShareDID.Enabled {
		opts.Shared = true
		opts.Prefix = desc.ShareDID.PathPrefix
		opts.Primary = desc.ShareDID.PrimaryAgent
	}
	agent, err := l.reg.CreateAgent(effective, desc.Name, opts)
	if err != nil {
		return nil, fmt.Errorf("create agent %q: %w", desc.Name, err)
	}

	pack := l.packs[desc.Name]
	if pack == nil {
		pack = &HandlerPack{}
	}

	loaded := &Loaded{Agent: agent, Init: pack.Init, Cleanup: pack.Cleanup}

	// A register hook makes the agent self-registering.
	if pack.Register != nil {
		if err := pack.Register(agent); err != nil {
			l.reg.RemoveAgent(effective, desc.Name)
			return nil, fmt.Errorf("register hook for agent %q: %w", desc.Name, err)
		}
		return loaded, nil
	}

	for _, entry := range desc.API {
		h := pack.Handlers[entry.Handler]
		if h == nil {
			l.logger.Warn("descriptor names an unknown handler, storing schema only",
				zap.String("agent", desc.Name),
				zap.String("path", entry.Path),
				zap.String("handler", entry.Handler),
			)
			agent.SetAPIConfig(entry.Path, apiConfig(entry))
			continue
		}
		cfg := apiConfig(entry)
		if err := agent.RegisterAPI(entry.Path, h, &cfg); err != nil {
			l.reg.RemoveAgent(effective, desc.Name)
			return nil, fmt.Errorf("agent %q: %w", desc.Name, err)
		}
	}

	for msgType, h := range pack.MessageHandlers {
		if err := agent.RegisterMessageHandler(msgType, h); err != nil {
			if errors.Is(err, registry.ErrMessagePermission) {
				// Expected for non-primary shared agents.
				l.logger.Warn("skipping message handler on non-primary shared agent",
					zap.String("agent", desc.Name),
					zap.String("message_type", msgType),
				)
				continue
			}
			l.reg.RemoveAgent(effective, desc.Name)
			return nil, fmt.Errorf("agent %q: %w", desc.Name, err)
		}
	}

	l.logger.Info("agent loaded",
		zap.String("agent", desc.Name),
		zap.String("did", agent.DID),
		zap.Bool("shared", agent.Shared),
	)
	return loaded, nil
}

// LoadAll loads every subdirectory of root that carries a descriptor, in
// lexicographic order so shared-DID insertion order is reproducible. A
// directory that fails to load is reported and skipped.
func (l *Loader) LoadAll(root string) ([]*Loaded, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan agent root %s: %w", root, err)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, DescriptorFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)

	var out []*Loaded
	for _, dir := range dirs {
		loaded, err := l.LoadDir(dir)
		if err != nil {
			l.logger.Error("agent failed to load", zap.String("dir", dir), zap.Error(err))
			continue
		}
		out = append(out, loaded)
	}
	return out, nil
}

func apiConfig(entry APIEntry) registry.APIConfig {
	return registry.APIConfig{
		Params:  entry.Params,
		Summary: entry.Summary,
		Result:  entry.Result,
		Method:  entry.Method,
	}
}
