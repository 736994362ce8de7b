// Package descriptor generates the per-DID discovery artefacts served to
// external peers: the JSON-LD agent description (ad.json), an OpenAPI 3.0
// document (api_interface.yaml), and a JSON-RPC 2.0 methods document
// (api_interface.json).
//
// All three files are per-DID aggregates: every agent sharing the DID
// contributes its registered paths. Output is deterministic, so
// regenerating without a registry change rewrites identical bytes.
package descriptor

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/registry"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/userdata"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

// Artefact filenames inside a user directory.
const (
	ADFile      = "ad.json"
	OpenAPIFile = "api_interface.yaml"
	JSONRPCFile = "api_interface.json"
)

// adContext is the fixed JSON-LD context of every agent description.
var adContext = map[string]string{
	"@vocab": "https://schema.org/",
	"did":    "https://w3id.org/did#",
	"ad":     "https://agent-network-protocol.com/ad#",
}

// Generator builds descriptor files from the live registry and writes them
// into user directories.
type Generator struct {
	reg    *registry.Registry
	users  *userdata.Store
	logger *zap.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(reg *registry.Registry, users *userdata.Store, logger *zap.Logger) *Generator {
	return &Generator{reg: reg, users: users, logger: logger}
}

// endpoint is one aggregated (path, schema) pair collected across the
// agents of a DID, in registry insertion order.
type endpoint struct {
	Path    string
	Agent   string
	Summary string
	Method  string
	Params  map[string]any
	Result  map[string]any
}

// GenerateFor writes the three descriptor files for one DID into its user
// directory under root. host and port anchor the URLs in the output.
func (g *Generator) GenerateFor(didStr, host string, port int, root string) error {
	canonical, err := did.Normalize(didStr)
	if err != nil {
		return fmt.Errorf("generate descriptors: %w", err)
	}
	agents := g.reg.GetAgents(canonical)
	if len(agents) == 0 {
		return fmt.Errorf("generate descriptors: no agents registered for %s", canonical)
	}

	eps := g.collect(canonical, agents)
	shortID := did.ShortIDOf(canonical)
	base := fmt.Sprintf("http://%s:%d", host, port)

	if err := g.users.WriteJSON(root, shortID, ADFile, g.agentDescription(canonical, agents, eps, base, shortID)); err != nil {
		return err
	}
	openapi, err := yaml.Marshal(g.openAPIDocument(canonical, agents, eps))
	if err != nil {
		return fmt.Errorf("encode OpenAPI document for %s: %w", canonical, err)
	}
	if err := g.users.WriteFile(root, shortID, OpenAPIFile, openapi); err != nil {
		return err
	}
	if err := g.users.WriteJSON(root, shortID, JSONRPCFile, g.jsonRPCDocument(eps)); err != nil {
		return err
	}

	g.logger.Info("descriptors generated",
		zap.String("did", canonical),
		zap.Int("paths", len(eps)),
	)
	return nil
}

// collect merges every agent's paths, resolving each path's declared schema.
// A path without a declared schema gets an empty one and a warning.
func (g *Generator) collect(canonical string, agents []*registry.Agent) []endpoint {
	var eps []endpoint
	for _, a := range agents {
		for _, p := range a.APIPaths() {
			ep := endpoint{Path: p, Agent: a.Name, Method: "POST"}
			if cfg, ok := a.APIConfigFor(p); ok {
				ep.Summary = cfg.Summary
				ep.Params = cfg.Params
				ep.Result = cfg.Result
				if cfg.Method != "" {
					ep.Method = strings.ToUpper(cfg.Method)
				}
			} else {
				g.logger.Warn("no declared schema for API path, emitting empty schema",
					zap.String("did", canonical),
					zap.String("agent", a.Name),
					zap.String("path", p),
				)
			}
			if ep.Summary == "" {
				ep.Summary = fmt.Sprintf("%s API at %s", a.Name, p)
			}
			eps = append(eps, ep)
		}
	}
	return eps
}

func (g *Generator) agentDescription(canonical string, agents []*registry.Agent, eps []endpoint, base, shortID string) map[string]any {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}

	interfaces := []any{
		map[string]any{
			"@type":       "ad:NaturalLanguageInterface",
			"protocol":    "YAML",
			"url":         fmt.Sprintf("%s/wba/user/%s/%s", base, shortID, OpenAPIFile),
			"description": "OpenAPI document describing every callable endpoint.",
		},
		map[string]any{
			"@type":       "ad:StructuredInterface",
			"protocol":    "JSON-RPC 2.0",
			"url":         fmt.Sprintf("%s/wba/user/%s/%s", base, shortID, JSONRPCFile),
			"description": "JSON-RPC methods document.",
		},
	}
	for _, ep := range eps {
		interfaces = append(interfaces, map[string]any{
			"@type":    "ad:StructuredInterface",
			"protocol": "HTTP",
			"name":     ep.Path,
			"url":      fmt.Sprintf("%s/agent/api/%s%s", base, canonical, ep.Path),
			"method":   ep.Method,
			"summary":  ep.Summary,
		})
	}

	return map[string]any{
		"@context":      adContext,
		"@type":         "ad:AgentDescription",
		"did":           canonical,
		"name":          strings.Join(names, ", "),
		"ad:interfaces": interfaces,
	}
}

// OpenAPI document shape. Struct fields keep the conventional section order;
// map keys are sorted by the YAML encoder, so output is stable.
type openAPIDoc struct {
	OpenAPI string                 `yaml:"openapi"`
	Info    openAPIInfo            `yaml:"info"`
	Paths   map[string]openAPIPath `yaml:"paths"`
}

type openAPIInfo struct {
	Title       string `yaml:"title"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

type openAPIPath struct {
	Post *openAPIOperation `yaml:"post,omitempty"`
	Get  *openAPIOperation `yaml:"get,omitempty"`
}

type openAPIOperation struct {
	Summary     string         `yaml:"summary"`
	OperationID string         `yaml:"operationId"`
	RequestBody map[string]any `yaml:"requestBody,omitempty"`
	Responses   map[string]any `yaml:"responses"`
}

func (g *Generator) openAPIDocument(canonical string, agents []*registry.Agent, eps []endpoint) openAPIDoc {
	paths := make(map[string]openAPIPath, len(eps))
	for _, ep := range eps {
		op := &openAPIOperation{
			Summary:     ep.Summary,
			OperationID: methodName(ep.Path),
			Responses: map[string]any{
				"200": map[string]any{
					"description": "Successful response",
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": resultSchema(ep.Result),
						},
					},
				},
			},
		}
		if ep.Method != "GET" {
			op.RequestBody = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": paramsSchema(ep.Params),
					},
				},
			}
		}
		entry := openAPIPath{}
		if ep.Method == "GET" {
			entry.Get = op
		} else {
			entry.Post = op
		}
		paths[ep.Path] = entry
	}

	return openAPIDoc{
		OpenAPI: "3.0.0",
		Info: openAPIInfo{
			Title:       fmt.Sprintf("Agent API: %s", agentTitle(agents)),
			Version:     "1.0.0",
			Description: fmt.Sprintf("Aggregated API surface for %s", canonical),
		},
		Paths: paths,
	}
}

func (g *Generator) jsonRPCDocument(eps []endpoint) map[string]any {
	methods := make([]any, 0, len(eps))
	for _, ep := range eps {
		m := map[string]any{
			"name":    methodName(ep.Path),
			"summary": ep.Summary,
			"params":  paramsSchema(ep.Params),
		}
		if ep.Result != nil {
			m["result"] = ep.Result
		}
		methods = append(methods, m)
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"methods": methods,
	}
}

// methodName maps an API path to its JSON-RPC method name: the path with
// "/" separators replaced by ".".
func methodName(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func paramsSchema(params map[string]any) map[string]any {
	if len(params) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{"type": "object", "properties": params}
}

func resultSchema(result map[string]any) map[string]any {
	if len(result) == 0 {
		return map[string]any{"type": "object"}
	}
	return result
}

func agentTitle(agents []*registry.Agent) string {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	return strings.Join(names, ", ")
}
