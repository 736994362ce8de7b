package router_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/registry"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/router"
	"go.uber.org/zap"
)

const (
	didCalc   = "did:wba:localhost%3A9527:wba:user:AAAA"
	didShared = "did:wba:localhost%3A9527:wba:user:BBBB"
)

func named(name string) registry.HandlerFunc {
	return func(ctx context.Context, req *registry.Request) (any, error) {
		return map[string]any{"agent": name}, nil
	}
}

func setup(t *testing.T) (*registry.Registry, *router.Router) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	rt := router.New(reg, zap.NewNop())
	return reg, rt
}

func sharedPair(t *testing.T, reg *registry.Registry, rt *router.Router) (*registry.Agent, *registry.Agent) {
	t.Helper()
	weather, err := reg.CreateAgent(didShared, "Weather", registry.Options{Shared: true, Prefix: "/weather", Primary: true})
	if err != nil {
		t.Fatalf("create Weather: %v", err)
	}
	help, err := reg.CreateAgent(didShared, "Help", registry.Options{Shared: true, Prefix: "/assistant"})
	if err != nil {
		t.Fatalf("create Help: %v", err)
	}
	if err := weather.RegisterAPI("/current", named("Weather"), nil); err != nil {
		t.Fatal(err)
	}
	if err := help.RegisterAPI("/help", named("Help"), nil); err != nil {
		t.Fatal(err)
	}
	weather.RegisterMessageHandler("*", named("Weather"))
	rt.AttachAgent("localhost", 9527, weather)
	rt.AttachAgent("localhost", 9527, help)
	return weather, help
}

func TestRoute_exactBucket(t *testing.T) {
	reg, rt := setup(t)
	calc, _ := reg.CreateAgent(didCalc, "Calc", registry.Options{})
	rt.AttachAgent("localhost", 9527, calc)

	m, err := rt.Route(&registry.Request{
		TargetDID: didCalc, Type: registry.TypeAPICall, Path: "/add",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if m.Agent.Name != "Calc" {
		t.Errorf("routed to %q", m.Agent.Name)
	}
}

func TestRoute_sharedPrefix(t *testing.T) {
	reg, rt := setup(t)
	sharedPair(t, reg, rt)

	m, err := rt.Route(&registry.Request{
		TargetDID: didShared, Type: registry.TypeAPICall, Path: "/weather/current",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	if err != nil {
		t.Fatalf("route weather: %v", err)
	}
	if m.Agent.Name != "Weather" {
		t.Errorf("weather path routed to %q", m.Agent.Name)
	}

	m, err = rt.Route(&registry.Request{
		TargetDID: didShared, Type: registry.TypeAPICall, Path: "/assistant/help",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	if err != nil {
		t.Fatalf("route assistant: %v", err)
	}
	if m.Agent.Name != "Help" {
		t.Errorf("assistant path routed to %q", m.Agent.Name)
	}
}

func TestRoute_messageGoesToPrimary(t *testing.T) {
	reg, rt := setup(t)
	sharedPair(t, reg, rt)

	// A message never consults prefixes, even with a path that would
	// prefix-match the non-primary agent.
	m, err := rt.Route(&registry.Request{
		TargetDID: didShared, Type: registry.TypeMessage, Path: "/assistant/help",
		Host: "localhost", Port: 9527,
		Body: map[string]any{"type": "message", "content": "hi"},
	})
	if err != nil {
		t.Fatalf("route message: %v", err)
	}
	if m.Agent.Name != "Weather" {
		t.Errorf("message routed to %q, want primary Weather", m.Agent.Name)
	}
}

func TestRoute_messagePathPrefix(t *testing.T) {
	reg, rt := setup(t)
	sharedPair(t, reg, rt)

	// Requests under /message/ are messages even without an explicit type.
	m, err := rt.Route(&registry.Request{
		TargetDID: didShared, Type: registry.TypeAPICall, Path: "/message/post",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if m.Agent.Name != "Weather" {
		t.Errorf("routed to %q, want Weather", m.Agent.Name)
	}
}

func TestRoute_crossPortFallback(t *testing.T) {
	reg, rt := setup(t)
	calc, _ := reg.CreateAgent(didCalc, "Calc", registry.Options{})
	rt.AttachAgent("localhost", 9528, calc)

	m, err := rt.Route(&registry.Request{
		TargetDID: didCalc, Type: registry.TypeAPICall, Path: "/add",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	if err != nil {
		t.Fatalf("cross-port route: %v", err)
	}
	if m.Agent.Name != "Calc" {
		t.Errorf("routed to %q", m.Agent.Name)
	}
}

func TestRoute_globalFallback(t *testing.T) {
	reg, rt := setup(t)
	calc, _ := reg.CreateAgent(didCalc, "Calc", registry.Options{})
	rt.AttachAgent("other.example.com", 80, calc)

	m, err := rt.Route(&registry.Request{
		TargetDID: didCalc, Type: registry.TypeAPICall, Path: "/add",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	if err != nil {
		t.Fatalf("global route: %v", err)
	}
	if m.Agent.Name != "Calc" {
		t.Errorf("routed to %q", m.Agent.Name)
	}
}

func TestRoute_lazyAttach(t *testing.T) {
	reg, rt := setup(t)
	// Registered but never attached to any bucket.
	reg.CreateAgent(didCalc, "Calc", registry.Options{})

	m, err := rt.Route(&registry.Request{
		TargetDID: didCalc, Type: registry.TypeAPICall, Path: "/add",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	if err != nil {
		t.Fatalf("lazy route: %v", err)
	}
	if m.Agent.Name != "Calc" {
		t.Errorf("routed to %q", m.Agent.Name)
	}

	// Now attached: enumeration sees it.
	infos := rt.AgentsFor("localhost", 9527)
	if len(infos) != 1 || infos[0].Name != "Calc" {
		t.Errorf("AgentsFor = %+v", infos)
	}
}

func TestRoute_notFound(t *testing.T) {
	reg, rt := setup(t)
	calc, _ := reg.CreateAgent(didCalc, "Calc", registry.Options{})
	rt.AttachAgent("localhost", 9527, calc)

	_, err := rt.Route(&registry.Request{
		TargetDID: "did:wba:localhost%3A9527:wba:user:MISSING",
		Type:      registry.TypeAPICall, Path: "/x",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	var nf *router.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if len(nf.Available) != 1 || nf.Available[0] != didCalc+"#Calc" {
		t.Errorf("available = %v", nf.Available)
	}
}

func TestDetachAgent_removesEverywhere(t *testing.T) {
	reg, rt := setup(t)
	weather, _ := sharedPair(t, reg, rt)

	rt.DetachAgent(weather)
	reg.RemoveAgent(didShared, "Weather")

	// Prefix routing now finds only Help; weather paths miss its prefix
	// and fall back to the generic lookup, which still resolves the DID.
	m, err := rt.Route(&registry.Request{
		TargetDID: didShared, Type: registry.TypeAPICall, Path: "/assistant/help",
		Host: "localhost", Port: 9527, Body: map[string]any{},
	})
	if err != nil {
		t.Fatalf("route after detach: %v", err)
	}
	if m.Agent.Name != "Help" {
		t.Errorf("routed to %q", m.Agent.Name)
	}

	if _, ok := rt.Shared().Resolve(didShared, "/weather/current"); ok {
		t.Error("shared table still resolves detached agent's path")
	}
}

// ── Shared-DID table ─────────────────────────────────────────────────────

func TestSharedRegistry_exactAndWildcard(t *testing.T) {
	s := router.NewSharedDIDRegistry()
	s.Register(didShared, "/weather/current", "Weather", "/current")
	s.Register(didShared, "/x/*", "Mapper", "/y")

	got, ok := s.Resolve(didShared, "/weather/current")
	if !ok || got.AgentName != "Weather" || got.OriginalPath != "/current" {
		t.Errorf("exact: %+v ok=%v", got, ok)
	}

	// Wildcard "/x/*" with original "/y": "/x/abc" → ("/y/abc").
	got, ok = s.Resolve(didShared, "/x/abc")
	if !ok || got.AgentName != "Mapper" || got.OriginalPath != "/y/abc" {
		t.Errorf("wildcard: %+v ok=%v", got, ok)
	}

	// Multi-segment remainders keep every separator.
	got, ok = s.Resolve(didShared, "/x/a/b")
	if !ok || got.OriginalPath != "/y/a/b" {
		t.Errorf("nested wildcard: %+v ok=%v", got, ok)
	}

	if _, ok := s.Resolve(didShared, "/nope"); ok {
		t.Error("unmatched path should not resolve")
	}
}

func TestSharedRegistry_routesSnapshot(t *testing.T) {
	s := router.NewSharedDIDRegistry()
	s.Register(didShared, "/b", "B", "/b")
	s.Register(didShared, "/a", "A", "/a")

	routes := s.Routes(didShared)
	if len(routes) != 2 || routes[0].FullPath != "/a" || routes[1].FullPath != "/b" {
		t.Errorf("routes = %+v", routes)
	}
}
