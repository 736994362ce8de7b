package domain_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/seanzhang9999/anp-open-sdk-go/internal/domain"
	"go.uber.org/zap"
)

func newManager(t *testing.T) *domain.Manager {
	t.Helper()
	return domain.NewManager(t.TempDir(), []string{"localhost:9527", "open.example.com:443"}, zap.NewNop())
}

func TestNormalizeHost_aliases(t *testing.T) {
	for _, alias := range []string{"127.0.0.1", "0.0.0.0", "::1", ""} {
		if got := domain.NormalizeHost(alias); got != "localhost" {
			t.Errorf("NormalizeHost(%q) = %q, want localhost", alias, got)
		}
	}
	if got := domain.NormalizeHost("Open.Example.COM"); got != "open.example.com" {
		t.Errorf("NormalizeHost lowercasing: got %q", got)
	}
}

func TestResolveHostHeader(t *testing.T) {
	m := newManager(t)

	host, port := m.ResolveHostHeader("127.0.0.1:9527")
	if host != "localhost" || port != 9527 {
		t.Errorf("got %s:%d, want localhost:9527", host, port)
	}

	// Missing port falls back to the default.
	host, port = m.ResolveHostHeader("example.org")
	if host != "example.org" || port != 9527 {
		t.Errorf("got %s:%d, want example.org:9527", host, port)
	}

	// Empty header falls back entirely.
	host, port = m.ResolveHostHeader("")
	if host != "localhost" || port != 9527 {
		t.Errorf("got %s:%d, want localhost:9527", host, port)
	}
}

func TestValidate(t *testing.T) {
	m := newManager(t)

	if err := m.Validate("localhost", 9527); err != nil {
		t.Errorf("localhost:9527 should be served: %v", err)
	}
	// Aliases validate against the normalized entry.
	if err := m.Validate("127.0.0.1", 9527); err != nil {
		t.Errorf("127.0.0.1:9527 should alias to localhost: %v", err)
	}

	err := m.Validate("evil.example.com", 80)
	if err == nil {
		t.Fatal("unknown domain must be rejected")
	}
	var accessErr *domain.AccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("expected *AccessError, got %T", err)
	}
	if accessErr.Host != "evil.example.com" {
		t.Errorf("error host = %q", accessErr.Host)
	}
}

func TestPathHelpers(t *testing.T) {
	root := t.TempDir()
	m := domain.NewManager(root, []string{"localhost:9527"}, zap.NewNop())

	base := m.BasePath("127.0.0.1", 9527)
	if base != filepath.Join(root, "localhost_9527") {
		t.Errorf("BasePath = %q", base)
	}
	if m.UserDIDPath("localhost", 9527) != filepath.Join(base, "anp_users") {
		t.Errorf("UserDIDPath = %q", m.UserDIDPath("localhost", 9527))
	}
	if m.UserHostedPath("localhost", 9527) != filepath.Join(base, "anp_users_hosted") {
		t.Errorf("UserHostedPath = %q", m.UserHostedPath("localhost", 9527))
	}
}

func TestServed_sortedAndDeduplicated(t *testing.T) {
	m := domain.NewManager(t.TempDir(), []string{"localhost:9527", "127.0.0.1:9527", "a.example.com:80"}, zap.NewNop())
	got := m.Served()
	want := []string{"a.example.com:80", "localhost:9527"}
	if len(got) != len(want) {
		t.Fatalf("Served() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Served()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
