// Package domain maps inbound virtual hosts to per-domain data directories
// and gates access to hosts the server is not configured to serve.
package domain

import (
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Default host/port assumed when the Host header is absent or unparseable.
const (
	DefaultHost = "localhost"
	DefaultPort = 9527
)

// AccessError reports a request for a virtual host this server does not serve.
// The HTTP layer converts it to a 403 response.
type AccessError struct {
	Host string
	Port int
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("domain %s:%d is not served by this instance", e.Host, e.Port)
}

// Manager resolves inbound Host headers to data directories.
//
// Each served (host, port) pair owns a directory tree under the data root:
//
//	<dataRoot>/<host>_<port>/
//	├── anp_users/          non-hosted user identities
//	├── anp_users_hosted/   hosted identities minted by this server
//	└── hosted_did_queue/   request queue + result inbox (managed elsewhere)
type Manager struct {
	dataRoot string
	served   map[string]bool // "host:port", normalized
	logger   *zap.Logger
}

// NewManager creates a Manager serving the given "host:port" entries.
// Aliases are normalized, so listing "127.0.0.1:9527" and "localhost:9527"
// yields a single served domain.
func NewManager(dataRoot string, served []string, logger *zap.Logger) *Manager {
	m := &Manager{
		dataRoot: dataRoot,
		served:   make(map[string]bool, len(served)),
		logger:   logger,
	}
	for _, s := range served {
		host, port := splitHostPort(s)
		m.served[key(host, port)] = true
	}
	return m
}

// NormalizeHost collapses loopback aliases to "localhost" and lowercases
// the host name.
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "0.0.0.0" || h == "::1" || h == "" {
		return DefaultHost
	}
	return h
}

// ResolveHostHeader extracts the normalized (host, port) pair from an HTTP
// Host header value. Missing or malformed values fall back to the defaults.
func (m *Manager) ResolveHostHeader(hostHeader string) (string, int) {
	host, port := splitHostPort(hostHeader)
	return host, port
}

// Validate reports whether this server is configured to serve (host, port).
func (m *Manager) Validate(host string, port int) error {
	if m.served[key(NormalizeHost(host), port)] {
		return nil
	}
	return &AccessError{Host: NormalizeHost(host), Port: port}
}

// BasePath returns the data root directory for a served domain.
func (m *Manager) BasePath(host string, port int) string {
	return filepath.Join(m.dataRoot, fmt.Sprintf("%s_%d", NormalizeHost(host), port))
}

// UserDIDPath returns the directory holding non-hosted user identities.
func (m *Manager) UserDIDPath(host string, port int) string {
	return filepath.Join(m.BasePath(host, port), "anp_users")
}

// UserHostedPath returns the directory where hosted identities are materialized.
func (m *Manager) UserHostedPath(host string, port int) string {
	return filepath.Join(m.BasePath(host, port), "anp_users_hosted")
}

// Served returns the sorted list of "host:port" domains this instance serves.
func (m *Manager) Served() []string {
	out := make([]string, 0, len(m.served))
	for k := range m.served {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func key(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// splitHostPort parses "host[:port]" tolerantly, applying alias
// normalization and the default port.
func splitHostPort(s string) (string, int) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultHost, DefaultPort
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NormalizeHost(s), DefaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		port = DefaultPort
	}
	return NormalizeHost(host), port
}
