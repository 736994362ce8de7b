// Package did provides parsing and validation for the did:wba identifier
// scheme used throughout the ANP runtime.
//
// Identifier format: did:wba:[host]%3A[port]:wba:[kind]:[unique-id]
//
// Examples:
//
//	did:wba:localhost%3A9527:wba:user:3ebd1f8c12a9b07d      (regular user)
//	did:wba:open.agent-network.cn%3A443:wba:hostuser:9f2c…  (hosted identity)
//
// The host:port separator arrives in several URL-encoded shapes depending on
// how many times the identifier passed through a URL path. Parse accepts the
// canonical %3A form, the double-encoded %253A form, and a bare colon.
package did

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const method = "wba"

// Kinds of identity a did:wba identifier can name.
const (
	KindUser     = "user"
	KindHostUser = "hostuser"
)

// Prefix is the scheme+method prefix every identifier must carry.
const Prefix = "did:wba:"

// DID represents a parsed did:wba identifier.
type DID struct {
	Host string // host portion of the issuing server, e.g. "localhost"
	Port int    // port portion of the issuing server, e.g. 9527
	Kind string // "user" or "hostuser"
	ID   string // unique identifier segment (the requester short ID)
}

// Parse parses a did:wba identifier string.
//
// The expected structure after normalization is:
//
//	did:wba:{host}%3A{port}:wba:{kind}:{id}
func Parse(raw string) (*DID, error) {
	s := normalizeEncoding(raw)
	if !strings.HasPrefix(s, Prefix) {
		return nil, fmt.Errorf("identifier %q does not start with %q", raw, Prefix)
	}

	parts := strings.Split(s, ":")
	// Canonical form has 6 segments; the bare-colon form has 7 because
	// host and port occupy separate segments.
	var host, portStr, kind, id string
	switch {
	case len(parts) == 6 && strings.Contains(parts[2], "%3A"):
		hp := strings.SplitN(parts[2], "%3A", 2)
		host, portStr = hp[0], hp[1]
		if parts[3] != method {
			return nil, fmt.Errorf("identifier %q: expected method segment %q, got %q", raw, method, parts[3])
		}
		kind, id = parts[4], parts[5]
	case len(parts) == 7:
		host, portStr = parts[2], parts[3]
		if parts[4] != method {
			return nil, fmt.Errorf("identifier %q: expected method segment %q, got %q", raw, method, parts[4])
		}
		kind, id = parts[5], parts[6]
	default:
		return nil, fmt.Errorf("identifier %q has %d segments, want 6 or 7", raw, len(parts))
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("identifier %q: invalid port %q", raw, portStr)
	}
	if host == "" {
		return nil, fmt.Errorf("identifier %q: host must not be empty", raw)
	}
	if kind != KindUser && kind != KindHostUser {
		return nil, fmt.Errorf("identifier %q: kind must be %q or %q, got %q", raw, KindUser, KindHostUser, kind)
	}
	if id == "" {
		return nil, fmt.Errorf("identifier %q: unique id must not be empty", raw)
	}

	return &DID{Host: host, Port: port, Kind: kind, ID: id}, nil
}

// MustParse parses an identifier and panics on error. Useful in tests.
func MustParse(raw string) *DID {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the canonical did:wba identifier string.
func (d *DID) String() string {
	return Format(d.Host, d.Port, d.Kind, d.ID)
}

// ShortID returns the trailing unique-id segment, used as the on-disk
// user directory suffix and as the requester short ID in result inboxes.
func (d *DID) ShortID() string {
	return d.ID
}

// Format builds a canonical did:wba identifier from its components.
func Format(host string, port int, kind, id string) string {
	return fmt.Sprintf("%s%s%%3A%d:%s:%s:%s", Prefix, host, port, method, kind, id)
}

// Normalize canonicalizes any accepted encoding of a did:wba identifier.
func Normalize(raw string) (string, error) {
	d, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// ShortIDOf extracts the trailing unique-id segment without requiring the
// identifier to be fully well-formed. Returns the input when it contains
// no colon at all.
func ShortIDOf(raw string) string {
	s := normalizeEncoding(raw)
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s
	}
	return s[i+1:]
}

// IsWBA reports whether raw carries the did:wba prefix in any accepted encoding.
func IsWBA(raw string) bool {
	return strings.HasPrefix(normalizeEncoding(raw), Prefix)
}

// NewShortID generates a fresh 16-hex-character short identifier for a
// hosted identity.
func NewShortID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate short id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// normalizeEncoding collapses the accepted URL-encoding variants down to a
// single shape: literal colons between segments, %3A between host and port.
func normalizeEncoding(raw string) string {
	s := strings.TrimSpace(raw)
	// A fully URL-encoded identifier: every ":" arrives as %3A and the
	// host:port separator as %253A. Decode one level.
	if strings.HasPrefix(s, "did%3A") || strings.HasPrefix(s, "did%3a") {
		s = strings.ReplaceAll(s, "%253A", "%3A")
		s = strings.ReplaceAll(s, "%253a", "%3A")
		s = strings.ReplaceAll(s, "%3A", ":")
		s = strings.ReplaceAll(s, "%3a", ":")
		// The host:port separator is now a bare colon; Parse handles that.
		return s
	}
	s = strings.ReplaceAll(s, "%253A", "%3A")
	s = strings.ReplaceAll(s, "%253a", "%3A")
	s = strings.ReplaceAll(s, "%3a", "%3A")
	return s
}
