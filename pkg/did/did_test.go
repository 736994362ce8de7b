package did_test

import (
	"regexp"
	"testing"

	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

func TestParse_canonical(t *testing.T) {
	d, err := did.Parse("did:wba:localhost%3A9527:wba:user:3ebd1f8c12a9b07d")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Host != "localhost" || d.Port != 9527 {
		t.Errorf("host/port = %s/%d, want localhost/9527", d.Host, d.Port)
	}
	if d.Kind != did.KindUser {
		t.Errorf("kind = %q, want user", d.Kind)
	}
	if d.ShortID() != "3ebd1f8c12a9b07d" {
		t.Errorf("short id = %q", d.ShortID())
	}
}

func TestParse_bareColon(t *testing.T) {
	d, err := did.Parse("did:wba:localhost:9527:wba:hostuser:abcd1234abcd1234")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Kind != did.KindHostUser {
		t.Errorf("kind = %q, want hostuser", d.Kind)
	}
	if got := d.String(); got != "did:wba:localhost%3A9527:wba:hostuser:abcd1234abcd1234" {
		t.Errorf("canonical form = %q", got)
	}
}

func TestParse_fullyEncoded(t *testing.T) {
	// As it appears inside a URL path segment after one round of decoding
	// is skipped: every colon is %3A, the host separator is %253A.
	raw := "did%3Awba%3Alocalhost%253A9527%3Awba%3Auser%3AAAAA"
	d, err := did.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Host != "localhost" || d.Port != 9527 || d.ID != "AAAA" {
		t.Errorf("unexpected parse result: %+v", d)
	}
}

func TestParse_rejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"did:web:example.com",
		"did:wba:localhost%3A9527:wba:robot:x",
		"did:wba:localhost%3Aabc:wba:user:x",
		"did:wba:localhost%3A9527:foo:user:x",
		"did:wba:localhost%3A9527:wba:user",
	} {
		if _, err := did.Parse(raw); err == nil {
			t.Errorf("Parse(%q): expected error", raw)
		}
	}
}

func TestNormalize_roundTrip(t *testing.T) {
	want := "did:wba:localhost%3A9527:wba:user:AAAA"
	for _, raw := range []string{
		want,
		"did:wba:localhost:9527:wba:user:AAAA",
		"did:wba:localhost%253A9527:wba:user:AAAA",
	} {
		got, err := did.Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", raw, err)
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestFormat(t *testing.T) {
	got := did.Format("example.com", 443, did.KindHostUser, "deadbeefdeadbeef")
	want := "did:wba:example.com%3A443:wba:hostuser:deadbeefdeadbeef"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestShortIDOf(t *testing.T) {
	if got := did.ShortIDOf("did:wba:localhost%3A9527:wba:user:CCCC"); got != "CCCC" {
		t.Errorf("ShortIDOf = %q, want CCCC", got)
	}
	if got := did.ShortIDOf("plainvalue"); got != "plainvalue" {
		t.Errorf("ShortIDOf = %q, want plainvalue", got)
	}
}

func TestIsWBA(t *testing.T) {
	if !did.IsWBA("did:wba:localhost%3A9527:wba:user:x") {
		t.Error("expected did:wba identifier to be recognised")
	}
	if did.IsWBA("did:key:z6Mk") {
		t.Error("did:key must not be recognised as did:wba")
	}
}

func TestNewShortID(t *testing.T) {
	hex16 := regexp.MustCompile(`^[0-9a-f]{16}$`)
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		sid, err := did.NewShortID()
		if err != nil {
			t.Fatalf("NewShortID: %v", err)
		}
		if !hex16.MatchString(sid) {
			t.Fatalf("short id %q is not 16 hex chars", sid)
		}
		if seen[sid] {
			t.Fatalf("short id %q repeated", sid)
		}
		seen[sid] = true
	}
}
