package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/seanzhang9999/anp-open-sdk-go/internal/identity"
)

const testCaller = "did:wba:localhost%3A9527:wba:user:AAAA"

func TestIssueVerify_roundTrip(t *testing.T) {
	issuer := identity.NewTokenIssuer([]byte("test-secret"), "anp-test", time.Hour)

	tok, err := issuer.Issue(testCaller)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.CallerDID != testCaller {
		t.Errorf("caller = %q, want %q", claims.CallerDID, testCaller)
	}
}

func TestVerify_rejectsForeignSecret(t *testing.T) {
	a := identity.NewTokenIssuer([]byte("secret-a"), "anp-test", time.Hour)
	b := identity.NewTokenIssuer([]byte("secret-b"), "anp-test", time.Hour)

	tok, _ := a.Issue(testCaller)
	if _, err := b.Verify(tok); err == nil {
		t.Fatal("token signed with a different secret must not verify")
	}
}

func TestOptionalAuth_setsCallerDID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer := identity.NewTokenIssuer([]byte("test-secret"), "anp-test", time.Hour)

	r := gin.New()
	r.Use(identity.OptionalAuth(issuer))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, identity.CallerDID(c))
	})

	tok, _ := issuer.Issue(testCaller)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Body.String() != testCaller {
		t.Errorf("caller = %q, want %q", w.Body.String(), testCaller)
	}

	// Anonymous request passes through with empty caller.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if w.Code != http.StatusOK || w.Body.String() != "" {
		t.Errorf("anonymous: code=%d caller=%q", w.Code, w.Body.String())
	}
}
