package identity

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const callerDIDKey = "anp_caller_did"

// OptionalAuth tries to parse a bearer access token from the Authorization
// header and, when valid, records the caller DID on the request context.
// It never aborts; unauthenticated requests continue with an empty caller.
// A nil issuer yields a pass-through middleware.
func OptionalAuth(t *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if t == nil {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.Next()
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if claims, err := t.Verify(tokenStr); err == nil {
			c.Set(callerDIDKey, claims.CallerDID)
		}
		c.Next()
	}
}

// CallerDID returns the authenticated caller DID recorded on the context,
// or the empty string for anonymous requests.
func CallerDID(c *gin.Context) string {
	v, ok := c.Get(callerDIDKey)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
