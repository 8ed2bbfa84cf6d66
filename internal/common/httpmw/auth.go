package httpmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rzapply/rzapply/internal/common/errors"
)

// BearerToken extracts the token from "Authorization: Bearer <token>".
// When allowQuery is set, a ?token= parameter is accepted as a fallback.
func BearerToken(r *http.Request, allowQuery bool) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// TokenMatches reports whether presented equals expected in constant time.
// An empty expected token disables the check.
func TokenMatches(expected, presented string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// BearerAuth rejects requests without the configured token. A blank token
// disables authentication.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if !TokenMatches(token, BearerToken(c.Request, false)) {
			appErr := errors.Unauthorized("missing or invalid bearer token")
			c.Abort()
			writeError(c, appErr.HTTPStatus, appErr.Code, appErr.Message)
			return
		}
		c.Next()
	}
}
