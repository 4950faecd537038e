package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/triallabs/trial-guard/internal/guard"
	"github.com/triallabs/trial-guard/internal/identity"
)

// Header carrying the optional client-collected fingerprint token.
const FingerprintHeader = "X-Trial-Fingerprint"

// Header carrying the trial session id issued at session creation.
const SessionHeader = "X-Trial-Session"

// Builds the guard request from request metadata and stores it in the gin
// context for the trial handlers.
func TrialContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := guard.Request{
			Origin: c.ClientIP(),
			Meta: identity.RequestMeta{
				UserAgent:      c.GetHeader("User-Agent"),
				AcceptLanguage: c.GetHeader("Accept-Language"),
				AcceptEncoding: c.GetHeader("Accept-Encoding"),
				ClientToken:    c.GetHeader(FingerprintHeader),
			},
			SessionID: c.GetHeader(SessionHeader),
		}

		c.Set("guard_request", req)
		c.Next()
	}
}

// Fetches the guard request stored by TrialContext.
func GuardRequest(c *gin.Context) guard.Request {
	if value, exists := c.Get("guard_request"); exists {
		if req, ok := value.(guard.Request); ok {
			return req
		}
	}

	// TrialContext not installed; fall back to building it inline.
	return guard.Request{
		Origin: c.ClientIP(),
		Meta: identity.RequestMeta{
			UserAgent:      c.GetHeader("User-Agent"),
			AcceptLanguage: c.GetHeader("Accept-Language"),
			AcceptEncoding: c.GetHeader("Accept-Encoding"),
			ClientToken:    c.GetHeader(FingerprintHeader),
		},
		SessionID: c.GetHeader(SessionHeader),
	}
}
