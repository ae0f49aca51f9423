package front

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/schemewise/governance/internal/config"
	relayhttp "github.com/schemewise/governance/internal/http"
	"github.com/schemewise/governance/internal/http/api/front/handlers"
	"github.com/schemewise/governance/internal/security"
)

// Deps bundles what the front routes call into.
type Deps struct {
	Checker handlers.Checker
	Guests  handlers.GuestTokens
	Audio   handlers.AudioLoader
	JWT     config.JWTConfig
	Limiter *relayhttp.IPRateLimiter
}

// RegisterFrontRoutes registers the caller-facing /v1 routes.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.Checker == nil || deps.Guests == nil {
		return
	}

	v1 := r.Group("/v1")
	v1.Use(relayhttp.SessionMiddleware())

	throttled := v1.Group("")
	throttled.Use(deps.Limiter.Middleware(), callerMiddleware(deps.JWT))

	guestHandler := handlers.NewGuestHandler(deps.Guests)
	throttled.POST("/guest/token", guestHandler.Issue)
	throttled.GET("/guest/status", guestHandler.Status)

	eligibilityHandler := handlers.NewEligibilityHandler(deps.Checker)
	throttled.POST("/eligibility/public-check", eligibilityHandler.PublicCheck)
	throttled.POST("/verdicts/translate", eligibilityHandler.Translate)

	speechHandler := handlers.NewSpeechHandler(deps.Checker, deps.Audio)
	throttled.POST("/speech", speechHandler.Synthesize)
	v1.GET("/audio/:id", speechHandler.Audio)
	v1.DELETE("/session", speechHandler.EndSession)

	authed := v1.Group("")
	authed.Use(userAuthMiddleware(deps.JWT))
	authed.POST("/eligibility/check", eligibilityHandler.Check)
	authed.GET("/eligibility/history", eligibilityHandler.History)
}

// bearerToken returns the token of an "Authorization: Bearer" header, if any.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// userAuthMiddleware validates user JWTs and stores the user id in context.
func userAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("userID", claims.UserID)
		c.Next()
	}
}

// callerMiddleware attributes a request to a user or a guest when credentials are present.
// Nothing is rejected here; routes that need a caller check for it themselves.
func callerMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, errJWT := security.ParseToken(jwtCfg.Secret, token); errJWT == nil {
				c.Set("userID", claims.UserID)
			}
		}
		if token := strings.TrimSpace(c.GetHeader(handlers.HeaderGuestToken)); token != "" {
			if claims, errJWT := security.ParseGuestToken(jwtCfg.Secret, token); errJWT == nil {
				c.Set("guestID", claims.GuestID())
			}
		}
		c.Next()
	}
}
