package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-energy/internal/auth"
	"github.com/ksred/klear-energy/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)  // 10 requests per minute
	tradingLimit = rate.Limit(100.0 / 60.0) // 100 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

// SetLimits overrides the per-minute request budgets for auth and order endpoints.
// Non-positive values disable the respective limit.
func SetLimits(authPerMinute, ordersPerMinute float64) {
	mu.Lock()
	defer mu.Unlock()

	authLimit = perMinute(authPerMinute)
	tradingLimit = perMinute(ordersPerMinute)
	visitors = make(map[string]*visitor)
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func getLimiter(path, clientID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientID + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasPrefix(path, "/api/v1/orders"), strings.HasPrefix(path, "/api/v1/internal"):
			limit = tradingLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 5),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()
		if identity, ok := auth.IdentityFromContext(c); ok {
			clientID = identity.UserID
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the caller's identity on the context
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		identity, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected token")
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		auth.SetIdentity(c, *identity)
		c.Next()
	}
}

// RequireRole only lets callers holding one of the roles through. It must run after JWTAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			c.Abort()
			return
		}

		if !identity.HasRole(roles...) {
			response.Forbidden(c, "Insufficient permissions")
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequestLogger logs one line per request with the caller and latency
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		if identity, ok := auth.IdentityFromContext(c); ok {
			event = event.Str("user_id", identity.UserID).Str("organization_id", identity.OrganizationID)
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
