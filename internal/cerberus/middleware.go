package cerberus

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/util"
)

// SessionHeader carries the caller's session id when no session cookie is set.
const SessionHeader = "X-Session-ID"

const sessionCookie = "session"

// scannedHeaders are the request headers copied into the event payload.
// Cookies and credentials are never scanned.
var scannedHeaders = []string{"User-Agent", "Referer", "Content-Type"}

// Guard connects the engine to the gin request pipeline.
type Guard struct {
	cfg    config.SecurityConfig
	engine *Engine
}

// NewGuard creates a request guard backed by engine.
func NewGuard(cfg config.SecurityConfig, engine *Engine) *Guard {
	return &Guard{cfg: cfg, engine: engine}
}

// IsEnabled returns whether requests are evaluated at all.
func (g *Guard) IsEnabled() bool {
	return g.cfg.Enabled && g.engine != nil
}

// Middleware returns a Gin middleware that rejects blocked, throttled and revoked
// callers and submits every other request to the engine.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !g.IsEnabled() {
			ctx.Next()
			return
		}

		clientIP := ctx.ClientIP()
		if rec, blocked := g.engine.LookupBlock(clientIP); blocked {
			metrics.IncRequest("blocked")
			ctx.Header("Retry-After", retryAfterSeconds(rec.ExpiresAt.Sub(g.engine.now())))
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Blocked by Cerberus"})
			return
		}
		if g.engine.IsThrottled(clientIP) {
			metrics.IncRequest("throttled")
			ctx.Header("Retry-After", retryAfterSeconds(g.engine.RetryAfter(clientIP)))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		if g.engine.IsSessionRevoked(sessionID(ctx)) {
			metrics.IncRequest("revoked")
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session revoked"})
			return
		}

		ev := EventFromRequest(ctx, g.engine.policy.Load().MaxBodyBytes)
		verdict := g.engine.Submit(ev)
		if verdict.Blocked() {
			logger.Log().WithFields(logrus.Fields{
				"source":   "cerberus",
				"decision": "block",
				"ip":       clientIP,
				"category": verdict.Assessment.Category,
				"path":     util.SanitizeForLog(ctx.Request.URL.Path),
			}).Warn("Cerberus blocked request")
			metrics.IncRequest("blocked")
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Blocked by Cerberus"})
			return
		}

		metrics.IncRequest("allowed")
		ctx.Next()
	}
}

// FeatureGuard rejects requests while the named feature is circuit-broken or
// disabled.
func (g *Guard) FeatureGuard(feature string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if g.IsEnabled() && g.engine.IsFeatureDisabled(feature) {
			ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Feature temporarily disabled"})
			return
		}
		ctx.Next()
	}
}

// EventFromRequest builds a SecurityEvent from the request. At most maxBody bytes
// of the body are copied; the full body stays readable for later handlers.
func EventFromRequest(ctx *gin.Context, maxBody int) SecurityEvent {
	req := ctx.Request
	ev := SecurityEvent{
		Kind: kindForPath(req.URL.Path),
		Source: Source{
			IP:        ctx.ClientIP(),
			SessionID: sessionID(ctx),
			UserAgent: req.UserAgent(),
		},
		Payload: Payload{
			Path:   req.RequestURI,
			Method: req.Method,
		},
	}
	if ev.Payload.Path == "" {
		ev.Payload.Path = req.URL.RequestURI()
	}

	headers := make(map[string]string)
	for _, name := range scannedHeaders {
		if v := req.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	if len(headers) > 0 {
		ev.Payload.Headers = headers
	}

	if req.Body != nil && req.Body != http.NoBody && maxBody > 0 {
		head, err := io.ReadAll(io.LimitReader(req.Body, int64(maxBody)))
		if err == nil {
			ev.Payload.Body = string(head)
		}
		req.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), req.Body), Closer: req.Body}
	}
	return ev
}

type readCloser struct {
	io.Reader
	io.Closer
}

func kindForPath(path string) EventKind {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "/auth") || strings.Contains(lower, "/login"):
		return KindAuth
	case strings.HasPrefix(lower, "/api/"):
		return KindAPI
	default:
		return KindRequest
	}
}

func sessionID(ctx *gin.Context) string {
	if id := ctx.GetHeader(SessionHeader); id != "" {
		return id
	}
	if c, err := ctx.Cookie(sessionCookie); err == nil {
		return c
	}
	return ""
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
