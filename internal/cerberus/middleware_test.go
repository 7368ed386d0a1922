package cerberus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/cerberus/internal/config"
)

func setupGuardRouter(t *testing.T, e *Engine, enabled bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	g := NewGuard(config.SecurityConfig{Enabled: enabled}, e)
	r := gin.New()
	r.Use(g.Middleware())
	r.GET("/search", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.POST("/echo", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(http.StatusOK, string(body))
	})
	r.GET("/downloads", g.FeatureGuard("downloads"), func(c *gin.Context) { c.String(http.StatusOK, "file") })
	return r
}

func doRequest(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGuard_BlocksInjectionAndLaterRequests(t *testing.T) {
	e := newTestEngine(t, newFakeClock())
	r := setupGuardRouter(t, e, true)

	req := httptest.NewRequest(http.MethodGet, "/search?q=1%27%20OR%201%3D1--", nil)
	req.RemoteAddr = "198.51.100.9:1234"
	w := doRequest(r, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Blocked by Cerberus")

	clean := httptest.NewRequest(http.MethodGet, "/search?q=shoes", nil)
	clean.RemoteAddr = "198.51.100.9:1234"
	w = doRequest(r, clean)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/search?q=shoes", nil)
	other.RemoteAddr = "198.51.100.10:1234"
	w = doRequest(r, other)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGuard_Throttled(t *testing.T) {
	e := newTestEngine(t, newFakeClock())
	r := setupGuardRouter(t, e, true)
	e.limiter.Throttle("198.51.100.11", time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.RemoteAddr = "198.51.100.11:4321"
	w := doRequest(r, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestGuard_RevokedSession(t *testing.T) {
	e := newTestEngine(t, newFakeClock())
	r := setupGuardRouter(t, e, true)
	e.sessions.add("sess-9", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.RemoteAddr = "198.51.100.12:1000"
	req.Header.Set(SessionHeader, "sess-9")
	assert.Equal(t, http.StatusUnauthorized, doRequest(r, req).Code)

	cookieReq := httptest.NewRequest(http.MethodGet, "/search", nil)
	cookieReq.RemoteAddr = "198.51.100.12:1000"
	cookieReq.AddCookie(&http.Cookie{Name: "session", Value: "sess-9"})
	assert.Equal(t, http.StatusUnauthorized, doRequest(r, cookieReq).Code)
}

func TestGuard_FeatureGuard(t *testing.T) {
	e := newTestEngine(t, newFakeClock())
	r := setupGuardRouter(t, e, true)

	req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req.RemoteAddr = "198.51.100.13:1000"
	assert.Equal(t, http.StatusOK, doRequest(r, req).Code)

	e.features.add("downloads", time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req.RemoteAddr = "198.51.100.13:1000"
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(r, req).Code)
}

func TestGuard_BodyRemainsReadable(t *testing.T) {
	e := newTestEngine(t, newFakeClock())
	r := setupGuardRouter(t, e, true)

	payload := strings.Repeat("x", 20<<10)
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(payload))
	req.RemoteAddr = "198.51.100.14:1000"
	w := doRequest(r, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, w.Body.String())
	assert.Equal(t, 1, e.Status().BacklogSize)
}

func TestGuard_DisabledPassesThrough(t *testing.T) {
	e := newTestEngine(t, newFakeClock())
	r := setupGuardRouter(t, e, false)

	req := httptest.NewRequest(http.MethodGet, "/search?q=<script>alert(1)</script>", nil)
	req.RemoteAddr = "198.51.100.15:1000"
	assert.Equal(t, http.StatusOK, doRequest(r, req).Code)
	assert.Equal(t, 0, e.Status().BacklogSize)
	assert.Empty(t, e.RecentAssessments(0))
}

func TestEventFromRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login?next=/home", strings.NewReader("user=bob"))
	req.RemoteAddr = "192.0.2.44:5555"
	req.Header.Set("User-Agent", "curl/8.0")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set(SessionHeader, "s-1")
	ctx.Request = req

	ev := EventFromRequest(ctx, 4)
	assert.Equal(t, KindAuth, ev.Kind)
	assert.Equal(t, "192.0.2.44", ev.Source.IP)
	assert.Equal(t, "s-1", ev.Source.SessionID)
	assert.Equal(t, "curl/8.0", ev.Source.UserAgent)
	assert.Equal(t, "/api/v1/auth/login?next=/home", ev.Payload.Path)
	assert.Equal(t, "user", ev.Payload.Body)
	assert.Equal(t, "application/x-www-form-urlencoded", ev.Payload.Headers["Content-Type"])
	assert.NotContains(t, ev.Payload.Headers, "Authorization")

	rest, err := io.ReadAll(ctx.Request.Body)
	require.NoError(t, err)
	assert.Equal(t, "user=bob", string(rest))

	assert.Equal(t, KindAPI, kindForPath("/api/v1/products"))
	assert.Equal(t, KindRequest, kindForPath("/index.html"))
}
