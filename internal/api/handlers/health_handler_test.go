package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/config"
)

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine, err := cerberus.New(config.DefaultPolicy())
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	for _, tc := range []struct {
		name   string
		engine *cerberus.Engine
		want   string
	}{
		{"no engine", nil, "disabled"},
		{"idle engine", engine, "stopped"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/health", HealthHandler(tc.engine))

			req, _ := http.NewRequest("GET", "/health", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "ok", resp["status"])
			assert.Equal(t, "Cerberus", resp["service"])
			assert.NotEmpty(t, resp["version"])
			assert.Equal(t, tc.want, resp["engine"])
		})
	}
}
