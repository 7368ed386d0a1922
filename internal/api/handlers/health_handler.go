package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/version"
)

// HealthHandler responds with basic service metadata for uptime checks.
// A nil engine reports the security engine as disabled.
func HealthHandler(engine *cerberus.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		engineState := "disabled"
		if engine != nil {
			engineState = "stopped"
			if engine.Status().Running {
				engineState = "running"
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    version.Name,
			"version":    version.Version,
			"git_commit": version.GitCommit,
			"build_time": version.BuildTime,
			"engine":     engineState,
		})
	}
}
