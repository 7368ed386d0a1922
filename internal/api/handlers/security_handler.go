package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/api/middleware"
	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/services"
	"github.com/Wikid82/cerberus/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// SecurityHandler handles security-related API requests.
type SecurityHandler struct {
	cfg     config.SecurityConfig
	engine  *cerberus.Engine
	service *services.SecurityService
}

// NewSecurityHandler creates a new SecurityHandler.
func NewSecurityHandler(cfg config.SecurityConfig, engine *cerberus.Engine, service *services.SecurityService) *SecurityHandler {
	return &SecurityHandler{
		cfg:     cfg,
		engine:  engine,
		service: service,
	}
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func actor(c *gin.Context) string {
	if u := c.GetString("user"); u != "" {
		return u
	}
	return "admin"
}

// GetStatus returns engine state together with the request-layer settings.
func (h *SecurityHandler) GetStatus(c *gin.Context) {
	status := h.engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"enabled":   h.cfg.Enabled,
		"allowlist": h.cfg.Allowlist,
		"engine":    status,
	})
}

// GetMetrics returns healing counters, latency percentiles and SLO compliance.
func (h *SecurityHandler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Metrics())
}

func (h *SecurityHandler) ListAssessments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"assessments": h.engine.RecentAssessments(queryLimit(c))})
}

func (h *SecurityHandler) ListBlocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocks": h.engine.Blocks()})
}

func (h *SecurityHandler) GetBlock(c *gin.Context) {
	ip := c.Param("ip")
	rec, ok := h.engine.LookupBlock(ip)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "IP is not blocked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"block":      rec,
		"reputation": h.engine.ReputationOf(ip),
	})
}

type createBlockRequest struct {
	IP       string `json:"ip" binding:"required"`
	Reason   string `json:"reason"`
	Severity string `json:"severity"`
}

// CreateBlock blocks an address by hand.
func (h *SecurityHandler) CreateBlock(c *gin.Context) {
	var req createBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sev := cerberus.Severity(strings.ToLower(req.Severity))
	switch sev {
	case "", cerberus.SeverityLow, cerberus.SeverityMedium, cerberus.SeverityHigh, cerberus.SeverityCritical:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "severity must be low, medium, high or critical"})
		return
	}

	reason := cerberus.ManualReasonPrefix
	if r := strings.TrimSpace(req.Reason); r != "" {
		reason = cerberus.ManualReasonPrefix + ": " + r
	}
	rec, err := h.engine.Block(req.IP, reason, sev)
	if err != nil {
		if errors.Is(err, cerberus.ErrInvalidBlockTarget) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to block IP"})
		return
	}

	h.logDecision(c, &models.SecurityDecision{
		Source:   "manual",
		Action:   string(cerberus.ActionBlockIP),
		IP:       rec.IP,
		Severity: string(rec.Severity),
		Reason:   reason,
	})
	c.JSON(http.StatusCreated, gin.H{"block": rec})
}

// DeleteBlock lifts the block on an address. Lifting an engine block counts as
// a false positive.
func (h *SecurityHandler) DeleteBlock(c *gin.Context) {
	ip := c.Param("ip")
	if !h.engine.Unblock(ip) {
		c.JSON(http.StatusNotFound, gin.H{"error": "IP is not blocked"})
		return
	}
	h.logDecision(c, &models.SecurityDecision{
		Source: "manual",
		Action: "unblock",
		IP:     ip,
		Reason: "unblocked by " + actor(c),
	})
	c.JSON(http.StatusOK, gin.H{"message": "IP unblocked"})
}

func (h *SecurityHandler) ClearBlocks(c *gin.Context) {
	n := h.engine.ClearAllBlocks()
	if h.service != nil {
		if err := h.service.LogAudit(c.Request.Context(), &models.SecurityAudit{
			Actor:   actor(c),
			Action:  "clear_blocks",
			Details: "cleared " + strconv.Itoa(n) + " blocks",
		}); err != nil {
			middleware.GetRequestLogger(c).WithError(err).Warn("failed to record audit entry")
		}
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (h *SecurityHandler) ListDecisions(c *gin.Context) {
	if h.service == nil {
		c.JSON(http.StatusOK, gin.H{"decisions": []models.SecurityDecision{}})
		return
	}
	decisions, err := h.service.ListDecisions(c.Request.Context(), c.Query("ip"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list decisions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (h *SecurityHandler) ListAudits(c *gin.Context) {
	if h.service == nil {
		c.JSON(http.StatusOK, gin.H{"audits": []models.SecurityAudit{}})
		return
	}
	audits, err := h.service.ListAudits(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": audits})
}

// EnableFeature re-enables a feature switched off by a circuit break.
func (h *SecurityHandler) EnableFeature(c *gin.Context) {
	name := c.Param("name")
	if !h.engine.EnableFeature(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feature is not disabled"})
		return
	}
	h.logDecision(c, &models.SecurityDecision{
		Source: "manual",
		Action: "enable_feature",
		Reason: "feature " + name + " enabled by " + actor(c),
	})
	c.JSON(http.StatusOK, gin.H{"message": "Feature enabled"})
}

func (h *SecurityHandler) logDecision(c *gin.Context, d *models.SecurityDecision) {
	if h.service == nil {
		return
	}
	if err := h.service.LogDecision(c.Request.Context(), d); err != nil {
		middleware.GetRequestLogger(c).WithError(err).WithField("ip", util.SanitizeForLog(d.IP)).Warn("failed to record security decision")
	}
}
