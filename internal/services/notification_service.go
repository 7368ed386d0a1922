package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/util"
)

const (
	EventThreat = "threat"
	EventBlock  = "block"
	EventTest   = "test"
)

type NotificationService struct {
	DB *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{DB: db}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
		}
	}
	return rawURL
}

// Internal Notifications (DB)

func (s *NotificationService) Create(nType models.NotificationType, title, message string) (*models.Notification, error) {
	return s.CreateFor(context.Background(), &models.Notification{Type: nType, Title: title, Message: message})
}

// CreateFor stores n as an unread notification.
func (s *NotificationService) CreateFor(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	n.Read = false
	result := s.DB.WithContext(ctx).Create(n)
	return n, result.Error
}

// ErrNotificationNotFound is returned when no notification has the given id.
var ErrNotificationNotFound = errors.New("notification not found")

// NotificationFilter narrows Find. Zero values match everything.
type NotificationFilter struct {
	UnreadOnly   bool
	Type         models.NotificationType
	IP           string
	AssessmentID string
	Limit        int
}

func (s *NotificationService) List(unreadOnly bool) ([]models.Notification, error) {
	return s.Find(context.Background(), NotificationFilter{UnreadOnly: unreadOnly})
}

// Find returns notifications matching f, newest first.
func (s *NotificationService) Find(ctx context.Context, f NotificationFilter) ([]models.Notification, error) {
	var notifications []models.Notification
	query := s.DB.WithContext(ctx).Order("created_at desc")
	if f.UnreadOnly {
		query = query.Where("read = ?", false)
	}
	if f.Type != "" {
		query = query.Where("type = ?", f.Type)
	}
	if f.IP != "" {
		query = query.Where("ip = ?", f.IP)
	}
	if f.AssessmentID != "" {
		query = query.Where("assessment_id = ?", f.AssessmentID)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	result := query.Find(&notifications)
	return notifications, result.Error
}

func (s *NotificationService) MarkAsRead(id string) error {
	result := s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (s *NotificationService) MarkAllAsRead() error {
	return s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true).Error
}

// External Notifications (Shoutrrr & Custom Webhooks)

// wants reports whether provider p subscribes to eventType at the given severity.
func wants(p models.NotificationProvider, eventType, severity string) bool {
	switch eventType {
	case EventThreat:
		return p.NotifyThreats && p.Accepts(severity)
	case EventBlock:
		return p.NotifyBlocks && p.Accepts(severity)
	case EventTest:
		return true
	default:
		return p.Accepts(severity)
	}
}

// SendExternal delivers a message to every enabled provider subscribed to
// eventType. Providers are contacted concurrently; the first failure is returned
// after all of them finish.
func (s *NotificationService) SendExternal(ctx context.Context, eventType, severity, title, message string, data map[string]interface{}) error {
	var providers []models.NotificationProvider
	if err := s.DB.WithContext(ctx).Where("enabled = ?", true).Find(&providers).Error; err != nil {
		return fmt.Errorf("fetch notification providers: %w", err)
	}

	payload := make(map[string]interface{}, len(data)+5)
	for k, v := range data {
		payload[k] = v
	}
	payload["Title"] = title
	payload["Message"] = message
	payload["Severity"] = severity
	payload["Time"] = time.Now().Format(time.RFC3339)
	payload["EventType"] = eventType

	g, gctx := errgroup.WithContext(ctx)
	for _, provider := range providers {
		if !wants(provider, eventType, severity) {
			continue
		}
		p := provider
		g.Go(func() error {
			err := s.send(gctx, p, title, message, payload)
			if err != nil {
				logger.Log().WithError(err).WithFields(logrus.Fields{
					"provider": util.SanitizeForLog(p.Name),
					"event":    eventType,
				}).Warn("failed to send notification")
			}
			return err
		})
	}
	return g.Wait()
}

func (s *NotificationService) send(ctx context.Context, p models.NotificationProvider, title, message string, data map[string]interface{}) error {
	if p.Type == "webhook" {
		return s.sendCustomWebhook(ctx, p, data)
	}
	url := normalizeURL(p.Type, p.URL)
	// Validate HTTP/HTTPS destinations used by shoutrrr to reduce SSRF risk
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		if _, err := validateWebhookURL(url); err != nil {
			return fmt.Errorf("invalid destination for provider %s: %w", p.Name, err)
		}
	}
	// Use newline for better formatting in chat apps
	return shoutrrr.Send(url, fmt.Sprintf("%s\n\n%s", title, message))
}

// Built-in templates
const (
	minimalTemplate  = `{"message": {{toJSON .Message}}, "title": {{toJSON .Title}}, "time": {{toJSON .Time}}, "event": {{toJSON .EventType}}, "severity": {{toJSON .Severity}}}`
	detailedTemplate = `{"title": {{toJSON .Title}}, "message": {{toJSON .Message}}, "time": {{toJSON .Time}}, "event": {{toJSON .EventType}}, "severity": {{toJSON .Severity}}, "ip": {{toJSON .IP}}, "category": {{toJSON .Category}}, "threat_level": {{toJSON .ThreatLevel}}, "assessment_id": {{toJSON .AssessmentID}}, "data": {{toJSON .}}}`
)

func templateFor(p models.NotificationProvider) string {
	switch strings.ToLower(strings.TrimSpace(p.Template)) {
	case "detailed":
		return detailedTemplate
	case "minimal":
		return minimalTemplate
	}
	if p.Config == "" {
		return minimalTemplate
	}
	return p.Config
}

func renderWebhookBody(tmplStr string, data map[string]interface{}) (*bytes.Buffer, error) {
	tmpl, err := template.New("webhook").Funcs(template.FuncMap{
		"toJSON": func(v interface{}) string {
			b, _ := json.Marshal(v)
			return string(b)
		},
	}).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook template: %w", err)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("failed to execute webhook template: %w", err)
	}
	return &body, nil
}

func (s *NotificationService) sendCustomWebhook(ctx context.Context, p models.NotificationProvider, data map[string]interface{}) error {
	// Validate webhook URL to reduce SSRF risk (returns parsed URL)
	u, err := validateWebhookURL(p.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}

	body, err := renderWebhookBody(templateFor(p), data)
	if err != nil {
		return err
	}

	// Send Request with a safe client (timeout, no auto-redirect)
	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Connect to a resolved, non-private address and keep the original hostname
	// in the Host header so virtual hosting still works.
	ips, err := net.LookupIP(u.Hostname())
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("failed to resolve webhook host: %w", err)
	}
	var selectedIP net.IP
	for _, ip := range ips {
		if isLoopbackHost(u.Hostname()) || !isPrivateIP(ip) {
			selectedIP = ip
			break
		}
	}
	if selectedIP == nil {
		return fmt.Errorf("failed to find non-private IP for webhook host: %s", u.Hostname())
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	safeURL := &neturl.URL{
		Scheme:   u.Scheme,
		Host:     net.JoinHostPort(selectedIP.String(), port),
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, safeURL.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Host = u.Host

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// isPrivateIP returns true for RFC1918, loopback and link-local addresses.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}

// validateWebhookURL parses and validates webhook URLs and ensures
// the resolved addresses are not private/local.
func validateWebhookURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}

	// Allow explicit loopback/localhost addresses for local tests.
	if isLoopbackHost(host) {
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
	}
	return u, nil
}

func (s *NotificationService) TestProvider(ctx context.Context, provider models.NotificationProvider) error {
	if provider.Type == "webhook" {
		data := map[string]interface{}{
			"Title":        "Test Notification",
			"Message":      "This is a test notification from Cerberus",
			"EventType":    EventTest,
			"Severity":     "low",
			"IP":           "192.0.2.1",
			"Category":     "none",
			"ThreatLevel":  0,
			"AssessmentID": "test",
			"Time":         time.Now().Format(time.RFC3339),
		}
		return s.sendCustomWebhook(ctx, provider, data)
	}
	return shoutrrr.Send(normalizeURL(provider.Type, provider.URL), "Test notification from Cerberus")
}

// RenderTemplate renders a provider template with provided data and returns
// the rendered JSON string and the parsed object for previewing/validation.
func (s *NotificationService) RenderTemplate(p models.NotificationProvider, data map[string]interface{}) (string, interface{}, error) {
	body, err := renderWebhookBody(templateFor(p), data)
	if err != nil {
		return "", nil, err
	}

	var parsed interface{}
	if err := json.Unmarshal(body.Bytes(), &parsed); err != nil {
		return body.String(), nil, fmt.Errorf("failed to parse rendered template: %w", err)
	}
	return body.String(), parsed, nil
}

// Provider Management

func (s *NotificationService) ListProviders() ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	result := s.DB.Order("created_at asc").Find(&providers)
	return providers, result.Error
}

func (s *NotificationService) validateCustom(provider *models.NotificationProvider) error {
	if strings.ToLower(strings.TrimSpace(provider.Template)) != "custom" || strings.TrimSpace(provider.Config) == "" {
		return nil
	}
	payload := map[string]interface{}{"Title": "Preview", "Message": "Preview", "Time": time.Now().Format(time.RFC3339), "EventType": "preview", "Severity": "high"}
	if _, _, err := s.RenderTemplate(*provider, payload); err != nil {
		return fmt.Errorf("invalid custom template: %w", err)
	}
	return nil
}

func (s *NotificationService) CreateProvider(provider *models.NotificationProvider) error {
	if err := s.validateCustom(provider); err != nil {
		return err
	}
	return s.DB.Create(provider).Error
}

func (s *NotificationService) UpdateProvider(provider *models.NotificationProvider) error {
	if err := s.validateCustom(provider); err != nil {
		return err
	}
	return s.DB.Save(provider).Error
}

func (s *NotificationService) DeleteProvider(id string) error {
	return s.DB.Delete(&models.NotificationProvider{}, "id = ?", id).Error
}
