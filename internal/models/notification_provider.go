package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationProvider struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`                            // discord, slack, gotify, telegram, generic, webhook
	URL      string `json:"url"`                             // The shoutrrr URL or webhook URL
	Config   string `json:"config"`                          // JSON payload template for custom webhooks
	Template string `json:"template" gorm:"default:minimal"` // minimal|detailed|custom
	Enabled  bool   `json:"enabled"`

	// Notification Preferences
	NotifyThreats bool `json:"notify_threats" gorm:"default:true"`
	NotifyBlocks  bool `json:"notify_blocks" gorm:"default:true"`
	// MinSeverity drops threat alerts below this level (low, medium, high, critical).
	MinSeverity string `json:"min_severity" gorm:"default:high"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var severityRank = map[string]int{"low": 0, "medium": 1, "high": 2, "critical": 3}

// Accepts reports whether an alert of the given severity passes MinSeverity.
// An unset or unknown minimum accepts everything.
func (n *NotificationProvider) Accepts(severity string) bool {
	floor, ok := severityRank[strings.ToLower(strings.TrimSpace(n.MinSeverity))]
	if !ok {
		return true
	}
	return severityRank[strings.ToLower(severity)] >= floor
}

func (n *NotificationProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if strings.TrimSpace(n.Template) == "" {
		if strings.TrimSpace(n.Config) != "" {
			n.Template = "custom"
		} else {
			n.Template = "minimal"
		}
	}
	return
}
