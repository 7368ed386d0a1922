package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeThreat  NotificationType = "threat"
	NotificationTypeError   NotificationType = "error"
)

// Notification is an in-app record of something an operator should look at,
// usually a threat alert raised by the engine.
type Notification struct {
	ID           string           `gorm:"primaryKey" json:"id"`
	Type         NotificationType `json:"type"`
	Title        string           `json:"title"`
	Message      string           `json:"message"`
	AssessmentID string           `json:"assessment_id,omitempty" gorm:"index"`
	IP           string           `json:"ip,omitempty"`
	Severity     string           `json:"severity,omitempty"`
	Read         bool             `json:"read"`
	CreatedAt    time.Time        `json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}
