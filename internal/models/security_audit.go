package models

import (
	"time"
)

// SecurityAudit records resolved threats and admin actions related to security.
type SecurityAudit struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	UUID         string    `json:"uuid" gorm:"uniqueIndex"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	AssessmentID string    `json:"assessment_id" gorm:"index"`
	IP           string    `json:"ip"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	ThreatLevel  float64   `json:"threat_level"`
	Details      string    `json:"details" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
}
