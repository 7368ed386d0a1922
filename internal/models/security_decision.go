package models

import (
	"time"
)

// SecurityDecision stores a healing action taken by Cerberus or a manual
// override so it can be audited and surfaced in the UI.
type SecurityDecision struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	UUID         string    `json:"uuid" gorm:"uniqueIndex"`
	Source       string    `json:"source"` // cerberus, manual
	Action       string    `json:"action"` // block_ip, rate_limit, invalidate_session, unblock ...
	IP           string    `json:"ip" gorm:"index"`
	Severity     string    `json:"severity"`
	AssessmentID string    `json:"assessment_id" gorm:"index"`
	Reason       string    `json:"reason"`
	Details      string    `json:"details" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
}
