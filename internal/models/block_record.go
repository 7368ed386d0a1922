package models

import "time"

// BlockRecord is the durable copy of an engine block. One row per address; a
// newer block for the same address overwrites the old one.
type BlockRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	IP        string    `json:"ip" gorm:"uniqueIndex;not null"`
	Reason    string    `json:"reason"`
	Severity  string    `json:"severity"`
	Source    string    `json:"source"` // cerberus, manual
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the block is still in force at now.
func (b BlockRecord) Active(now time.Time) bool {
	return now.Before(b.ExpiresAt)
}
