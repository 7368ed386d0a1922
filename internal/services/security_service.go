package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/cerberus/internal/models"
)

var ErrBlockNotFound = errors.New("block not found")

// SecurityService persists blocks, decisions and audit entries.
type SecurityService struct {
	db *gorm.DB
}

// NewSecurityService returns a SecurityService using the provided DB
func NewSecurityService(db *gorm.DB) *SecurityService {
	return &SecurityService{db: db}
}

// UpsertBlock stores a block, replacing any existing row for the same IP.
func (s *SecurityService) UpsertBlock(ctx context.Context, rec *models.BlockRecord) error {
	if rec == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	// sqlite compares timestamps as text, so every stored expiry is UTC.
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "severity", "source", "expires_at", "updated_at"}),
	}).Create(rec).Error
}

// DeleteBlock removes the row for ip.
func (s *SecurityService) DeleteBlock(ctx context.Context, ip string) error {
	res := s.db.WithContext(ctx).Where("ip = ?", ip).Delete(&models.BlockRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBlockNotFound
	}
	return nil
}

// DeleteAllBlocks removes every stored block and returns how many rows went away.
func (s *SecurityService) DeleteAllBlocks(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("1 = 1").Delete(&models.BlockRecord{})
	return res.RowsAffected, res.Error
}

// ListActiveBlocks returns the blocks that have not expired at now, soonest expiry first.
func (s *SecurityService) ListActiveBlocks(ctx context.Context, now time.Time) ([]models.BlockRecord, error) {
	var res []models.BlockRecord
	if err := s.db.WithContext(ctx).Where("expires_at > ?", now.UTC()).Order("expires_at asc, ip asc").Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// PurgeExpiredBlocks deletes rows whose expiry is at or before now.
func (s *SecurityService) PurgeExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&models.BlockRecord{})
	return res.RowsAffected, res.Error
}

// LogDecision stores a security decision record
func (s *SecurityService) LogDecision(ctx context.Context, d *models.SecurityDecision) error {
	if d == nil {
		return nil
	}
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(d).Error
}

// ListDecisions returns recent security decisions, ordered by created_at desc.
// An empty ip lists decisions for every address.
func (s *SecurityService) ListDecisions(ctx context.Context, ip string, limit int) ([]models.SecurityDecision, error) {
	var res []models.SecurityDecision
	q := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if ip != "" {
		q = q.Where("ip = ?", ip)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// LogAudit stores an audit entry
func (s *SecurityService) LogAudit(ctx context.Context, a *models.SecurityAudit) error {
	if a == nil {
		return nil
	}
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

// ListAudits returns recent audit entries, newest first.
func (s *SecurityService) ListAudits(ctx context.Context, limit int) ([]models.SecurityAudit, error) {
	var res []models.SecurityAudit
	q := s.db.WithContext(ctx).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}
