package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/whatsapp-automation/engine/internal/models"
)

// CreateRule inserts an auto-reply rule.
func (s *Store) CreateRule(ctx context.Context, rule *models.AutoReplyRule) error {
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create auto-reply rule: %w", err)
	}
	return nil
}

// GetRule loads an auto-reply rule by id.
func (s *Store) GetRule(ctx context.Context, id uint) (models.AutoReplyRule, error) {
	var rule models.AutoReplyRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return rule, notFound(err)
	}
	return rule, nil
}

// UpdateRule saves every field of rule.
func (s *Store) UpdateRule(ctx context.Context, rule *models.AutoReplyRule) error {
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return fmt.Errorf("failed to update auto-reply rule %d: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes a rule and its usage history.
func (s *Store) DeleteRule(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rule_id = ?", id).Delete(&models.AutoReplyUsage{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.AutoReplyRule{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListActiveRules returns the active rules of an account, highest priority first.
func (s *Store) ListActiveRules(ctx context.Context, accountID uint) ([]models.AutoReplyRule, error) {
	var rules []models.AutoReplyRule
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	return rules, err
}

// CountUsage counts replies a rule sent to counterpart at or after since.
func (s *Store) CountUsage(ctx context.Context, ruleID uint, counterpart string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.AutoReplyUsage{}).
		Where("rule_id = ? AND counterpart = ? AND created_at >= ?", ruleID, counterpart, since.UTC()).
		Count(&n).Error
	return n, err
}

// RecordUsage appends a usage row and bumps the rule's use counter.
func (s *Store) RecordUsage(ctx context.Context, ruleID uint, counterpart string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		usage := models.AutoReplyUsage{RuleID: ruleID, Counterpart: counterpart, CreatedAt: at.UTC()}
		if err := tx.Create(&usage).Error; err != nil {
			return err
		}
		return tx.Model(&models.AutoReplyRule{}).Where("id = ?", ruleID).
			UpdateColumn("use_count", gorm.Expr("use_count + ?", 1)).Error
	})
}
