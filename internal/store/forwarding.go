package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/whatsapp-automation/engine/internal/models"
)

// CreateForwardRule inserts a forwarding rule.
func (s *Store) CreateForwardRule(ctx context.Context, rule *models.ForwardRule) error {
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create forward rule: %w", err)
	}
	return nil
}

// GetForwardRule loads a forwarding rule by id.
func (s *Store) GetForwardRule(ctx context.Context, id uint) (models.ForwardRule, error) {
	var rule models.ForwardRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return rule, notFound(err)
	}
	return rule, nil
}

// ListActiveForwardRules returns the active forwarding rules of an account.
func (s *Store) ListActiveForwardRules(ctx context.Context, accountID uint) ([]models.ForwardRule, error) {
	var rules []models.ForwardRule
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("id").
		Find(&rules).Error
	return rules, err
}

// SetForwardRuleActive flips the active flag.
func (s *Store) SetForwardRuleActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.ForwardRule{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("failed to toggle forward rule %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementForwardCount bumps the rule's forwarded-message counter.
func (s *Store) IncrementForwardCount(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.ForwardRule{}).Where("id = ?", id).
		UpdateColumn("forward_count", gorm.Expr("forward_count + ?", 1)).Error
}
