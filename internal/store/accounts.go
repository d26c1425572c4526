package store

import (
	"context"
	"fmt"

	"github.com/whatsapp-automation/engine/internal/models"
)

// CreateAccount inserts a new account configuration.
func (s *Store) CreateAccount(ctx context.Context, acc *models.AccountConfig) error {
	if err := s.db.WithContext(ctx).Create(acc).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount loads an account configuration by id.
func (s *Store) GetAccount(ctx context.Context, id uint) (models.AccountConfig, error) {
	var acc models.AccountConfig
	if err := s.db.WithContext(ctx).First(&acc, id).Error; err != nil {
		return acc, notFound(err)
	}
	return acc, nil
}

// ListAccounts returns the accounts of a tenant.
func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]models.AccountConfig, error) {
	var accs []models.AccountConfig
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&accs).Error
	return accs, err
}

// ListRestorable returns every active account that holds a session.
func (s *Store) ListRestorable(ctx context.Context) ([]models.AccountConfig, error) {
	var accs []models.AccountConfig
	err := s.db.WithContext(ctx).
		Where("active = ? AND session_blob <> ?", true, "").
		Order("id").
		Find(&accs).Error
	return accs, err
}

// SaveSession stores a freshly authenticated session and marks the account active.
func (s *Store) SaveSession(ctx context.Context, id uint, blob, identity string) error {
	return s.updateAccount(ctx, id, map[string]interface{}{
		"session_blob": blob,
		"identity":     identity,
		"active":       true,
	})
}

// UpdateSessionBlob replaces the stored blob after the network rotated it.
func (s *Store) UpdateSessionBlob(ctx context.Context, id uint, blob string) error {
	return s.updateAccount(ctx, id, map[string]interface{}{"session_blob": blob})
}

// ClearSession drops the session, the identity and the active flag.
func (s *Store) ClearSession(ctx context.Context, id uint) error {
	return s.updateAccount(ctx, id, map[string]interface{}{
		"session_blob": "",
		"identity":     "",
		"active":       false,
	})
}

func (s *Store) updateAccount(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.AccountConfig{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update account %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
