package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/whatsapp-automation/engine/internal/models"
)

// CreateCampaign inserts a campaign in PENDING state.
func (s *Store) CreateCampaign(ctx context.Context, c *models.BulkCampaign) error {
	c.Status = models.CampaignPending
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetCampaign loads a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id uint) (models.BulkCampaign, error) {
	var c models.BulkCampaign
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return c, notFound(err)
	}
	return c, nil
}

// CampaignStatus reads only the status column.
func (s *Store) CampaignStatus(ctx context.Context, id uint) (string, error) {
	var c models.BulkCampaign
	if err := s.db.WithContext(ctx).Select("status").First(&c, id).Error; err != nil {
		return "", notFound(err)
	}
	return c.Status, nil
}

// TransitionCampaign moves a campaign to status `to` only if its current
// status is one of `from`. It reports whether the row changed.
func (s *Store) TransitionCampaign(ctx context.Context, id uint, to string, from ...string) (bool, error) {
	fields := map[string]interface{}{"status": to}
	now := time.Now().UTC()
	switch to {
	case models.CampaignInProgress:
		fields["started_at"] = now
	case models.CampaignCompleted, models.CampaignFailed, models.CampaignCancelled:
		fields["finished_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&models.BulkCampaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("failed to move campaign %d to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FailCampaign marks a pending or in-progress campaign FAILED with a reason.
func (s *Store) FailCampaign(ctx context.Context, id uint, reason string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.BulkCampaign{}).
		Where("id = ? AND status IN ?", id, []string{models.CampaignPending, models.CampaignInProgress}).
		Updates(map[string]interface{}{
			"status":      models.CampaignFailed,
			"error":       reason,
			"finished_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to fail campaign %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RecordDelivery appends a delivery log row and bumps the matching counter
// in one transaction.
func (s *Store) RecordDelivery(ctx context.Context, campaignID uint, recipient, status, errMsg string) error {
	column := "sent_count"
	if status == models.DeliveryFailed {
		column = "failed_count"
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := models.BulkDeliveryLog{
			CampaignID: campaignID,
			Recipient:  recipient,
			Status:     status,
			Error:      errMsg,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return tx.Model(&models.BulkCampaign{}).Where("id = ?", campaignID).
			UpdateColumn(column, gorm.Expr(column+" + ?", 1)).Error
	})
}

// ListDeliveries returns a campaign's delivery log in insertion order.
func (s *Store) ListDeliveries(ctx context.Context, campaignID uint) ([]models.BulkDeliveryLog, error) {
	var logs []models.BulkDeliveryLog
	err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("id").Find(&logs).Error
	return logs, err
}

// ListCampaignsByStatus returns campaigns in the given status, oldest first.
func (s *Store) ListCampaignsByStatus(ctx context.Context, status string) ([]models.BulkCampaign, error) {
	var cs []models.BulkCampaign
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("id").Find(&cs).Error
	return cs, err
}
