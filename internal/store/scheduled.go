package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/whatsapp-automation/engine/internal/models"
)

// CreateScheduled inserts a scheduled message in PENDING state.
func (s *Store) CreateScheduled(ctx context.Context, m *models.ScheduledMessage) error {
	prepareScheduled(m)
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create scheduled message: %w", err)
	}
	return nil
}

func prepareScheduled(m *models.ScheduledMessage) {
	m.Status = models.ScheduledPending
	m.ScheduledAt = m.ScheduledAt.UTC()
	if m.Recurrence == "" {
		m.Recurrence = models.RecurrenceNone
	}
}

// GetScheduled loads a scheduled message by id.
func (s *Store) GetScheduled(ctx context.Context, id uint) (models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return m, notFound(err)
	}
	return m, nil
}

// ScheduledStatus reads only the status column.
func (s *Store) ScheduledStatus(ctx context.Context, id uint) (string, error) {
	var m models.ScheduledMessage
	if err := s.db.WithContext(ctx).Select("status").First(&m, id).Error; err != nil {
		return "", notFound(err)
	}
	return m.Status, nil
}

// DueScheduled returns pending messages whose time has come, oldest first.
func (s *Store) DueScheduled(ctx context.Context, now time.Time) ([]models.ScheduledMessage, error) {
	var ms []models.ScheduledMessage
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.ScheduledPending, now.UTC()).
		Order("scheduled_at ASC, id ASC").
		Find(&ms).Error
	return ms, err
}

// ClaimScheduled moves a pending message to SENDING. It reports false when
// the message is no longer pending, e.g. because it was cancelled.
func (s *Store) ClaimScheduled(ctx context.Context, id uint) (bool, error) {
	return s.moveScheduled(s.db.WithContext(ctx), id, []string{models.ScheduledPending},
		map[string]interface{}{"status": models.ScheduledSending})
}

// MarkScheduledSent moves a pending or claimed message to SENT.
func (s *Store) MarkScheduledSent(ctx context.Context, id uint, at time.Time) (bool, error) {
	return s.CompleteScheduled(ctx, id, at, nil)
}

// CompleteScheduled marks a pending or claimed message SENT and, when next is
// not nil, inserts it as the following occurrence in the same transaction.
// Nothing is inserted when the message was already finished.
func (s *Store) CompleteScheduled(ctx context.Context, id uint, at time.Time, next *models.ScheduledMessage) (bool, error) {
	var ok bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ok, err = s.moveScheduled(tx, id, []string{models.ScheduledPending, models.ScheduledSending},
			map[string]interface{}{
				"status":  models.ScheduledSent,
				"sent_at": at.UTC(),
				"error":   "",
			})
		if err != nil || !ok || next == nil {
			return err
		}
		prepareScheduled(next)
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("failed to create next occurrence of %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MarkScheduledFailed moves a pending or claimed message to FAILED with the error text.
func (s *Store) MarkScheduledFailed(ctx context.Context, id uint, errMsg string) (bool, error) {
	return s.moveScheduled(s.db.WithContext(ctx), id, []string{models.ScheduledPending, models.ScheduledSending},
		map[string]interface{}{
			"status": models.ScheduledFailed,
			"error":  errMsg,
		})
}

// CancelScheduled moves a pending message to CANCELLED. A claimed message is
// already being sent and can no longer be cancelled.
func (s *Store) CancelScheduled(ctx context.Context, id uint) (bool, error) {
	return s.moveScheduled(s.db.WithContext(ctx), id, []string{models.ScheduledPending},
		map[string]interface{}{"status": models.ScheduledCancelled})
}

func (s *Store) moveScheduled(db *gorm.DB, id uint, from []string, fields map[string]interface{}) (bool, error) {
	res := db.Model(&models.ScheduledMessage{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update scheduled message %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}
