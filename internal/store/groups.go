package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/whatsapp-automation/engine/internal/models"
)

// CreateGroupRecord stores a created or discovered group.
func (s *Store) CreateGroupRecord(ctx context.Context, g *models.GroupRecord) error {
	if err := s.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("failed to create group record: %w", err)
	}
	return nil
}

// ListGroupRecords returns a tenant's groups, newest first.
func (s *Store) ListGroupRecords(ctx context.Context, tenantID string) ([]models.GroupRecord, error) {
	var gs []models.GroupRecord
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id DESC").Find(&gs).Error
	return gs, err
}

// UpsertContacts inserts contacts, updating the existing row for the same
// (tenant, external id) pair.
func (s *Store) UpsertContacts(ctx context.Context, contacts []models.ContactRecord) error {
	if len(contacts) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "phone", "is_admin", "source", "source_group_id", "updated_at"}),
	}).CreateInBatches(contacts, 500).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %d contacts: %w", len(contacts), err)
	}
	return nil
}

// ListContacts returns a tenant's contacts.
func (s *Store) ListContacts(ctx context.Context, tenantID string) ([]models.ContactRecord, error) {
	var cs []models.ContactRecord
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&cs).Error
	return cs, err
}
