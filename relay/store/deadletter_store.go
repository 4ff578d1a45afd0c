package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// DeadLetterStore provides database operations on diverted events.
type DeadLetterStore struct {
	client *gorm.DB
}

// NewDeadLetterStore creates a new dead letter store.
func NewDeadLetterStore(client *gorm.DB) *DeadLetterStore {
	return &DeadLetterStore{client: client}
}

// InsertIfNotExistsTx records a diverted event inside the caller's
// transaction, keyed by its stream position. Returns (true, nil) if a new row
// was inserted, (false, nil) if the same event was already diverted (a
// redelivery), or (false, error) if insertion failed.
func InsertIfNotExistsTx(tx *gorm.DB, dl *DeadLetterEvent) (bool, error) {
	var existing DeadLetterEvent
	err := tx.
		Where("tenant_id = ? AND channel = ? AND block = ? AND event_index = ?",
			dl.TenantID, dl.Channel, dl.Block, dl.EventIndex).
		First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("failed to check existing dead letter: %w", err)
	}

	if err := tx.Create(dl).Error; err != nil {
		return false, fmt.Errorf("failed to create dead letter: %w", err)
	}
	return true, nil
}

// List returns dead letters for a tenant, unresolved first, newest within
// each group.
func (ds *DeadLetterStore) List(tenantID string, includeResolved bool, limit int) ([]DeadLetterEvent, error) {
	if ds.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	query := ds.client.Model(&DeadLetterEvent{})
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if !includeResolved {
		query = query.Where("resolved = ?", false)
	}

	var rows []DeadLetterEvent
	if err := query.Order("resolved ASC, created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return rows, nil
}

// Count returns the number of unresolved dead letters, optionally scoped to
// one tenant.
func (ds *DeadLetterStore) Count(tenantID string) (int64, error) {
	if ds.client == nil {
		return 0, fmt.Errorf("database is nil")
	}

	query := ds.client.Model(&DeadLetterEvent{}).Where("resolved = ?", false)
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// Resolve marks a dead letter as handled by the operator. Returns the number
// of rows updated; zero means the row was missing or already resolved.
func (ds *DeadLetterStore) Resolve(id uint) (int64, error) {
	if ds.client == nil {
		return 0, fmt.Errorf("database is nil")
	}

	res := ds.client.Model(&DeadLetterEvent{}).
		Where("id = ? AND resolved = ?", id, false).
		Update("resolved", true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to resolve dead letter: %w", res.Error)
	}
	return res.RowsAffected, nil
}
