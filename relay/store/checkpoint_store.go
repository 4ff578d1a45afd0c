package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrCheckpointRegression is returned when an advance would move a checkpoint
// backwards or sideways. It indicates a stream-order bug, not a transient
// condition.
var ErrCheckpointRegression = errors.New("checkpoint would not advance")

// CheckpointStore provides database operations on projection checkpoints.
type CheckpointStore struct {
	client *gorm.DB
}

// NewCheckpointStore creates a new checkpoint store.
func NewCheckpointStore(client *gorm.DB) *CheckpointStore {
	return &CheckpointStore{client: client}
}

// Get returns the checkpoint for one projector on one channel, or nil when
// the projector has never applied an event there (genesis).
func (ps *CheckpointStore) Get(tenantID, projector, channel string) (*Checkpoint, error) {
	if ps.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	var cp Checkpoint
	err := ps.client.
		Where("tenant_id = ? AND projector = ? AND channel = ?", tenantID, projector, channel).
		First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns all checkpoints, optionally filtered by tenant.
func (ps *CheckpointStore) List(tenantID string) ([]Checkpoint, error) {
	if ps.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	query := ps.client.Model(&Checkpoint{})
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}

	var cps []Checkpoint
	if err := query.Order("tenant_id, projector, channel").Find(&cps).Error; err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return cps, nil
}

// AdvanceTx moves the checkpoint to (block, index) inside the caller's
// transaction so the advance commits or rolls back together with the
// read-model mutation it covers. The position must be strictly greater than
// the stored one; a violation reports ErrCheckpointRegression.
func AdvanceTx(tx *gorm.DB, tenantID, projector, channel string, block, index uint64) error {
	var cp Checkpoint
	err := tx.
		Where("tenant_id = ? AND projector = ? AND channel = ?", tenantID, projector, channel).
		First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cp = Checkpoint{
				TenantID:       tenantID,
				Projector:      projector,
				Channel:        channel,
				LastBlock:      block,
				LastEventIndex: index,
			}
			if err := tx.Create(&cp).Error; err != nil {
				return fmt.Errorf("failed to create checkpoint: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to query checkpoint: %w", err)
	}

	res := tx.Model(&Checkpoint{}).
		Where("id = ? AND (last_block < ? OR (last_block = ? AND last_event_index < ?))",
			cp.ID, block, block, index).
		Updates(map[string]interface{}{
			"last_block":       block,
			"last_event_index": index,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: at (%d,%d), got (%d,%d)",
			ErrCheckpointRegression, cp.LastBlock, cp.LastEventIndex, block, index)
	}
	return nil
}
