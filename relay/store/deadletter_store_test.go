package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDeadLetterInsertIfNotExists(t *testing.T) {
	db := newTestDB(t)
	ds := NewDeadLetterStore(db)

	dl := &DeadLetterEvent{
		TenantID:     "acme",
		Channel:      "acme-channel",
		Block:        12,
		EventIndex:   3,
		EventName:    "mystery.event",
		EventVersion: "v9",
		Payload:      []byte(`{"x":1}`),
		Reason:       ReasonUnregisteredEvent,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		inserted, err := InsertIfNotExistsTx(tx, dl)
		require.NoError(t, err)
		assert.True(t, inserted)
		return nil
	})
	require.NoError(t, err)

	t.Run("redelivery of the same position is a no-op", func(t *testing.T) {
		dup := &DeadLetterEvent{
			TenantID:   "acme",
			Channel:    "acme-channel",
			Block:      12,
			EventIndex: 3,
			Reason:     ReasonUnregisteredEvent,
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			inserted, err := InsertIfNotExistsTx(tx, dup)
			require.NoError(t, err)
			assert.False(t, inserted)
			return nil
		})
		require.NoError(t, err)

		count, err := ds.Count("acme")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("different position inserts", func(t *testing.T) {
		other := &DeadLetterEvent{
			TenantID:   "acme",
			Channel:    "acme-channel",
			Block:      12,
			EventIndex: 4,
			Reason:     ReasonSchemaValidation,
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			inserted, err := InsertIfNotExistsTx(tx, other)
			require.NoError(t, err)
			assert.True(t, inserted)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestDeadLetterResolve(t *testing.T) {
	db := newTestDB(t)
	ds := NewDeadLetterStore(db)

	dl := &DeadLetterEvent{
		TenantID: "acme", Channel: "ch", Block: 1, EventIndex: 0,
		Reason: ReasonSchemaValidation,
	}
	require.NoError(t, db.Create(dl).Error)

	rows, err := ds.Resolve(dl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	t.Run("second resolve is a no-op", func(t *testing.T) {
		rows, err := ds.Resolve(dl.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), rows)
	})

	t.Run("resolved rows leave the default listing", func(t *testing.T) {
		listed, err := ds.List("acme", false, 10)
		require.NoError(t, err)
		assert.Empty(t, listed)

		listed, err = ds.List("acme", true, 10)
		require.NoError(t, err)
		assert.Len(t, listed, 1)
	})
}

func TestDeadLetterListOrdering(t *testing.T) {
	db := newTestDB(t)
	ds := NewDeadLetterStore(db)

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, db.Create(&DeadLetterEvent{
			TenantID: "acme", Channel: "ch", Block: i, EventIndex: 0,
			Reason: ReasonUnregisteredEvent,
		}).Error)
	}

	listed, err := ds.List("acme", false, 2)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	count, err := ds.Count("")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
