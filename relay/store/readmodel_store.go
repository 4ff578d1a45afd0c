package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Read-model precondition failures. These are deterministic: replaying the
// same event cannot clear them, so the projector diverts instead of retrying.
var (
	ErrAccountExists  = errors.New("account already exists")
	ErrAccountMissing = errors.New("account does not exist")
	ErrTransferExists = errors.New("transfer already recorded")
)

// ReadModelStore provides database operations on the projected read models.
// Projector handlers construct one over their transaction so mutations commit
// together with the checkpoint advance; the query server constructs one over
// the shared connection for reads.
type ReadModelStore struct {
	client *gorm.DB
}

// NewReadModelStore creates a new read model store.
func NewReadModelStore(client *gorm.DB) *ReadModelStore {
	return &ReadModelStore{client: client}
}

// GetBalance returns one account balance, or nil when the account is unknown.
func (rs *ReadModelStore) GetBalance(tenantID, accountID string) (*AccountBalance, error) {
	if rs.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	var bal AccountBalance
	err := rs.client.
		Where("tenant_id = ? AND account_id = ?", tenantID, accountID).
		First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	return &bal, nil
}

// ListBalances returns a tenant's account balances.
func (rs *ReadModelStore) ListBalances(tenantID string, limit int) ([]AccountBalance, error) {
	if rs.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	var bals []AccountBalance
	err := rs.client.
		Where("tenant_id = ?", tenantID).
		Order("account_id ASC").
		Limit(limit).
		Find(&bals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return bals, nil
}

// CreateAccount inserts a new balance row. An existing account reports
// ErrAccountExists.
func (rs *ReadModelStore) CreateAccount(tenantID, accountID, currency string, initialBalance int64, ledgerTxID string) error {
	if rs.client == nil {
		return fmt.Errorf("database is nil")
	}

	bal := AccountBalance{
		TenantID:       tenantID,
		AccountID:      accountID,
		Currency:       currency,
		Balance:        initialBalance,
		LastLedgerTxID: ledgerTxID,
	}
	if err := rs.client.Create(&bal).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// ApplyDelta adjusts one account balance by delta minor units. An unknown
// account reports ErrAccountMissing.
func (rs *ReadModelStore) ApplyDelta(tenantID, accountID string, delta int64, ledgerTxID string) error {
	if rs.client == nil {
		return fmt.Errorf("database is nil")
	}

	res := rs.client.Model(&AccountBalance{}).
		Where("tenant_id = ? AND account_id = ?", tenantID, accountID).
		Updates(map[string]interface{}{
			"balance":           gorm.Expr("balance + ?", delta),
			"last_ledger_tx_id": ledgerTxID,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAccountMissing
	}
	return nil
}

// InsertTransfer appends one transfer history row. A duplicate transfer ID
// reports ErrTransferExists.
func (rs *ReadModelStore) InsertTransfer(rec *TransferRecord) error {
	if rs.client == nil {
		return fmt.Errorf("database is nil")
	}

	if err := rs.client.Create(rec).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrTransferExists
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

// ListTransfers returns transfer history rows touching one account, newest
// first. An empty account returns the tenant's whole history.
func (rs *ReadModelStore) ListTransfers(tenantID, accountID string, limit int) ([]TransferRecord, error) {
	if rs.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	query := rs.client.Model(&TransferRecord{}).Where("tenant_id = ?", tenantID)
	if accountID != "" {
		query = query.Where("from_account = ? OR to_account = ?", accountID, accountID)
	}

	var recs []TransferRecord
	if err := query.Order("block DESC, created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return recs, nil
}
