package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAccount(t *testing.T) {
	rs := NewReadModelStore(newTestDB(t))

	require.NoError(t, rs.CreateAccount("acme", "alice", "USD", 1000, "tx-1"))

	t.Run("duplicate account is a precondition failure", func(t *testing.T) {
		err := rs.CreateAccount("acme", "alice", "USD", 0, "tx-2")
		assert.ErrorIs(t, err, ErrAccountExists)
	})

	t.Run("same account under another tenant is distinct", func(t *testing.T) {
		assert.NoError(t, rs.CreateAccount("globex", "alice", "USD", 0, "tx-3"))
	})

	bal, err := rs.GetBalance("acme", "alice")
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.Equal(t, int64(1000), bal.Balance)
	assert.Equal(t, "USD", bal.Currency)
	assert.Equal(t, "tx-1", bal.LastLedgerTxID)
}

func TestApplyDelta(t *testing.T) {
	rs := NewReadModelStore(newTestDB(t))

	require.NoError(t, rs.CreateAccount("acme", "alice", "USD", 1000, "tx-1"))

	require.NoError(t, rs.ApplyDelta("acme", "alice", -500, "tx-2"))
	require.NoError(t, rs.ApplyDelta("acme", "alice", 25, "tx-3"))

	bal, err := rs.GetBalance("acme", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(525), bal.Balance)
	assert.Equal(t, "tx-3", bal.LastLedgerTxID)

	t.Run("unknown account is a precondition failure", func(t *testing.T) {
		err := rs.ApplyDelta("acme", "ghost", 10, "tx-4")
		assert.ErrorIs(t, err, ErrAccountMissing)
	})
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	rs := NewReadModelStore(newTestDB(t))

	bal, err := rs.GetBalance("acme", "nobody")
	require.NoError(t, err)
	assert.Nil(t, bal)
}

func TestInsertTransfer(t *testing.T) {
	rs := NewReadModelStore(newTestDB(t))

	rec := &TransferRecord{
		TenantID:    "acme",
		TransferID:  "tr-1",
		FromAccount: "alice",
		ToAccount:   "bob",
		Amount:      500,
		FeeAmount:   5,
		Currency:    "USD",
		LedgerTxID:  "tx-9",
		Block:       12,
	}
	require.NoError(t, rs.InsertTransfer(rec))

	t.Run("duplicate transfer id is a precondition failure", func(t *testing.T) {
		err := rs.InsertTransfer(&TransferRecord{TenantID: "acme", TransferID: "tr-1"})
		assert.ErrorIs(t, err, ErrTransferExists)
	})
}

func TestListTransfers(t *testing.T) {
	rs := NewReadModelStore(newTestDB(t))

	transfers := []TransferRecord{
		{TenantID: "acme", TransferID: "tr-1", FromAccount: "alice", ToAccount: "bob", Amount: 100, Block: 1},
		{TenantID: "acme", TransferID: "tr-2", FromAccount: "bob", ToAccount: "carol", Amount: 50, Block: 2},
		{TenantID: "acme", TransferID: "tr-3", FromAccount: "carol", ToAccount: "alice", Amount: 25, Block: 3},
		{TenantID: "globex", TransferID: "tr-4", FromAccount: "alice", ToAccount: "bob", Amount: 10, Block: 4},
	}
	for i := range transfers {
		require.NoError(t, rs.InsertTransfer(&transfers[i]))
	}

	t.Run("account filter matches either side", func(t *testing.T) {
		recs, err := rs.ListTransfers("acme", "bob", 10)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "tr-2", recs[0].TransferID, "newest block first")
	})

	t.Run("empty account returns tenant history", func(t *testing.T) {
		recs, err := rs.ListTransfers("acme", "", 10)
		require.NoError(t, err)
		assert.Len(t, recs, 3)
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		recs, err := rs.ListTransfers("globex", "alice", 10)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})
}

func TestListBalances(t *testing.T) {
	rs := NewReadModelStore(newTestDB(t))

	require.NoError(t, rs.CreateAccount("acme", "bob", "USD", 10, "tx-1"))
	require.NoError(t, rs.CreateAccount("acme", "alice", "USD", 20, "tx-2"))

	bals, err := rs.ListBalances("acme", 10)
	require.NoError(t, err)
	require.Len(t, bals, 2)
	assert.Equal(t, "alice", bals[0].AccountID, "sorted by account id")
}
