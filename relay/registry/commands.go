package registry

import (
	"encoding/json"
	"fmt"
	"strconv"

	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/store"
)

// Command types served by this binary.
const (
	TypeOpenAccount     = "account.open"
	TypeExecuteTransfer = "transfer.execute"
	TypeAdjustBalance   = "balance.adjust"
)

// Chaincode contracts hosting the command functions.
const (
	contractAccount  = "account"
	contractTransfer = "transfer"
)

// OpenAccountPayload opens a ledger account with a starting balance.
type OpenAccountPayload struct {
	AccountID      string `json:"account_id"`
	Currency       string `json:"currency"`
	InitialBalance int64  `json:"initial_balance"`
}

// ExecuteTransferPayload moves Amount between two accounts. The ledger
// computes the fee and reports it in the settlement event.
type ExecuteTransferPayload struct {
	TransferID  string `json:"transfer_id"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      int64  `json:"amount"`
	Memo        string `json:"memo"`
}

// AdjustBalancePayload applies an operator adjustment to one account.
type AdjustBalancePayload struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

// Default builds the registry for every command type this binary submits.
// Core calls it once at startup; an error here is fatal.
func Default() (*Registry, error) {
	r := NewRegistry()

	definitions := []Definition{
		{
			Type:      TypeOpenAccount,
			Contract:  contractAccount,
			Function:  "Open",
			BuildArgs: buildOpenAccountArgs,
		},
		{
			Type:      TypeExecuteTransfer,
			Contract:  contractTransfer,
			Function:  "Execute",
			BuildArgs: buildExecuteTransferArgs,
		},
		{
			Type:      TypeAdjustBalance,
			Contract:  contractAccount,
			Function:  "Adjust",
			BuildArgs: buildAdjustBalanceArgs,
		},
	}

	for _, def := range definitions {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// decodePayload unmarshals a command payload, tagging failures with the
// command's tenant.
func decodePayload(cmd *store.Command, out interface{}) error {
	if len(cmd.Payload) == 0 {
		return relayerrors.NewValidationError(cmd.TenantID, "command payload is empty")
	}
	if err := json.Unmarshal(cmd.Payload, out); err != nil {
		return relayerrors.NewValidationError(cmd.TenantID,
			fmt.Sprintf("command payload is not valid json: %v", err))
	}
	return nil
}

// The chaincode dedups on the request id, so every function receives it
// first, followed by the tenant.
func commonArgs(cmd *store.Command) []string {
	return []string{cmd.RequestID, cmd.TenantID}
}

func buildOpenAccountArgs(cmd *store.Command) ([]string, error) {
	var p OpenAccountPayload
	if err := decodePayload(cmd, &p); err != nil {
		return nil, err
	}
	if p.AccountID == "" {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "account_id is required")
	}
	if p.Currency == "" {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "currency is required")
	}
	if p.InitialBalance < 0 {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "initial_balance must not be negative")
	}

	return append(commonArgs(cmd),
		p.AccountID,
		p.Currency,
		strconv.FormatInt(p.InitialBalance, 10),
	), nil
}

func buildExecuteTransferArgs(cmd *store.Command) ([]string, error) {
	var p ExecuteTransferPayload
	if err := decodePayload(cmd, &p); err != nil {
		return nil, err
	}
	if p.TransferID == "" {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "transfer_id is required")
	}
	if p.FromAccount == "" || p.ToAccount == "" {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "from_account and to_account are required")
	}
	if p.FromAccount == p.ToAccount {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "transfer endpoints must differ")
	}
	if p.Amount <= 0 {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "amount must be positive")
	}

	return append(commonArgs(cmd),
		p.TransferID,
		p.FromAccount,
		p.ToAccount,
		strconv.FormatInt(p.Amount, 10),
		p.Memo,
	), nil
}

func buildAdjustBalanceArgs(cmd *store.Command) ([]string, error) {
	var p AdjustBalancePayload
	if err := decodePayload(cmd, &p); err != nil {
		return nil, err
	}
	if p.AccountID == "" {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "account_id is required")
	}
	if p.Delta == 0 {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "delta must not be zero")
	}
	if p.Reason == "" {
		return nil, relayerrors.NewValidationError(cmd.TenantID, "reason is required")
	}

	return append(commonArgs(cmd),
		p.AccountID,
		strconv.FormatInt(p.Delta, 10),
		p.Reason,
	), nil
}
