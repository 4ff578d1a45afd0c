package projector

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/ledger"
	"github.com/tesserafin/ledger-relay/relay/store"
)

// Ledger event names handled by the default projection. Events follow
// <entity>.<action>.v<N>; a payload change bumps N and gets its own handler.
const (
	EventAccountOpened   = "account.opened.v1"
	EventTransferSettled = "transfer.settled.v1"
	EventBalanceAdjusted = "balance.adjusted.v1"
)

// AccountOpenedEvent is the payload emitted when the chaincode opens an
// account.
type AccountOpenedEvent struct {
	AccountID      string `json:"account_id"`
	Currency       string `json:"currency"`
	InitialBalance int64  `json:"initial_balance"`
}

// TransferSettledEvent is the payload emitted once a transfer is final on
// the ledger. Amount leaves the sender; the receiver is credited Amount
// minus Fee.
type TransferSettledEvent struct {
	TransferID  string `json:"transfer_id"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	Currency    string `json:"currency"`
	Memo        string `json:"memo,omitempty"`
}

// BalanceAdjustedEvent is the payload emitted for an operator or chaincode
// initiated balance correction.
type BalanceAdjustedEvent struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

// Applier mutates the read models inside the projection transaction. The
// same transaction advances the checkpoint, so the mutation and the advance
// commit or roll back together.
type Applier func(models *store.ReadModelStore, tenantID string, ev *ledger.Event) error

// Handler decodes and validates one event type's payload, returning the
// applier for it. A validation error diverts the event; it never reaches a
// transaction.
type Handler func(ev *ledger.Event) (Applier, error)

// HandlerSet maps full event names to their handlers. It is validated at
// registration time so a misconfigured projection fails startup instead of
// diverting everything at runtime.
type HandlerSet struct {
	handlers map[string]Handler
}

// NewHandlerSet creates an empty handler set.
func NewHandlerSet() *HandlerSet {
	return &HandlerSet{handlers: make(map[string]Handler)}
}

// Register binds an event name to its handler. The name must carry a
// version suffix and must not already be bound.
func (hs *HandlerSet) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return relayerrors.NewConfigurationError("event handler registration requires a name")
	}
	if _, _, ok := parseEventName(name); !ok {
		return relayerrors.NewConfigurationError(
			fmt.Sprintf("event name %q does not follow <entity>.<action>.v<N>", name))
	}
	if h == nil {
		return relayerrors.NewConfigurationError(
			fmt.Sprintf("event %q registered without a handler", name))
	}
	if _, exists := hs.handlers[name]; exists {
		return relayerrors.NewConfigurationError(
			fmt.Sprintf("event %q is already registered", name))
	}

	hs.handlers[name] = h
	return nil
}

// Resolve returns the handler for a full event name.
func (hs *HandlerSet) Resolve(name string) (Handler, bool) {
	h, ok := hs.handlers[name]
	return h, ok
}

// Names returns the registered event names, sorted.
func (hs *HandlerSet) Names() []string {
	names := make([]string, 0, len(hs.handlers))
	for name := range hs.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultHandlers registers the standard account-ledger projection.
func DefaultHandlers() (*HandlerSet, error) {
	hs := NewHandlerSet()

	register := map[string]Handler{
		EventAccountOpened:   handleAccountOpened,
		EventTransferSettled: handleTransferSettled,
		EventBalanceAdjusted: handleBalanceAdjusted,
	}
	for name, h := range register {
		if err := hs.Register(name, h); err != nil {
			return nil, err
		}
	}
	return hs, nil
}

// parseEventName splits a full event name into its base and version suffix.
// "account.opened.v1" parses to ("account.opened", "v1").
func parseEventName(name string) (base, version string, ok bool) {
	i := strings.LastIndex(name, ".v")
	if i <= 0 || i+2 >= len(name) {
		return "", "", false
	}
	for _, r := range name[i+2:] {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	return name[:i], name[i+1:], true
}

func decodeEvent(payload []byte, out interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("event payload is empty")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("event payload is not valid JSON: %v", err)
	}
	return nil
}

func handleAccountOpened(ev *ledger.Event) (Applier, error) {
	var p AccountOpenedEvent
	if err := decodeEvent(ev.Payload, &p); err != nil {
		return nil, err
	}
	if p.AccountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	if p.Currency == "" {
		return nil, fmt.Errorf("currency is required")
	}
	if p.InitialBalance < 0 {
		return nil, fmt.Errorf("initial_balance must not be negative")
	}

	return func(models *store.ReadModelStore, tenantID string, ev *ledger.Event) error {
		return models.CreateAccount(tenantID, p.AccountID, p.Currency, p.InitialBalance, ev.TxID)
	}, nil
}

func handleTransferSettled(ev *ledger.Event) (Applier, error) {
	var p TransferSettledEvent
	if err := decodeEvent(ev.Payload, &p); err != nil {
		return nil, err
	}
	if p.TransferID == "" {
		return nil, fmt.Errorf("transfer_id is required")
	}
	if p.FromAccount == "" || p.ToAccount == "" {
		return nil, fmt.Errorf("both transfer endpoints are required")
	}
	if p.FromAccount == p.ToAccount {
		return nil, fmt.Errorf("transfer endpoints must differ")
	}
	if p.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if p.Fee < 0 || p.Fee > p.Amount {
		return nil, fmt.Errorf("fee must be between zero and the amount")
	}

	return func(models *store.ReadModelStore, tenantID string, ev *ledger.Event) error {
		if err := models.ApplyDelta(tenantID, p.FromAccount, -p.Amount, ev.TxID); err != nil {
			return fmt.Errorf("debit %s: %w", p.FromAccount, err)
		}
		if err := models.ApplyDelta(tenantID, p.ToAccount, p.Amount-p.Fee, ev.TxID); err != nil {
			return fmt.Errorf("credit %s: %w", p.ToAccount, err)
		}
		return models.InsertTransfer(&store.TransferRecord{
			TenantID:    tenantID,
			TransferID:  p.TransferID,
			FromAccount: p.FromAccount,
			ToAccount:   p.ToAccount,
			Amount:      p.Amount,
			FeeAmount:   p.Fee,
			Currency:    p.Currency,
			LedgerTxID:  ev.TxID,
			Block:       ev.Block,
			Memo:        p.Memo,
		})
	}, nil
}

func handleBalanceAdjusted(ev *ledger.Event) (Applier, error) {
	var p BalanceAdjustedEvent
	if err := decodeEvent(ev.Payload, &p); err != nil {
		return nil, err
	}
	if p.AccountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	if p.Delta == 0 {
		return nil, fmt.Errorf("delta must not be zero")
	}
	if p.Reason == "" {
		return nil, fmt.Errorf("reason is required")
	}

	return func(models *store.ReadModelStore, tenantID string, ev *ledger.Event) error {
		return models.ApplyDelta(tenantID, p.AccountID, p.Delta, ev.TxID)
	}, nil
}

// isDeterministic reports whether an apply failure is a read-model
// precondition that redelivery cannot clear. Those divert; everything else
// retries.
func isDeterministic(err error) bool {
	return errors.Is(err, store.ErrAccountExists) ||
		errors.Is(err, store.ErrAccountMissing) ||
		errors.Is(err, store.ErrTransferExists)
}
