package projector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/ledger"
)

func TestDefaultHandlersRegisterAll(t *testing.T) {
	hs, err := DefaultHandlers()
	require.NoError(t, err)
	assert.Equal(t, []string{EventAccountOpened, EventBalanceAdjusted, EventTransferSettled}, hs.Names())
}

func TestRegisterRejectsBadRegistrations(t *testing.T) {
	noop := func(*ledger.Event) (Applier, error) { return nil, nil }

	tests := []struct {
		name      string
		eventName string
		handler   Handler
	}{
		{"blank name", "", noop},
		{"unversioned name", "account.opened", noop},
		{"non numeric version", "account.opened.vx", noop},
		{"nil handler", "account.opened.v1", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hs := NewHandlerSet()
			err := hs.Register(tc.eventName, tc.handler)
			require.Error(t, err)
			assert.True(t, relayerrors.HasCode(err, relayerrors.ErrCodeConfiguration))
		})
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	noop := func(*ledger.Event) (Applier, error) { return nil, nil }

	hs := NewHandlerSet()
	require.NoError(t, hs.Register("account.opened.v1", noop))

	err := hs.Register("account.opened.v1", noop)
	require.Error(t, err)
	assert.True(t, relayerrors.HasCode(err, relayerrors.ErrCodeConfiguration))
}

func TestParseEventName(t *testing.T) {
	tests := []struct {
		in      string
		base    string
		version string
		ok      bool
	}{
		{"account.opened.v1", "account.opened", "v1", true},
		{"transfer.settled.v12", "transfer.settled", "v12", true},
		{"noversion", "", "", false},
		{"trailing.v", "", "", false},
		{".v1", "", "", false},
		{"bad.vX", "", "", false},
	}
	for _, tc := range tests {
		base, version, ok := parseEventName(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.base, base, tc.in)
		assert.Equal(t, tc.version, version, tc.in)
	}
}

func TestAccountOpenedValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"valid", `{"account_id":"acct-1","currency":"USD","initial_balance":1000}`, ""},
		{"zero balance allowed", `{"account_id":"acct-1","currency":"USD"}`, ""},
		{"empty payload", ``, "payload is empty"},
		{"bad json", `{`, "not valid JSON"},
		{"missing account", `{"currency":"USD"}`, "account_id is required"},
		{"missing currency", `{"account_id":"acct-1"}`, "currency is required"},
		{"negative balance", `{"account_id":"acct-1","currency":"USD","initial_balance":-5}`, "must not be negative"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			apply, err := handleAccountOpened(evt(5, 0, EventAccountOpened, tc.payload))
			if tc.wantErr == "" {
				require.NoError(t, err)
				require.NotNil(t, apply)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestTransferSettledValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"valid", `{"transfer_id":"tr-1","from_account":"a","to_account":"b","amount":500,"fee":10}`, ""},
		{"missing transfer id", `{"from_account":"a","to_account":"b","amount":500}`, "transfer_id is required"},
		{"missing endpoint", `{"transfer_id":"tr-1","from_account":"a","amount":500}`, "endpoints are required"},
		{"same endpoints", `{"transfer_id":"tr-1","from_account":"a","to_account":"a","amount":500}`, "must differ"},
		{"zero amount", `{"transfer_id":"tr-1","from_account":"a","to_account":"b","amount":0}`, "must be positive"},
		{"negative fee", `{"transfer_id":"tr-1","from_account":"a","to_account":"b","amount":500,"fee":-1}`, "fee must be"},
		{"fee above amount", `{"transfer_id":"tr-1","from_account":"a","to_account":"b","amount":500,"fee":501}`, "fee must be"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			apply, err := handleTransferSettled(evt(5, 0, EventTransferSettled, tc.payload))
			if tc.wantErr == "" {
				require.NoError(t, err)
				require.NotNil(t, apply)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestBalanceAdjustedValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"valid credit", `{"account_id":"acct-1","delta":250,"reason":"promo"}`, ""},
		{"valid debit", `{"account_id":"acct-1","delta":-250,"reason":"chargeback"}`, ""},
		{"missing account", `{"delta":250,"reason":"promo"}`, "account_id is required"},
		{"zero delta", `{"account_id":"acct-1","delta":0,"reason":"promo"}`, "must not be zero"},
		{"missing reason", `{"account_id":"acct-1","delta":250}`, "reason is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			apply, err := handleBalanceAdjusted(evt(5, 0, EventBalanceAdjusted, tc.payload))
			if tc.wantErr == "" {
				require.NoError(t, err)
				require.NotNil(t, apply)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
