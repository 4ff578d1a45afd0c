package projector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesserafin/ledger-relay/relay/config"
	"github.com/tesserafin/ledger-relay/relay/db"
	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/ledger"
	"github.com/tesserafin/ledger-relay/relay/metrics"
	"github.com/tesserafin/ledger-relay/relay/store"
)

type fixture struct {
	projector   *Projector
	database    *db.DB
	checkpoints *store.CheckpointStore
	deadLetters *store.DeadLetterStore
	models      *store.ReadModelStore
	metrics     *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	handlers, err := DefaultHandlers()
	require.NoError(t, err)

	m := metrics.New()
	binding := config.TenantBinding{TenantID: "demo", Channel: "demo-channel", Chaincode: "accountledger"}

	return &fixture{
		projector:   NewProjector("balances", binding, database.Client(), nil, handlers, m, zerolog.Nop()),
		database:    database,
		checkpoints: store.NewCheckpointStore(database.Client()),
		deadLetters: store.NewDeadLetterStore(database.Client()),
		models:      store.NewReadModelStore(database.Client()),
		metrics:     m,
	}
}

func evt(block uint64, index int, name, payload string) *ledger.Event {
	return &ledger.Event{
		Channel: "demo-channel",
		Block:   block,
		Index:   index,
		Name:    name,
		TxID:    fmt.Sprintf("tx-%d-%d", block, index),
		Payload: []byte(payload),
	}
}

func (f *fixture) checkpoint(t *testing.T) *store.Checkpoint {
	t.Helper()
	cp, err := f.checkpoints.Get("demo", "balances", "demo-channel")
	require.NoError(t, err)
	return cp
}

func (f *fixture) balance(t *testing.T, accountID string) *store.AccountBalance {
	t.Helper()
	bal, err := f.models.GetBalance("demo", accountID)
	require.NoError(t, err)
	return bal
}

const (
	openSender   = `{"account_id":"acct-1","currency":"USD","initial_balance":1000}`
	openReceiver = `{"account_id":"acct-2","currency":"USD","initial_balance":200}`
)

func TestProjectorAppliesAccountOpened(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.projector.handleEvent(evt(5, 0, EventAccountOpened, openSender)))

	bal := f.balance(t, "acct-1")
	require.NotNil(t, bal)
	assert.Equal(t, int64(1000), bal.Balance)
	assert.Equal(t, "USD", bal.Currency)
	assert.Equal(t, "tx-5-0", bal.LastLedgerTxID)

	cp := f.checkpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(5), cp.LastBlock)
	assert.Equal(t, uint64(0), cp.LastEventIndex)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		f.metrics.EventsTotal.WithLabelValues("demo", EventAccountOpened, metrics.OutcomeApplied)))
}

func TestProjectorTransferMovesFunds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.projector.handleEvent(evt(5, 0, EventAccountOpened, openSender)))
	require.NoError(t, f.projector.handleEvent(evt(5, 1, EventAccountOpened, openReceiver)))

	transfer := `{"transfer_id":"tr-1","from_account":"acct-1","to_account":"acct-2",` +
		`"amount":500,"fee":10,"currency":"USD","memo":"rent"}`
	require.NoError(t, f.projector.handleEvent(evt(6, 0, EventTransferSettled, transfer)))

	assert.Equal(t, int64(500), f.balance(t, "acct-1").Balance)
	assert.Equal(t, int64(690), f.balance(t, "acct-2").Balance)

	recs, err := f.models.ListTransfers("demo", "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tr-1", recs[0].TransferID)
	assert.Equal(t, int64(500), recs[0].Amount)
	assert.Equal(t, int64(10), recs[0].FeeAmount)
	assert.Equal(t, "tx-6-0", recs[0].LedgerTxID)
	assert.Equal(t, uint64(6), recs[0].Block)

	cp := f.checkpoint(t)
	assert.Equal(t, uint64(6), cp.LastBlock)
	assert.Equal(t, uint64(0), cp.LastEventIndex)
}

func TestProjectorSkipsDuplicateDeliveries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.projector.handleEvent(evt(5, 0, EventAccountOpened, openSender)))

	// Redelivery after a reconnect: the same position arrives again.
	require.NoError(t, f.projector.handleEvent(evt(5, 0, EventAccountOpened, openSender)))

	assert.Equal(t, int64(1000), f.balance(t, "acct-1").Balance)

	n, err := f.deadLetters.Count("demo")
	require.NoError(t, err)
	assert.Zero(t, n, "a skipped duplicate must never reach the handler")

	assert.Equal(t, float64(1), testutil.ToFloat64(
		f.metrics.EventsTotal.WithLabelValues("demo", EventAccountOpened, metrics.OutcomeSkipped)))
}

func TestProjectorAbortsOnStreamGap(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.projector.handleEvent(evt(5, 0, EventAccountOpened, openSender)))

	err := f.projector.handleEvent(evt(5, 2, EventAccountOpened, openReceiver))
	require.Error(t, err)
	assert.True(t, relayerrors.HasCode(err, relayerrors.ErrCodeInternal))
	assert.False(t, relayerrors.IsRetryable(err), "a gap must end the subscription, not retry")

	// A later block has to start at index zero.
	err = f.projector.handleEvent(evt(6, 1, EventAccountOpened, openReceiver))
	require.Error(t, err)
	assert.True(t, relayerrors.HasCode(err, relayerrors.ErrCodeInternal))

	cp := f.checkpoint(t)
	assert.Equal(t, uint64(5), cp.LastBlock)
	assert.Equal(t, uint64(0), cp.LastEventIndex)
}

func TestProjectorGenesisAcceptsOnlyBlockStart(t *testing.T) {
	f := newFixture(t)

	err := f.projector.handleEvent(evt(3, 1, EventAccountOpened, openSender))
	require.Error(t, err)
	assert.True(t, relayerrors.HasCode(err, relayerrors.ErrCodeInternal))

	require.NoError(t, f.projector.handleEvent(evt(3, 0, EventAccountOpened, openSender)))
	require.NotNil(t, f.balance(t, "acct-1"))
}

func TestProjectorDivertsUnregisteredEvent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.projector.handleEvent(evt(4, 0, "order.shipped.v1", `{"order_id":"o-1"}`)))

	rows, err := f.deadLetters.List("demo", false, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "order.shipped", rows[0].EventName)
	assert.Equal(t, "v1", rows[0].EventVersion)
	assert.Equal(t, store.ReasonUnregisteredEvent, rows[0].Reason)
	assert.Equal(t, uint64(4), rows[0].Block)
	assert.Equal(t, "tx-4-0", rows[0].LedgerTxID)

	// The stream is not blocked: the next event applies normally.
	require.NoError(t, f.projector.handleEvent(evt(4, 1, EventAccountOpened, openSender)))
	require.NotNil(t, f.balance(t, "acct-1"))

	cp := f.checkpoint(t)
	assert.Equal(t, uint64(4), cp.LastBlock)
	assert.Equal(t, uint64(1), cp.LastEventIndex)
}

func TestProjectorDivertsUnparseableName(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.projector.handleEvent(evt(4, 0, "bogus", `{}`)))

	rows, err := f.deadLetters.List("demo", false, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bogus", rows[0].EventName)
	assert.Empty(t, rows[0].EventVersion)
	assert.Equal(t, store.ReasonSchemaValidation, rows[0].Reason)
}

func TestProjectorDivertsInvalidPayload(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.projector.handleEvent(evt(4, 0, EventAccountOpened, `{"currency":"USD"}`)))

	rows, err := f.deadLetters.List("demo", false, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.ReasonSchemaValidation, rows[0].Reason)
	assert.Contains(t, rows[0].ErrorMsg, "account_id is required")
	assert.Nil(t, f.balance(t, "acct-1"))

	assert.Equal(t, float64(1), testutil.ToFloat64(
		f.metrics.EventsTotal.WithLabelValues("demo", EventAccountOpened, metrics.OutcomeDeadLetter)))
}

func TestProjectorDivertsRejectionAtomically(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.projector.handleEvent(evt(5, 0, EventAccountOpened, openSender)))

	// The receiver does not exist, so the credit fails after the debit
	// already ran inside the transaction. The debit must roll back with it.
	transfer := `{"transfer_id":"tr-1","from_account":"acct-1","to_account":"acct-9",` +
		`"amount":500,"fee":0,"currency":"USD"}`
	require.NoError(t, f.projector.handleEvent(evt(6, 0, EventTransferSettled, transfer)))

	assert.Equal(t, int64(1000), f.balance(t, "acct-1").Balance, "the rolled back debit must not stick")

	rows, err := f.deadLetters.List("demo", false, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.ReasonHandlerRejected, rows[0].Reason)
	assert.Contains(t, rows[0].ErrorMsg, "account does not exist")

	cp := f.checkpoint(t)
	assert.Equal(t, uint64(6), cp.LastBlock)
}

func TestProjectorDuplicateAccountIsRejectedNotRetried(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.projector.handleEvent(evt(5, 0, EventAccountOpened, openSender)))

	reopened := `{"account_id":"acct-1","currency":"USD","initial_balance":50}`
	require.NoError(t, f.projector.handleEvent(evt(6, 0, EventAccountOpened, reopened)))

	assert.Equal(t, int64(1000), f.balance(t, "acct-1").Balance)

	rows, err := f.deadLetters.List("demo", false, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.ReasonHandlerRejected, rows[0].Reason)
}

func TestProjectorTransientFailureRetriesSameEvent(t *testing.T) {
	f := newFixture(t)

	attempts := 0
	require.NoError(t, f.projector.handlers.Register("audit.recorded.v1", func(*ledger.Event) (Applier, error) {
		return func(models *store.ReadModelStore, tenantID string, ev *ledger.Event) error {
			attempts++
			if attempts == 1 {
				return fmt.Errorf("database is locked")
			}
			return models.CreateAccount(tenantID, "audit-1", "USD", 0, ev.TxID)
		}, nil
	}))

	ev := evt(5, 0, "audit.recorded.v1", `{}`)

	err := f.projector.handleEvent(ev)
	require.Error(t, err)
	assert.True(t, relayerrors.IsRetryable(err), "transient store errors must redeliver the event")
	assert.Nil(t, f.checkpoint(t), "a failed application must not move the checkpoint")

	// Redelivery of the same event applies exactly once.
	require.NoError(t, f.projector.handleEvent(ev))

	assert.Equal(t, 2, attempts)
	require.NotNil(t, f.balance(t, "audit-1"))
	cp := f.checkpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(5), cp.LastBlock)
}

type scriptedGateway struct {
	mu     sync.Mutex
	froms  []uint64
	events chan *ledger.Event
}

func (g *scriptedGateway) Connect(context.Context) error { return nil }

func (g *scriptedGateway) Submit(context.Context, string, string, string, []string) (*ledger.Submission, error) {
	return nil, relayerrors.NewInternalError("submit is not scripted", nil)
}

func (g *scriptedGateway) Events(_ context.Context, _, _ string, fromBlock uint64) (<-chan *ledger.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.froms = append(g.froms, fromBlock)
	return g.events, nil
}

func (g *scriptedGateway) Close() error { return nil }

func (g *scriptedGateway) startBlocks() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint64(nil), g.froms...)
}

func TestProjectorStartResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)

	// An earlier run finalized (7,1).
	require.NoError(t, f.database.Client().Create(&store.Checkpoint{
		TenantID:       "demo",
		Projector:      "balances",
		Channel:        "demo-channel",
		LastBlock:      7,
		LastEventIndex: 1,
	}).Error)

	gw := &scriptedGateway{events: make(chan *ledger.Event, 8)}
	f.projector.ledger = ledger.NewClient(gw, config.LedgerConfig{}, nil, zerolog.Nop())

	require.NoError(t, f.projector.Start(context.Background()))
	defer f.projector.Stop()

	// The ledger replays block 7 from its start; the replayed events are
	// skipped by position, then the new block applies.
	gw.events <- evt(7, 0, EventAccountOpened, openSender)
	gw.events <- evt(7, 1, EventAccountOpened, openSender)
	gw.events <- evt(8, 0, EventAccountOpened, openSender)

	require.Eventually(t, func() bool {
		bal, err := f.models.GetBalance("demo", "acct-1")
		return err == nil && bal != nil
	}, 2*time.Second, 10*time.Millisecond)

	froms := gw.startBlocks()
	require.NotEmpty(t, froms)
	assert.Equal(t, uint64(7), froms[0], "resume from the last finalized block, not past it")

	cp := f.checkpoint(t)
	assert.Equal(t, uint64(8), cp.LastBlock)
	assert.Equal(t, uint64(0), cp.LastEventIndex)
	assert.Equal(t, int64(1000), f.balance(t, "acct-1").Balance, "replayed opens must not double apply")
}

func TestProjectorStartTwiceIsRefused(t *testing.T) {
	f := newFixture(t)

	gw := &scriptedGateway{events: make(chan *ledger.Event)}
	f.projector.ledger = ledger.NewClient(gw, config.LedgerConfig{}, nil, zerolog.Nop())

	require.NoError(t, f.projector.Start(context.Background()))
	defer f.projector.Stop()

	require.Error(t, f.projector.Start(context.Background()))
}
