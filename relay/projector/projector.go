// Package projector consumes one tenant channel's ordered chaincode event
// stream and maintains the read models from it. Every event is applied
// exactly once: the read-model mutation and the checkpoint advance share one
// database transaction, duplicates delivered on resume are skipped by
// position, and events the projection cannot apply are diverted to the dead
// letter table without blocking the stream.
package projector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tesserafin/ledger-relay/relay/config"
	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/ledger"
	"github.com/tesserafin/ledger-relay/relay/metrics"
	"github.com/tesserafin/ledger-relay/relay/store"
)

// Subscriber is the slice of the ledger client the projector drives.
// *ledger.Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel, chaincode string, fromBlock uint64, onEvent func(*ledger.Event) error) (*ledger.Subscription, error)
}

// cursor is the last stream position this projector finalized, either by
// applying or by diverting. valid is false before the first event (genesis).
type cursor struct {
	block uint64
	index uint64
	valid bool
}

// covers reports whether a position was already finalized.
func (c cursor) covers(block, index uint64) bool {
	if !c.valid {
		return false
	}
	return block < c.block || (block == c.block && index <= c.index)
}

// admits reports whether a position is the immediate successor: the next
// index in the same block, or the first event of a later block.
func (c cursor) admits(block, index uint64) bool {
	if !c.valid {
		return index == 0
	}
	if block == c.block {
		return index == c.index+1
	}
	return block > c.block && index == 0
}

// Projector drives one (tenant, projector, channel) projection. The event
// handler runs on the subscription's goroutine; cursor state is touched
// nowhere else.
type Projector struct {
	tenantID  string
	name      string
	channel   string
	chaincode string

	database    *gorm.DB
	checkpoints *store.CheckpointStore
	ledger      Subscriber
	handlers    *HandlerSet
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	cur cursor
	sub *ledger.Subscription
}

// NewProjector creates a projector for one tenant binding.
func NewProjector(
	name string,
	binding config.TenantBinding,
	database *gorm.DB,
	subscriber Subscriber,
	handlers *HandlerSet,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Projector {
	return &Projector{
		tenantID:    binding.TenantID,
		name:        name,
		channel:     binding.Channel,
		chaincode:   binding.Chaincode,
		database:    database,
		checkpoints: store.NewCheckpointStore(database),
		ledger:      subscriber,
		handlers:    handlers,
		metrics:     m,
		logger: logger.With().
			Str("component", "projector").
			Str("projector", name).
			Str("tenant", binding.TenantID).
			Str("channel", binding.Channel).
			Logger(),
	}
}

// Start loads the checkpoint and subscribes from its block. The ledger
// client may redeliver that block's earlier events; the position gate drops
// them.
func (p *Projector) Start(ctx context.Context) error {
	if p.sub != nil {
		return fmt.Errorf("projector is already running")
	}

	cp, err := p.checkpoints.Get(p.tenantID, p.name, p.channel)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fromBlock := uint64(0)
	if cp != nil {
		p.cur = cursor{block: cp.LastBlock, index: cp.LastEventIndex, valid: true}
		fromBlock = cp.LastBlock
		p.gauge(cp.LastBlock)
	}

	sub, err := p.ledger.Subscribe(ctx, p.channel, p.chaincode, fromBlock, p.handleEvent)
	if err != nil {
		return err
	}
	p.sub = sub

	p.logger.Info().Uint64("from_block", fromBlock).Msg("Projector started")
	return nil
}

// Stop ends the subscription and waits for the in-flight event to finish.
func (p *Projector) Stop() {
	if p.sub == nil {
		return
	}
	p.sub.Stop()
	p.logger.Info().Msg("Projector stopped")
}

// Done closes when the subscription has ended.
func (p *Projector) Done() <-chan struct{} {
	if p.sub == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return p.sub.Done()
}

// Err reports why the subscription ended, nil after a clean Stop.
func (p *Projector) Err() error {
	if p.sub == nil {
		return nil
	}
	return p.sub.Err()
}

// handleEvent finalizes one delivered event. A nil return acknowledges it;
// a retryable error makes the client redeliver the same event; anything
// else ends the subscription.
func (p *Projector) handleEvent(ev *ledger.Event) error {
	block, index := ev.Block, uint64(ev.Index)

	if p.cur.covers(block, index) {
		p.count(ev.Name, metrics.OutcomeSkipped)
		p.logger.Debug().
			Str("position", ev.Position()).
			Str("event", ev.Name).
			Msg("Duplicate event skipped")
		return nil
	}
	if !p.cur.admits(block, index) {
		return relayerrors.NewInternalError(fmt.Sprintf(
			"event stream gap on %s: finalized (%d,%d), got %s",
			p.channel, p.cur.block, p.cur.index, ev.Position()), nil)
	}

	base, version, ok := parseEventName(ev.Name)
	if !ok {
		return p.divert(ev, ev.Name, "", store.ReasonSchemaValidation,
			"event name does not follow <entity>.<action>.v<N>")
	}

	handler, found := p.handlers.Resolve(ev.Name)
	if !found {
		return p.divert(ev, base, version, store.ReasonUnregisteredEvent,
			"no handler registered for this event")
	}

	apply, err := handler(ev)
	if err != nil {
		return p.divert(ev, base, version, store.ReasonSchemaValidation, err.Error())
	}

	err = p.database.Transaction(func(tx *gorm.DB) error {
		if err := apply(store.NewReadModelStore(tx), p.tenantID, ev); err != nil {
			return err
		}
		return store.AdvanceTx(tx, p.tenantID, p.name, p.channel, block, index)
	})
	if err != nil {
		if isDeterministic(err) {
			return p.divert(ev, base, version, store.ReasonHandlerRejected, err.Error())
		}
		if errors.Is(err, store.ErrCheckpointRegression) {
			return relayerrors.NewInternalError(
				fmt.Sprintf("checkpoint regression while applying %s", ev.Position()), err)
		}
		return relayerrors.NewDatabaseError(
			fmt.Sprintf("failed to apply event %s", ev.Position()), err)
	}

	p.cur = cursor{block: block, index: index, valid: true}
	p.count(ev.Name, metrics.OutcomeApplied)
	p.gauge(block)
	p.logger.Info().
		Str("position", ev.Position()).
		Str("event", ev.Name).
		Str("ledger_tx_id", ev.TxID).
		Msg("Event applied")
	return nil
}

// divert records the event in the dead letter table and advances the
// checkpoint in the same transaction, so the diversion neither blocks the
// stream nor repeats after a restart.
func (p *Projector) divert(ev *ledger.Event, name, version, reason, detail string) error {
	block, index := ev.Block, uint64(ev.Index)

	err := p.database.Transaction(func(tx *gorm.DB) error {
		dl := &store.DeadLetterEvent{
			TenantID:     p.tenantID,
			Channel:      p.channel,
			Block:        block,
			EventIndex:   index,
			EventName:    name,
			EventVersion: version,
			LedgerTxID:   ev.TxID,
			Payload:      ev.Payload,
			Reason:       reason,
			ErrorMsg:     detail,
		}
		if _, err := store.InsertIfNotExistsTx(tx, dl); err != nil {
			return err
		}
		return store.AdvanceTx(tx, p.tenantID, p.name, p.channel, block, index)
	})
	if err != nil {
		if errors.Is(err, store.ErrCheckpointRegression) {
			return relayerrors.NewInternalError(
				fmt.Sprintf("checkpoint regression while diverting %s", ev.Position()), err)
		}
		return relayerrors.NewDatabaseError(
			fmt.Sprintf("failed to divert event %s", ev.Position()), err)
	}

	p.cur = cursor{block: block, index: index, valid: true}
	p.count(ev.Name, metrics.OutcomeDeadLetter)
	p.gauge(block)
	p.logger.Warn().
		Str("position", ev.Position()).
		Str("event", ev.Name).
		Str("reason", reason).
		Str("detail", detail).
		Msg("Event diverted to dead letters")
	return nil
}

func (p *Projector) count(eventName, outcome string) {
	if p.metrics != nil {
		p.metrics.EventsTotal.WithLabelValues(p.tenantID, eventName, outcome).Inc()
	}
}

func (p *Projector) gauge(block uint64) {
	if p.metrics != nil {
		p.metrics.ProjectorLastBlock.WithLabelValues(p.tenantID, p.channel).Set(float64(block))
	}
}
