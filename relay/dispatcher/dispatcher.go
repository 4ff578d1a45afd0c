// Package dispatcher drains the command outbox: it claims eligible commands
// with a per-row compare-and-set, submits them through the ledger client,
// and drives every claimed row to COMMITTED, a retry window, or terminal
// FAILED. Multiple dispatcher processes can share one database; the claim
// predicate keeps them from ever holding the same command.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tesserafin/ledger-relay/relay/config"
	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/ledger"
	"github.com/tesserafin/ledger-relay/relay/metrics"
	"github.com/tesserafin/ledger-relay/relay/registry"
	"github.com/tesserafin/ledger-relay/relay/store"
)

// Submitter is the slice of the ledger client the dispatcher drives.
// *ledger.Client satisfies it; tests substitute fakes.
type Submitter interface {
	Submit(ctx context.Context, channel, chaincode, fn string, args []string) (*ledger.Submission, error)
}

// Dispatcher owns the outbox poll loop for one worker identity.
type Dispatcher struct {
	commands *store.CommandStore
	registry *registry.Registry
	ledger   Submitter
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	workerID    string
	interval    time.Duration
	batchSize   int
	maxAttempts int
	lockStale   time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	cooldown    time.Duration

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a fresh worker identity.
func NewDispatcher(
	commands *store.CommandStore,
	reg *registry.Registry,
	submitter Submitter,
	cfg *config.Config,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	workerID := uuid.New().String()

	return &Dispatcher{
		commands:    commands,
		registry:    reg,
		ledger:      submitter,
		cfg:         cfg,
		metrics:     m,
		logger:      logger.With().Str("component", "dispatcher").Str("worker_id", workerID).Logger(),
		workerID:    workerID,
		interval:    time.Duration(cfg.Dispatcher.PollIntervalMillis) * time.Millisecond,
		batchSize:   cfg.Dispatcher.BatchSize,
		maxAttempts: cfg.Dispatcher.MaxAttempts,
		lockStale:   time.Duration(cfg.Dispatcher.LockStaleSeconds) * time.Second,
		backoffBase: time.Duration(cfg.Dispatcher.RetryBackoffBaseSeconds) * time.Second,
		backoffMax:  time.Duration(cfg.Dispatcher.RetryBackoffMaxSeconds) * time.Second,
		cooldown:    time.Duration(cfg.Ledger.BreakerCooldownSeconds) * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// WorkerID returns this dispatcher's claim identity.
func (d *Dispatcher) WorkerID() string {
	return d.workerID
}

// Start begins the claim loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.running {
		return fmt.Errorf("dispatcher is already running")
	}

	d.running = true
	d.stopCh = make(chan struct{})

	d.wg.Add(1)
	go d.dispatchLoop(ctx)

	d.logger.Info().
		Dur("interval", d.interval).
		Int("batch_size", d.batchSize).
		Int("max_attempts", d.maxAttempts).
		Msg("Dispatcher started")
	return nil
}

// Stop ends claiming and waits for the in-flight batch to finish.
func (d *Dispatcher) Stop() error {
	if !d.running {
		return nil
	}

	d.logger.Info().Msg("Stopping dispatcher")
	close(d.stopCh)
	d.running = false

	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (d *Dispatcher) IsRunning() bool {
	return d.running
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Context cancelled, stopping dispatch loop")
			return
		case <-d.stopCh:
			d.logger.Info().Msg("Stop signal received, stopping dispatch loop")
			return
		case <-ticker.C:
			if err := d.processBatch(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Failed to process command batch")
			}
		}
	}
}

// processBatch claims one batch and drives every claimed command, then
// refreshes the queue depth gauge.
func (d *Dispatcher) processBatch(ctx context.Context) error {
	claimed, err := d.commands.ClaimEligible(d.workerID, d.batchSize, d.maxAttempts, d.lockStale, time.Now())
	if err != nil {
		return fmt.Errorf("failed to claim commands: %w", err)
	}

	for i := range claimed {
		if ctx.Err() != nil {
			break
		}
		d.processCommand(ctx, &claimed[i])
	}

	d.refreshQueueDepth()
	return nil
}

// processCommand drives one claimed command: resolve its registry entry,
// build arguments, submit, persist SUBMITTED, await the commit block,
// persist COMMITTED. Failures are classified by disposeFailure.
func (d *Dispatcher) processCommand(ctx context.Context, cmd *store.Command) {
	log := d.logger.With().
		Uint("command_id", cmd.ID).
		Str("tenant", cmd.TenantID).
		Str("request_id", cmd.RequestID).
		Str("command_type", cmd.CommandType).
		Logger()

	binding, ok := d.cfg.GetTenantBinding(cmd.TenantID)
	if !ok {
		d.kill(cmd, relayerrors.NewConfigurationError(
			fmt.Sprintf("tenant %s has no channel binding", cmd.TenantID)), log)
		return
	}

	def, err := d.registry.Resolve(cmd.CommandType)
	if err != nil {
		d.kill(cmd, err, log)
		return
	}

	args, err := def.BuildArgs(cmd)
	if err != nil {
		d.kill(cmd, err, log)
		return
	}

	sub, err := d.ledger.Submit(ctx, binding.Channel, binding.Chaincode, def.QualifiedFunction(), args)
	if err != nil {
		d.disposeFailure(cmd, "", err, log)
		return
	}

	rows, err := d.commands.MarkSubmitted(cmd.ID, d.workerID, sub.TxID(), time.Now())
	if err != nil {
		log.Error().Err(err).Str("ledger_tx_id", sub.TxID()).Msg("Failed to persist submission")
		return
	}
	if rows == 0 {
		// The claim was reclaimed as stale. The other worker now owns the
		// row; the ledger's request id dedup makes its resubmission safe.
		log.Warn().Str("ledger_tx_id", sub.TxID()).Msg("Lost the claim before submission was persisted")
		return
	}

	block, err := sub.Wait(ctx)
	if err != nil {
		d.disposeFailure(cmd, sub.TxID(), err, log)
		return
	}

	rows, err = d.commands.MarkCommitted(cmd.ID, sub.TxID(), block)
	if err != nil {
		log.Error().Err(err).Str("ledger_tx_id", sub.TxID()).Msg("Failed to persist commit")
		return
	}
	if rows == 0 {
		log.Warn().Msg("Command was already finalized elsewhere")
		return
	}

	d.count(cmd.CommandType, metrics.OutcomeCommitted)
	log.Info().
		Str("ledger_tx_id", sub.TxID()).
		Uint64("block", block).
		Msg("Command committed")
}

// disposeFailure applies the failure matrix to a submission error. txID is
// the ledger transaction id when the failure happened after acceptance.
func (d *Dispatcher) disposeFailure(cmd *store.Command, txID string, cause error, log zerolog.Logger) {
	code := relayerrors.CodeOf(cause)

	switch {
	case code == relayerrors.ErrCodeCircuitOpen:
		// No submission happened, so no attempt is consumed. Hold the
		// command until the breaker's cooldown has a chance to elapse.
		next := time.Now().Add(d.cooldown)
		if _, err := d.commands.RequeueRetry(cmd.ID, cmd.Attempts, next, string(code), cause.Error()); err != nil {
			log.Error().Err(err).Msg("Failed to requeue command")
			return
		}
		d.count(cmd.CommandType, metrics.OutcomeCircuitOpen)
		log.Warn().Time("next_attempt_at", next).Msg("Circuit open, command held without consuming an attempt")

	case code == relayerrors.ErrCodeDuplicateRequest:
		// The ledger already holds this request's effect, typically after a
		// crash between submission and persistence. Converge, never dead-letter.
		if txID == "" {
			txID = cmd.LedgerTxID
		}
		if _, err := d.commands.MarkCommitted(cmd.ID, txID, cmd.CommitBlock); err != nil {
			log.Error().Err(err).Msg("Failed to converge duplicate to committed")
			return
		}
		d.count(cmd.CommandType, metrics.OutcomeDuplicate)
		log.Info().Str("ledger_tx_id", txID).Msg("Request already applied on the ledger, converged to committed")

	case relayerrors.IsRetryable(cause):
		attempts := cmd.Attempts + 1
		if attempts >= d.maxAttempts {
			if _, err := d.commands.MarkDead(cmd.ID, d.maxAttempts, string(code), cause.Error()); err != nil {
				log.Error().Err(err).Msg("Failed to mark command dead")
				return
			}
			d.count(cmd.CommandType, metrics.OutcomeDead)
			log.Error().Err(cause).Int("attempts", attempts).Msg("Retries exhausted, command dead")
			return
		}

		delay := relayerrors.ExponentialBackoff(attempts, d.backoffBase, d.backoffMax)
		next := time.Now().Add(delay)
		if _, err := d.commands.RequeueRetry(cmd.ID, attempts, next, string(code), cause.Error()); err != nil {
			log.Error().Err(err).Msg("Failed to requeue command")
			return
		}
		d.count(cmd.CommandType, metrics.OutcomeRetried)
		log.Warn().Err(cause).
			Int("attempts", attempts).
			Dur("backoff", delay).
			Msg("Submission failed, will retry")

	default:
		d.kill(cmd, cause, log)
	}
}

// kill moves a command straight to terminal FAILED.
func (d *Dispatcher) kill(cmd *store.Command, cause error, log zerolog.Logger) {
	code := relayerrors.CodeOf(cause)
	if _, err := d.commands.MarkDead(cmd.ID, d.maxAttempts, string(code), cause.Error()); err != nil {
		log.Error().Err(err).Msg("Failed to mark command dead")
		return
	}
	d.count(cmd.CommandType, metrics.OutcomeDead)
	log.Error().Err(cause).Str("error_code", string(code)).Msg("Command failed terminally")
}

func (d *Dispatcher) count(commandType, outcome string) {
	if d.metrics != nil {
		d.metrics.CommandsTotal.WithLabelValues(commandType, outcome).Inc()
	}
}

func (d *Dispatcher) refreshQueueDepth() {
	if d.metrics == nil {
		return
	}
	counts, err := d.commands.CountByStatus()
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to refresh queue depth")
		return
	}
	d.metrics.SetQueueDepth(counts, store.AllStatuses)
}
