package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tesserafin/ledger-relay/relay/config"
	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/metrics"
)

// DefaultSubmitTimeout bounds one submission round trip when the config
// omits a value.
const DefaultSubmitTimeout = 30 * time.Second

// Stream reconnect and handler retry pacing.
const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	handlerBaseDelay   = 500 * time.Millisecond
	handlerMaxDelay    = 15 * time.Second
)

// Client fronts a Gateway with the per-instance circuit breaker, the
// submission timeout, and the resumable event subscription. Dispatcher and
// projector receive the same instance so they share breaker state.
type Client struct {
	gateway       Gateway
	breaker       *CircuitBreaker
	metrics       *metrics.Metrics
	log           zerolog.Logger
	submitTimeout time.Duration
}

// NewClient wires the breaker from config and exports its state gauge.
func NewClient(gateway Gateway, cfg config.LedgerConfig, m *metrics.Metrics, log zerolog.Logger) *Client {
	timeout := time.Duration(cfg.SubmitTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}

	breaker := NewCircuitBreaker("ledger", BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           time.Duration(cfg.BreakerWindowSeconds) * time.Second,
		Cooldown:         time.Duration(cfg.BreakerCooldownSeconds) * time.Second,
	}, log)

	c := &Client{
		gateway:       gateway,
		breaker:       breaker,
		metrics:       m,
		log:           log.With().Str("component", "ledger_client").Logger(),
		submitTimeout: timeout,
	}

	if m != nil {
		breaker.OnStateChange(func(state string) {
			m.BreakerState.Set(breakerGauge(state))
		})
	}

	return c
}

// Connect opens the underlying gateway session.
func (c *Client) Connect(ctx context.Context) error {
	return c.gateway.Connect(ctx)
}

// Close tears the gateway session down.
func (c *Client) Close() error {
	return c.gateway.Close()
}

// BreakerState reports the breaker state for health endpoints.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Submit sends one transaction through the breaker with the configured
// timeout. While the breaker is open it fails immediately with CIRCUIT_OPEN
// and performs no gateway I/O. A submission counts as a breaker success
// only once Wait resolves its commit, so a ledger that accepts proposals
// but never commits them still opens the breaker.
func (c *Client) Submit(ctx context.Context, channel, chaincode, fn string, args []string) (*Submission, error) {
	if !c.breaker.Allow() {
		return nil, relayerrors.NewCircuitOpenError(
			fmt.Sprintf("circuit breaker open, refusing %s on %s", fn, channel))
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	start := time.Now()
	sub, err := c.gateway.Submit(ctx, channel, chaincode, fn, args)
	if err != nil {
		c.record(err)
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	}

	return NewSubmission(sub.TxID(), func(ctx context.Context) (uint64, error) {
		block, err := sub.Wait(ctx)
		if err != nil {
			c.record(err)
			return 0, err
		}
		c.breaker.RecordSuccess()
		return block, nil
	}), nil
}

// record feeds one call outcome to the breaker. Rejections and duplicates
// prove the ledger answered, so they count as successes; everything else is
// an availability failure.
func (c *Client) record(err error) {
	switch relayerrors.CodeOf(err) {
	case relayerrors.ErrCodeTxRejected, relayerrors.ErrCodeDuplicateRequest, relayerrors.ErrCodeValidation:
		c.breaker.RecordSuccess()
	default:
		c.breaker.RecordFailure()
	}
}

func breakerGauge(state string) float64 {
	switch state {
	case StateOpen:
		return metrics.BreakerStateOpen
	case StateHalfOpen:
		return metrics.BreakerStateHalfOpen
	default:
		return metrics.BreakerStateClosed
	}
}

// Subscription is one running event stream consumer. Done closes when the
// consumer goroutine exits; Err reports why, nil meaning a clean Stop.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Stop cancels the subscription and waits for the consumer to exit.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Done closes when the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil after a clean stop.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Subscribe streams chaincode events to onEvent in non-decreasing
// (Block, Index) order, starting at fromBlock. Transport drops reconnect
// with backoff and resume from the last delivered block, so an event may be
// delivered twice but never skipped. A retryable onEvent error re-invokes
// the same event after backoff indefinitely; any other handler error, or an
// out-of-order stream, terminates the subscription with Err set.
func (c *Client) Subscribe(parent context.Context, channel, chaincode string, fromBlock uint64, onEvent func(*Event) error) (*Subscription, error) {
	if onEvent == nil {
		return nil, relayerrors.NewConfigurationError("subscribe requires an event handler")
	}

	ctx, cancel := context.WithCancel(parent)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go c.consume(ctx, sub, channel, chaincode, fromBlock, onEvent)

	return sub, nil
}

func (c *Client) consume(ctx context.Context, sub *Subscription, channel, chaincode string, fromBlock uint64, onEvent func(*Event) error) {
	defer close(sub.done)

	log := c.log.With().Str("channel", channel).Str("chaincode", chaincode).Logger()

	next := fromBlock
	var last *Event
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := c.gateway.Events(ctx, channel, chaincode, next)
		if err != nil {
			attempts++
			delay := relayerrors.ExponentialBackoff(attempts, reconnectBaseDelay, reconnectMaxDelay)
			log.Warn().Err(err).
				Uint64("from_block", next).
				Dur("retry_in", delay).
				Msg("Event stream connect failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		log.Info().Uint64("from_block", next).Msg("Event stream connected")

		delivered, alive := c.drain(ctx, sub, log, events, &last, onEvent)
		if !alive {
			return
		}

		// Transport drop. Resume from the last delivered block so nothing
		// is skipped; the consumer's position gate absorbs redelivery.
		if last != nil {
			next = last.Block
		}
		if delivered > 0 {
			attempts = 0
			log.Warn().Uint64("resume_block", next).Msg("Event stream dropped, reconnecting")
			continue
		}

		// A stream that drops before yielding anything counts as a failed
		// attempt, otherwise a flapping peer would be redialed in a tight
		// loop.
		attempts++
		delay := relayerrors.ExponentialBackoff(attempts, reconnectBaseDelay, reconnectMaxDelay)
		log.Warn().
			Uint64("resume_block", next).
			Dur("retry_in", delay).
			Msg("Event stream dropped before first event, reconnecting")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// drain forwards one connection's events until the channel closes. It
// reports how many events were handed off and whether the subscription is
// still alive; alive is false on cancel or with Err set on a fatal error.
func (c *Client) drain(ctx context.Context, sub *Subscription, log zerolog.Logger, events <-chan *Event, last **Event, onEvent func(*Event) error) (int, bool) {
	// Order is checked per connection: a resumed stream legitimately
	// redelivers events at or before *last.
	var prev *Event
	delivered := 0

	for {
		select {
		case <-ctx.Done():
			return delivered, false
		case ev, ok := <-events:
			if !ok {
				return delivered, true
			}

			if prev != nil && !ev.After(prev) {
				err := relayerrors.NewInternalError(
					fmt.Sprintf("event stream went backwards: %s after %s", ev.Position(), prev.Position()), nil)
				log.Error().Err(err).Msg("Aborting subscription")
				sub.setErr(err)
				return delivered, false
			}
			prev = ev

			if err := c.deliver(ctx, log, ev, onEvent); err != nil {
				if ctx.Err() != nil {
					return delivered, false
				}
				log.Error().Err(err).
					Str("position", ev.Position()).
					Str("event", ev.Name).
					Msg("Event handler failed fatally, aborting subscription")
				sub.setErr(err)
				return delivered, false
			}
			if ctx.Err() != nil {
				return delivered, false
			}
			*last = ev
			delivered++
		}
	}
}

// deliver invokes the handler, retrying transient failures on the same
// event forever. Only a non-retryable handler error is returned.
func (c *Client) deliver(ctx context.Context, log zerolog.Logger, ev *Event, onEvent func(*Event) error) error {
	return relayerrors.Retry(ctx, func() error {
		return onEvent(ev)
	}, &relayerrors.RetryConfig{
		MaxAttempts:  0,
		InitialDelay: handlerBaseDelay,
		MaxDelay:     handlerMaxDelay,
		Multiplier:   2.0,
		OnRetry: func(attempt int, err error) {
			log.Warn().Err(err).
				Str("position", ev.Position()).
				Str("event", ev.Name).
				Int("attempt", attempt).
				Msg("Event handler failed, retrying")
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
