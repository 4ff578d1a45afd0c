// Package ledger connects the relay to the Fabric gateway. It owns the
// client identity, wraps every network call in a circuit breaker, and turns
// the peer's chaincode event service into an ordered, resumable stream.
package ledger

import (
	"context"
	"fmt"
)

// Event is one chaincode event delivered from the ledger stream. Index is
// the event's position within its block, so (Block, Index) orders the
// stream totally.
type Event struct {
	Channel string
	Block   uint64
	Index   int
	Name    string
	TxID    string
	Payload []byte
}

// Position renders the stream coordinates for logs.
func (e *Event) Position() string {
	return fmt.Sprintf("%d:%d", e.Block, e.Index)
}

// After reports whether the event sits strictly later in the stream than
// prev.
func (e *Event) After(prev *Event) bool {
	if e.Block != prev.Block {
		return e.Block > prev.Block
	}
	return e.Index > prev.Index
}

// WaitFunc blocks until a submitted transaction reaches a final validation
// status and returns its commit block.
type WaitFunc func(ctx context.Context) (uint64, error)

// Submission is a transaction the ordering service has accepted but whose
// commit block is not yet known.
type Submission struct {
	txID string
	wait WaitFunc
}

// NewSubmission pairs a transaction id with its commit waiter.
func NewSubmission(txID string, wait WaitFunc) *Submission {
	return &Submission{txID: txID, wait: wait}
}

// TxID returns the ledger transaction id assigned at proposal time.
func (s *Submission) TxID() string {
	return s.txID
}

// Wait blocks until the transaction is final and returns the block that
// carries it.
func (s *Submission) Wait(ctx context.Context) (uint64, error) {
	return s.wait(ctx)
}

// Gateway is the transport-level ledger connection. FabricGateway is the
// production implementation; tests substitute fakes.
type Gateway interface {
	// Connect establishes the session. Safe to call once before use.
	Connect(ctx context.Context) error

	// Submit endorses and submits one transaction. The returned Submission
	// resolves to the commit block asynchronously.
	Submit(ctx context.Context, channel, chaincode, fn string, args []string) (*Submission, error)

	// Events opens a chaincode event stream starting at fromBlock. The
	// channel closes when the transport drops or ctx ends.
	Events(ctx context.Context, channel, chaincode string, fromBlock uint64) (<-chan *Event, error)

	// Close tears the session down.
	Close() error
}
