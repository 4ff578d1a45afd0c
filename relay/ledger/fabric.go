package ledger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tesserafin/ledger-relay/relay/config"
	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
)

// Gateway session timeouts, per call phase.
const (
	evaluateTimeout     = 5 * time.Second
	endorseTimeout      = 15 * time.Second
	ordererSubmitTime   = 5 * time.Second
	commitStatusTimeout = 1 * time.Minute
)

// eventBuffer decouples stream reads from handler latency.
const eventBuffer = 100

// Chaincodes reject replayed request ids with this marker in the message.
const duplicateRequestMarker = "duplicate request"

// FabricGateway owns the grpc connection and gateway session to one peer.
// Connect must succeed before Submit or Events are used.
type FabricGateway struct {
	cfg config.LedgerConfig
	log zerolog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn
	gw   *client.Gateway
}

// NewFabricGateway creates an unconnected gateway.
func NewFabricGateway(cfg config.LedgerConfig, log zerolog.Logger) *FabricGateway {
	return &FabricGateway{
		cfg: cfg,
		log: log.With().Str("component", "fabric_gateway").Logger(),
	}
}

// Connect loads the client identity, dials the peer, and opens the gateway
// session. Calling Connect on a connected gateway is a no-op.
func (g *FabricGateway) Connect(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.gw != nil {
		return nil
	}

	id, sign, err := g.loadIdentity()
	if err != nil {
		return err
	}

	creds, err := g.transportCredentials()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(g.cfg.PeerEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return relayerrors.NewConnectionError(
			fmt.Sprintf("failed to dial gateway peer %s", g.cfg.PeerEndpoint), err)
	}

	gw, err := client.Connect(
		id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(evaluateTimeout),
		client.WithEndorseTimeout(endorseTimeout),
		client.WithSubmitTimeout(ordererSubmitTime),
		client.WithCommitStatusTimeout(commitStatusTimeout),
	)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			g.log.Warn().Err(closeErr).Msg("Failed to close grpc connection after connect error")
		}
		return relayerrors.NewConnectionError("failed to open gateway session", err)
	}

	g.conn = conn
	g.gw = gw
	g.log.Info().
		Str("peer", g.cfg.PeerEndpoint).
		Str("msp_id", g.cfg.MSPID).
		Bool("tls", g.cfg.TLSCertPath != "").
		Msg("Connected to ledger gateway")

	return nil
}

// Submit endorses and submits one transaction. The returned Submission's
// Wait resolves the commit block once the peers have validated it.
func (g *FabricGateway) Submit(ctx context.Context, channel, chaincode, fn string, args []string) (*Submission, error) {
	gw, err := g.session()
	if err != nil {
		return nil, err
	}

	contract := gw.GetNetwork(channel).GetContract(chaincode)

	proposal, err := contract.NewProposal(fn, client.WithArguments(args...))
	if err != nil {
		return nil, relayerrors.NewRejectedTxError(
			fmt.Sprintf("failed to build proposal for %s", fn), err)
	}

	txn, err := proposal.EndorseWithContext(ctx)
	if err != nil {
		return nil, mapGatewayError("endorse", err)
	}

	commit, err := txn.SubmitWithContext(ctx)
	if err != nil {
		return nil, mapGatewayError("submit", err)
	}

	return NewSubmission(commit.TransactionID(), func(ctx context.Context) (uint64, error) {
		st, err := commit.StatusWithContext(ctx)
		if err != nil {
			return 0, mapGatewayError("commit status", err)
		}
		if !st.Successful {
			return 0, mapValidationCode(st.Code, st.TransactionID)
		}
		return st.BlockNumber, nil
	}), nil
}

// Events opens the chaincode event stream at fromBlock. Index is assigned
// by position within each delivered block.
func (g *FabricGateway) Events(ctx context.Context, channel, chaincode string, fromBlock uint64) (<-chan *Event, error) {
	gw, err := g.session()
	if err != nil {
		return nil, err
	}

	ccEvents, err := gw.GetNetwork(channel).ChaincodeEvents(ctx, chaincode, client.WithStartBlock(fromBlock))
	if err != nil {
		return nil, mapGatewayError("event stream", err)
	}

	out := make(chan *Event, eventBuffer)
	go func() {
		defer close(out)

		var (
			block   uint64
			index   int
			inBlock bool
		)
		for ev := range ccEvents {
			if !inBlock || ev.BlockNumber != block {
				block = ev.BlockNumber
				index = 0
				inBlock = true
			}

			event := &Event{
				Channel: channel,
				Block:   ev.BlockNumber,
				Index:   index,
				Name:    ev.EventName,
				TxID:    ev.TransactionID,
				Payload: ev.Payload,
			}
			index++

			select {
			case <-ctx.Done():
				return
			case out <- event:
			}
		}
	}()

	return out, nil
}

// Close tears down the gateway session and the underlying connection.
func (g *FabricGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.gw != nil {
		if err := g.gw.Close(); err != nil {
			g.log.Warn().Err(err).Msg("Failed to close gateway session")
		}
		g.gw = nil
	}
	if g.conn != nil {
		err := g.conn.Close()
		g.conn = nil
		if err != nil {
			return relayerrors.NewConnectionError("failed to close grpc connection", err)
		}
	}
	return nil
}

func (g *FabricGateway) session() (*client.Gateway, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.gw == nil {
		return nil, relayerrors.NewConnectionError("gateway is not connected", nil)
	}
	return g.gw, nil
}

func (g *FabricGateway) loadIdentity() (*identity.X509Identity, identity.Sign, error) {
	certPEM, err := os.ReadFile(g.cfg.CertPath)
	if err != nil {
		return nil, nil, relayerrors.NewConfigurationError(
			fmt.Sprintf("failed to read client certificate %s: %v", g.cfg.CertPath, err))
	}
	cert, err := identity.CertificateFromPEM(certPEM)
	if err != nil {
		return nil, nil, relayerrors.NewConfigurationError(
			fmt.Sprintf("failed to parse client certificate: %v", err))
	}
	id, err := identity.NewX509Identity(g.cfg.MSPID, cert)
	if err != nil {
		return nil, nil, relayerrors.NewConfigurationError(
			fmt.Sprintf("failed to build x509 identity for %s: %v", g.cfg.MSPID, err))
	}

	keyPEM, err := os.ReadFile(g.cfg.KeyPath)
	if err != nil {
		return nil, nil, relayerrors.NewConfigurationError(
			fmt.Sprintf("failed to read client key %s: %v", g.cfg.KeyPath, err))
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, nil, relayerrors.NewConfigurationError(
			fmt.Sprintf("failed to parse client key: %v", err))
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, relayerrors.NewConfigurationError(
			fmt.Sprintf("failed to build signer: %v", err))
	}

	return id, sign, nil
}

func (g *FabricGateway) transportCredentials() (credentials.TransportCredentials, error) {
	if g.cfg.TLSCertPath == "" {
		return insecure.NewCredentials(), nil
	}
	creds, err := credentials.NewClientTLSFromFile(g.cfg.TLSCertPath, g.cfg.GatewayPeer)
	if err != nil {
		return nil, relayerrors.NewConfigurationError(
			fmt.Sprintf("failed to load peer TLS certificate %s: %v", g.cfg.TLSCertPath, err))
	}
	return creds, nil
}

// mapGatewayError classifies a gateway call failure. Transport trouble maps
// to retryable codes; chaincode and policy rejections are terminal; a
// replayed request id converges to DUPLICATE_REQUEST.
func mapGatewayError(op string, err error) error {
	if isDuplicateMessage(err.Error()) {
		return relayerrors.NewDuplicateRequestError(
			fmt.Sprintf("%s: ledger already holds this request", op))
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return relayerrors.NewRetryableTxError(fmt.Sprintf("%s: ledger unavailable", op), err)
	case codes.DeadlineExceeded:
		return relayerrors.NewTimeoutError(fmt.Sprintf("%s: deadline exceeded", op))
	case codes.Canceled:
		return relayerrors.NewRetryableTxError(fmt.Sprintf("%s: call canceled", op), err)
	case codes.InvalidArgument:
		return relayerrors.NewRejectedTxError(fmt.Sprintf("%s: invalid request", op), err)
	}

	var endorseErr *client.EndorseError
	if relayerrors.As(err, &endorseErr) {
		// The gateway reached the peers and the chaincode said no.
		return relayerrors.NewRejectedTxError(
			fmt.Sprintf("%s rejected by chaincode", op), err)
	}

	var submitErr *client.SubmitError
	if relayerrors.As(err, &submitErr) {
		return relayerrors.NewRetryableTxError(
			fmt.Sprintf("%s: ordering service failed", op), err)
	}

	var statusErr *client.CommitStatusError
	if relayerrors.As(err, &statusErr) {
		return relayerrors.NewRetryableTxError(
			fmt.Sprintf("%s: commit status unavailable", op), err)
	}

	// Unknown failure mode. Request id dedup on the chaincode makes a
	// resubmission safe, so classify as retryable.
	return relayerrors.NewRetryableTxError(fmt.Sprintf("%s failed", op), err)
}

// mapValidationCode classifies a committed-but-invalid transaction by its
// peer validation code.
func mapValidationCode(code peer.TxValidationCode, txID string) error {
	switch code {
	case peer.TxValidationCode_MVCC_READ_CONFLICT, peer.TxValidationCode_PHANTOM_READ_CONFLICT:
		return relayerrors.NewRetryableTxError(
			fmt.Sprintf("transaction %s invalidated by read conflict (%s)", txID, code.String()), nil)
	case peer.TxValidationCode_DUPLICATE_TXID:
		return relayerrors.NewDuplicateRequestError(
			fmt.Sprintf("transaction %s was already committed", txID))
	default:
		return relayerrors.NewRejectedTxError(
			fmt.Sprintf("transaction %s invalidated with code %s", txID, code.String()), nil)
	}
}

func isDuplicateMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), duplicateRequestMarker)
}
