package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/hydraico/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// DefaultPollInterval is how often ConfirmTransaction polls signature status.
const DefaultPollInterval = 2 * time.Second

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Client is the purchase flow's view of the ledger: account lookup,
// blockhash, broadcast and confirmation. RPC failures come back as the
// structured errors in errors.go.
type Client struct {
	rpc          RPCClient
	logger       *slog.Logger
	metrics      *metrics.Metrics
	endpoint     string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	commitment   rpc.CommitmentType
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithCommitment sets the commitment used for reads, preflight and
// confirmation. The default is confirmed.
func WithCommitment(c rpc.CommitmentType) Option {
	return func(cl *Client) { cl.commitment = c }
}

// WithPollInterval sets the signature status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) { cl.pollInterval = d }
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c := &Client{
		rpc:          rpcClient,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commitment returns the commitment level the client confirms at.
func (c *Client) Commitment() rpc.CommitmentType {
	return c.commitment
}

// GetAccount fetches an account. A missing account is ErrAccountNotFound;
// any other failure is returned wrapped and must not be read as absence.
func (c *Client) GetAccount(ctx context.Context, address solana.PublicKey) (*AccountInfo, error) {
	start := time.Now()
	out, err := c.rpc.GetAccountInfo(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Value == nil)) {
		c.metrics.RecordRPCCall("getAccountInfo", "not_found", c.endpoint, time.Since(start).Seconds())
		return nil, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
	}
	c.recordCall(ctx, "getAccountInfo", start, err)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}

	return &AccountInfo{
		Address:  address,
		Owner:    out.Value.Owner,
		Lamports: out.Value.Lamports,
	}, nil
}

// GetRecentCheckpoint fetches the latest blockhash.
func (c *Client) GetRecentCheckpoint(ctx context.Context) (Checkpoint, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	c.recordCall(ctx, "getLatestBlockhash", start, err)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return Checkpoint{}, errors.New("get latest blockhash: empty response")
	}
	return Checkpoint{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// SendTransaction broadcasts a signed transaction once, with preflight
// simulation at the client's commitment. Failures are *BroadcastError.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendTransaction(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	c.recordCall(ctx, "sendTransaction", start, err)
	if err != nil {
		return solana.Signature{}, classifySendError(err)
	}
	return sig, nil
}

// ConfirmTransaction polls until sig reaches the client's commitment.
// It returns *ExecutionError when the transaction failed on-chain,
// ErrBlockhashExpired once the chain passes checkpoint.LastValidBlockHeight
// without seeing the signature, and ctx.Err() when ctx ends first. Poll
// errors are logged and retried on the next tick.
func (c *Client) ConfirmTransaction(ctx context.Context, sig solana.Signature, checkpoint Checkpoint) (*Confirmation, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		conf, err := c.pollOnce(ctx, sig, checkpoint)
		if conf != nil || err != nil {
			return conf, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirm %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// pollOnce returns (nil, nil) while the outcome is still unknown.
func (c *Client) pollOnce(ctx context.Context, sig solana.Signature, checkpoint Checkpoint) (*Confirmation, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
	c.recordCall(ctx, "getSignatureStatuses", start, err)
	if err != nil {
		c.logger.WarnContext(ctx, "signature status poll failed",
			"signature", sig.String(),
			"error", err,
		)
		c.metrics.RecordConfirmationPoll("error")
		return nil, nil
	}

	var status *rpc.SignatureStatusesResult
	if out != nil && len(out.Value) > 0 {
		status = out.Value[0]
	}

	if status == nil {
		c.metrics.RecordConfirmationPoll("unknown")
		return nil, c.checkExpiry(ctx, checkpoint)
	}

	if status.Err != nil {
		c.metrics.RecordConfirmationPoll("failed")
		return nil, NewExecutionError(sig, status.Slot, status.Err)
	}

	c.metrics.RecordConfirmationPoll(string(status.ConfirmationStatus))
	if !reached(status.ConfirmationStatus, c.commitment) {
		c.logger.DebugContext(ctx, "transaction not yet at commitment",
			"signature", sig.String(),
			"status", status.ConfirmationStatus,
			"want", c.commitment,
		)
		return nil, nil
	}

	return &Confirmation{
		Signature:     sig,
		Slot:          status.Slot,
		Status:        status.ConfirmationStatus,
		Confirmations: status.Confirmations,
	}, nil
}

func (c *Client) checkExpiry(ctx context.Context, checkpoint Checkpoint) error {
	if checkpoint.LastValidBlockHeight == 0 {
		return nil
	}
	start := time.Now()
	height, err := c.rpc.GetBlockHeight(ctx, c.commitment)
	c.recordCall(ctx, "getBlockHeight", start, err)
	if err != nil {
		return nil
	}
	if height > checkpoint.LastValidBlockHeight {
		return fmt.Errorf("%w: block height %d > %d", ErrBlockhashExpired, height, checkpoint.LastValidBlockHeight)
	}
	return nil
}

func (c *Client) recordCall(ctx context.Context, method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "rpc call failed", "method", method, "error", err)
		if isRateLimited(err) {
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}
