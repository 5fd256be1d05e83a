package purchase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/hydraico/service/metrics"
	"github.com/brojonat/hydraico/service/sale"
	"github.com/brojonat/hydraico/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Defaults for Config.
const (
	DefaultBroadcastRetries    = 3
	DefaultRetryBackoff        = time.Second
	DefaultConfirmationTimeout = 90 * time.Second
)

// NoBroadcastRetries in Config.BroadcastRetries sends the transaction once.
const NoBroadcastRetries = -1

// Signer is the buyer's wallet.
type Signer interface {
	Connected() bool
	Address() (solanago.PublicKey, bool)
	// Sign returns tx signed by the wallet, or an error wrapping
	// ErrUserRejected when the user declines.
	Sign(ctx context.Context, tx *solanago.Transaction) (*solanago.Transaction, error)
}

// Ledger is the on-chain side of a purchase. *solana.Client implements it.
type Ledger interface {
	AccountReader
	GetRecentCheckpoint(ctx context.Context) (solana.Checkpoint, error)
	SendTransaction(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solanago.Signature, checkpoint solana.Checkpoint) (*solana.Confirmation, error)
}

// Config holds the sale parameters a pipeline submits against.
type Config struct {
	Calculator *sale.Calculator
	Treasury   solanago.PublicKey
	Mint       solanago.PublicKey
	Decimals   uint8

	// BroadcastRetries bounds retries of transient broadcast failures.
	// Zero selects DefaultBroadcastRetries; NoBroadcastRetries (or any
	// negative value) disables retries.
	BroadcastRetries int
	// RetryBackoff is the first retry delay, doubled per retry.
	RetryBackoff time.Duration
	// ConfirmationTimeout bounds the wait for confirmation.
	ConfirmationTimeout time.Duration
}

func (c Config) validate() error {
	var errs []error
	if c.Calculator == nil {
		errs = append(errs, errors.New("calculator is required"))
	}
	if c.Treasury.IsZero() {
		errs = append(errs, errors.New("treasury address is required"))
	}
	if c.Mint.IsZero() {
		errs = append(errs, errors.New("payment mint is required"))
	}
	return errors.Join(errs...)
}

// Result is the outcome of one Submit call.
type Result struct {
	AttemptID string
	Status    Status
	// Failure is set iff Status is StatusFailed.
	Failure   *Error
	Quote     *sale.Quote
	BaseUnits uint64
	// Signature is set once the transaction reaches Broadcasting.
	Signature   solanago.Signature
	Record      *Record
	Warnings    []*Error
	Transitions []Transition
}

// Succeeded reports whether the on-chain transfer was confirmed.
func (r *Result) Succeeded() bool { return r.Status == StatusSucceeded }

// Err returns the failure, or nil.
func (r *Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// HasWarning reports whether a warning with reason was raised.
func (r *Result) HasWarning(reason Reason) bool {
	for _, w := range r.Warnings {
		if w.Reason == reason {
			return true
		}
	}
	return false
}

// Pipeline runs purchase attempts. It holds only read-only configuration,
// so one Pipeline can serve independent attempts concurrently.
type Pipeline struct {
	cfg        Config
	ledger     Ledger
	recorder   Recorder
	reconciler Reconciler
	resolver   *Resolver
	assembler  *Assembler
	listeners  []Listener
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sleep      func(time.Duration)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithListener adds a transition listener.
func WithListener(l Listener) Option {
	return func(p *Pipeline) { p.listeners = append(p.listeners, l) }
}

// WithReconciler hands recording failures to r.
func WithReconciler(r Reconciler) Option {
	return func(p *Pipeline) { p.reconciler = r }
}

// WithMetrics records pipeline metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config, ledger Ledger, recorder Recorder, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.BroadcastRetries == 0 {
		cfg.BroadcastRetries = DefaultBroadcastRetries
	} else if cfg.BroadcastRetries < 0 {
		cfg.BroadcastRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}

	p := &Pipeline{
		cfg:       cfg,
		ledger:    ledger,
		recorder:  recorder,
		resolver:  NewResolver(ledger, logger),
		assembler: NewAssembler(cfg.Mint, cfg.Decimals),
		logger:    logger,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Submit runs one purchase attempt for amount, paid from signer's wallet.
// ctx cancellation is honored only until the signed transaction is handed
// to the network; after that the attempt runs to a terminal status.
func (p *Pipeline) Submit(ctx context.Context, signer Signer, amount decimal.Decimal) *Result {
	return p.run(ctx, signer, func() (decimal.Decimal, error) { return amount, nil })
}

// SubmitText is Submit for user-entered text; parse failures are reported
// as ReasonInvalidAmount.
func (p *Pipeline) SubmitText(ctx context.Context, signer Signer, amount string) *Result {
	return p.run(ctx, signer, func() (decimal.Decimal, error) { return sale.ParseAmount(amount) })
}

// Prepare quotes, resolves and assembles a purchase without signing or
// sending it.
func (p *Pipeline) Prepare(ctx context.Context, payer solanago.PublicKey, amount decimal.Decimal) (*sale.Quote, *Resolution, *UnsignedTransaction, error) {
	quote, err := p.cfg.Calculator.Quote(amount)
	if err != nil {
		return nil, nil, nil, newError(ReasonInvalidAmount, err)
	}
	res, err := p.resolver.Resolve(ctx, payer, p.cfg.Treasury, p.cfg.Mint)
	if err != nil {
		return &quote, nil, nil, err
	}
	checkpoint, err := p.ledger.GetRecentCheckpoint(ctx)
	if err != nil {
		return &quote, res, nil, newError(ReasonLedgerUnavailable, err)
	}
	unsigned, err := p.assembler.Assemble(quote, res, checkpoint, payer)
	if err != nil {
		return &quote, res, nil, err
	}
	return &quote, res, unsigned, nil
}

func (p *Pipeline) run(ctx context.Context, signer Signer, amount func() (decimal.Decimal, error)) *Result {
	a := &attempt{
		p:   p,
		ctx: context.WithoutCancel(ctx),
		res: &Result{AttemptID: uuid.NewString()},
	}
	a.logger = p.logger.With("attempt_id", a.res.AttemptID)

	var payer solanago.PublicKey
	connected := signer != nil && signer.Connected()
	if connected {
		var ok bool
		payer, ok = signer.Address()
		connected = ok && !payer.IsZero()
	}
	if connected {
		a.payer = payer
		a.logger = a.logger.With("payer", payer.String())
	}
	a.emit(StatusIdle)

	if !connected {
		return a.fail(ReasonWalletNotConnected, ErrWalletNotConnected)
	}

	// ValidatingInput
	a.emit(StatusValidatingInput)
	paymentAmount, err := amount()
	if err != nil {
		return a.fail(ReasonInvalidAmount, err)
	}
	quote, err := p.cfg.Calculator.Quote(paymentAmount)
	if err != nil {
		return a.fail(ReasonInvalidAmount, err)
	}
	a.res.Quote = &quote
	p.metrics.RecordTokensQuoted(quote.TokenAmount.InexactFloat64())

	// ResolvingAccounts, then assembly against a fresh checkpoint
	a.emit(StatusResolvingAccounts)
	resolution, err := p.resolver.Resolve(ctx, payer, p.cfg.Treasury, p.cfg.Mint)
	if err != nil {
		return a.failErr(err, ReasonLedgerUnavailable)
	}
	checkpoint, err := p.ledger.GetRecentCheckpoint(ctx)
	if err != nil {
		return a.fail(ReasonLedgerUnavailable, fmt.Errorf("fetch recent blockhash: %w", err))
	}
	unsigned, err := p.assembler.Assemble(quote, resolution, checkpoint, payer)
	if err != nil {
		return a.failErr(err, ReasonAssemblyError)
	}
	a.res.BaseUnits = unsigned.BaseUnits()
	a.logger.InfoContext(a.ctx, "purchase transaction assembled",
		"payment_amount", quote.PaymentAmount.String(),
		"base_units", unsigned.BaseUnits(),
		"instructions", unsigned.InstructionCount(),
		"payer_account_exists", resolution.PayerAccountExists(),
		"treasury_account_exists", resolution.TreasuryAccountExists(),
	)

	// AwaitingSignature
	a.emit(StatusAwaitingSignature)
	signed, failure := a.sign(ctx, signer, unsigned)
	if failure != nil {
		return a.finish(failure)
	}

	// Broadcasting: no longer cancellable
	if len(signed.Signatures) > 0 {
		a.res.Signature = signed.Signatures[0]
	}
	a.emit(StatusBroadcasting)
	sig, failure := a.broadcast(signed)
	if failure != nil {
		return a.finish(failure)
	}
	a.res.Signature = sig

	// Confirming
	a.emit(StatusConfirming)
	if failure := a.confirm(sig, unsigned.Checkpoint()); failure != nil {
		return a.finish(failure)
	}

	// Recording
	a.emit(StatusRecording)
	record := Record{
		PayerAddress:         payer.String(),
		TransactionSignature: sig.String(),
		PaymentCurrency:      quote.Currency,
		AmountPaid:           quote.PaymentAmount,
		TokensReceived:       quote.TokenAmount,
		ExchangeRate:         quote.TokenRate,
	}
	a.res.Record = &record
	a.record(record)

	a.emit(StatusSucceeded)
	p.metrics.RecordPurchase(StatusSucceeded.String(), "")
	a.logger.InfoContext(a.ctx, "purchase succeeded",
		"signature", sig.String(),
		"tokens", quote.TokenAmount.String(),
		"warnings", len(a.res.Warnings),
	)
	return a.res
}

// attempt is the mutable state of one run.
type attempt struct {
	p          *Pipeline
	ctx        context.Context // detached from the caller's cancellation
	res        *Result
	payer      solanago.PublicKey
	logger     *slog.Logger
	stageStart time.Time
}

func (a *attempt) emit(s Status) {
	now := time.Now()
	if len(a.res.Transitions) > 0 {
		prev := a.res.Transitions[len(a.res.Transitions)-1].Status
		a.p.metrics.RecordStageDuration(prev.String(), now.Sub(a.stageStart).Seconds())
	}
	a.stageStart = now
	a.res.Status = s

	t := Transition{
		AttemptID: a.res.AttemptID,
		Status:    s,
		At:        now.UTC(),
	}
	if !a.payer.IsZero() {
		t.Payer = a.payer.String()
	}
	if a.res.Signature != (solanago.Signature{}) {
		t.Signature = a.res.Signature.String()
	}
	if s == StatusFailed && a.res.Failure != nil {
		t.Reason = a.res.Failure.Reason
		t.Message = UserMessage(a.res.Failure)
	}
	for _, w := range a.res.Warnings {
		t.Warnings = append(t.Warnings, w.Reason)
	}
	a.res.Transitions = append(a.res.Transitions, t)

	a.logger.DebugContext(a.ctx, "purchase status", "status", s.String())
	for _, l := range a.p.listeners {
		l.OnTransition(a.ctx, t)
	}
}

func (a *attempt) fail(reason Reason, err error) *Result {
	return a.finish(newError(reason, err))
}

// failErr keeps the reason of an *Error from a component, or classifies err
// under fallback.
func (a *attempt) failErr(err error, fallback Reason) *Result {
	var pe *Error
	if errors.As(err, &pe) {
		return a.finish(pe)
	}
	return a.fail(fallback, err)
}

func (a *attempt) finish(failure *Error) *Result {
	a.res.Failure = failure
	a.emit(StatusFailed)
	a.p.metrics.RecordPurchase(StatusFailed.String(), string(failure.Reason))
	a.logger.WarnContext(a.ctx, "purchase failed",
		"reason", string(failure.Reason),
		"error", failure.Err,
	)
	return a.res
}

// sign hands the signer a copy of the transaction and checks what comes back.
func (a *attempt) sign(ctx context.Context, signer Signer, unsigned *UnsignedTransaction) (*solanago.Transaction, *Error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(ReasonUserRejected, err)
	}
	tx, err := unsigned.Transaction()
	if err != nil {
		return nil, newError(ReasonAssemblyError, err)
	}

	signed, err := signer.Sign(ctx, tx)
	switch {
	case errors.Is(err, ErrUserRejected), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, newError(ReasonUserRejected, err)
	case err != nil && ctx.Err() != nil:
		return nil, newError(ReasonUserRejected, fmt.Errorf("%w: %w", ctx.Err(), err))
	case err != nil:
		return nil, newError(ReasonAssemblyError, fmt.Errorf("sign transaction: %w", err))
	}

	if err := unsigned.Verify(signed); err != nil {
		return nil, newError(ReasonAssemblyError, err)
	}
	return signed, nil
}

// broadcast sends the signed transaction, retrying transient failures with
// exponential backoff. Semantic rejections are not retried.
func (a *attempt) broadcast(signed *solanago.Transaction) (solanago.Signature, *Error) {
	retries := a.p.cfg.BroadcastRetries
	var lastErr error
	var lastReason string
	for try := 0; try <= retries; try++ {
		if try > 0 {
			backoff := a.p.cfg.RetryBackoff << uint(try-1)
			a.logger.WarnContext(a.ctx, "broadcast failed, retrying",
				"attempt", try,
				"backoff", backoff.String(),
				"reason", lastReason,
				"error", lastErr,
			)
			a.p.metrics.RecordBroadcastRetry()
			a.p.metrics.RecordRPCRetry("sendTransaction", lastReason)
			a.p.sleep(backoff)
		}

		sig, err := a.p.ledger.SendTransaction(a.ctx, signed)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		lastReason = solana.RetryReasonTransport

		var be *solana.BroadcastError
		if errors.As(err, &be) {
			if !be.Transient {
				return solanago.Signature{}, newError(ReasonOnChainRejected, err)
			}
			if be.Reason != "" {
				lastReason = be.Reason
			}
		}
	}
	return solanago.Signature{}, newError(ReasonBroadcastFailed, fmt.Errorf("after %d retries: %w", retries, lastErr))
}

func (a *attempt) confirm(sig solanago.Signature, checkpoint solana.Checkpoint) *Error {
	ctx, cancel := context.WithTimeout(a.ctx, a.p.cfg.ConfirmationTimeout)
	defer cancel()

	conf, err := a.p.ledger.ConfirmTransaction(ctx, sig, checkpoint)
	var execErr *solana.ExecutionError
	switch {
	case err == nil:
		a.logger.InfoContext(a.ctx, "purchase confirmed",
			"signature", sig.String(),
			"slot", conf.Slot,
			"status", string(conf.Status),
		)
		return nil
	case errors.As(err, &execErr):
		return newError(ReasonOnChainRejected, err)
	default:
		return newError(ReasonConfirmationTimeout, err)
	}
}

// record posts the record once. Failure is a warning: the transfer is
// confirmed and stands.
func (a *attempt) record(rec Record) {
	_, err := a.p.recorder.CreateTransaction(a.ctx, rec.Request())
	if err == nil {
		return
	}

	warning := newError(ReasonRecordingFailed, err)
	a.res.Warnings = append(a.res.Warnings, warning)
	a.p.metrics.RecordRecordingFailure()
	a.logger.ErrorContext(a.ctx, "failed to record confirmed purchase",
		"signature", rec.TransactionSignature,
		"error", err,
	)

	if a.p.reconciler == nil {
		return
	}
	if err := a.p.reconciler.Reconcile(a.ctx, rec, err); err != nil {
		a.logger.ErrorContext(a.ctx, "failed to schedule reconciliation",
			"signature", rec.TransactionSignature,
			"error", err,
		)
	}
}
