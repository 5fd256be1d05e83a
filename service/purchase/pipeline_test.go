package purchase

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/hydraico/client"
	"github.com/brojonat/hydraico/service/metrics"
	"github.com/brojonat/hydraico/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var happyPath = []Status{
	StatusIdle,
	StatusValidatingInput,
	StatusResolvingAccounts,
	StatusAwaitingSignature,
	StatusBroadcasting,
	StatusConfirming,
	StatusRecording,
	StatusSucceeded,
}

func statuses(ts []Transition) []Status {
	out := make([]Status, len(ts))
	for i, t := range ts {
		out[i] = t.Status
	}
	return out
}

// assertWellFormed checks that transitions follow the happy path and, if the
// attempt failed, end in exactly one Failed right after a non-terminal status.
func assertWellFormed(t *testing.T, ts []Transition) {
	t.Helper()
	require.NotEmpty(t, ts)
	got := statuses(ts)
	last := got[len(got)-1]
	require.True(t, last.Terminal(), "last status %s is not terminal", last)

	prefix := got
	if last == StatusFailed {
		prefix = got[:len(got)-1]
	}
	require.LessOrEqual(t, len(prefix), len(happyPath))
	assert.Equal(t, happyPath[:len(prefix)], prefix)
	for _, s := range prefix[:len(prefix)-1] {
		assert.False(t, s.Terminal())
	}
	for _, tr := range ts {
		assert.Equal(t, ts[0].AttemptID, tr.AttemptID)
	}
}

func TestSubmit_BelowMinimum(t *testing.T) {
	ledger := newFakeLedger()
	f := newFixture(t, ledger, &fakeRecorder{}, nil)

	res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(5))

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, []Status{StatusIdle, StatusValidatingInput, StatusFailed}, statuses(res.Transitions))
	require.NotNil(t, res.Failure)
	assert.Equal(t, ReasonInvalidAmount, res.Failure.Reason)
	assert.Contains(t, UserMessage(res.Err()), "minimum")
	assert.Equal(t, ReasonInvalidAmount, res.Transitions[2].Reason)
	assert.NotEmpty(t, res.Transitions[2].Message)

	assert.Zero(t, ledger.getAccountCalls)
	assert.Zero(t, ledger.checkpointCalls)
	assert.Zero(t, ledger.sendCalls)
}

func TestSubmit_HappyPathBothAccountsExist(t *testing.T) {
	signer := newFakeSigner()
	ledger := newFakeLedger()
	recorder := &fakeRecorder{}
	listener := &recordingListener{}
	f := newFixture(t, ledger, recorder, nil, WithListener(listener))
	ledger.existing[ata(t, signer.wallet.PublicKey())] = true
	ledger.existing[ata(t, f.treasury)] = true

	res := f.pipeline.Submit(context.Background(), signer, decimal.NewFromInt(10))

	require.True(t, res.Succeeded(), "failure: %v", res.Err())
	assert.Equal(t, happyPath, statuses(res.Transitions))
	assertWellFormed(t, res.Transitions)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, uint64(10_000_000), res.BaseUnits)
	assert.True(t, decimal.NewFromInt(1000).Equal(res.Quote.TokenAmount))

	require.Len(t, ledger.sent, 1)
	summary, err := solana.DescribeTransaction(ledger.sent[0])
	require.NoError(t, err)
	require.Len(t, summary.Instructions, 1)
	assert.Equal(t, solana.KindTransferChecked, summary.Instructions[0].Kind)
	assert.Equal(t, uint64(10_000_000), summary.Instructions[0].Amount)

	require.Equal(t, 1, recorder.calls)
	assert.Equal(t, signer.wallet.PublicKey().String(), recorder.last.PublicKey)
	assert.Equal(t, res.Signature.String(), recorder.last.TransactionHash)
	assert.Equal(t, "USDT", recorder.last.PaymentCurrency)
	assert.Equal(t, "10", recorder.last.AmountPaid.String())
	assert.Equal(t, "1000", recorder.last.TokensReceived.String())
	assert.Equal(t, "100", recorder.last.ExchangeRate.String())

	assert.Equal(t, res.Transitions, listener.transitions)
	assert.Equal(t, StatusIdle, listener.transitions[0].Status)
	for _, tr := range listener.transitions {
		assert.Equal(t, signer.wallet.PublicKey().String(), tr.Payer, "status %s", tr.Status)
	}
	for _, tr := range listener.transitions[4:] {
		assert.Equal(t, res.Signature.String(), tr.Signature)
	}
}

func TestSubmit_CreatesMissingAccountsBeforeTransfer(t *testing.T) {
	signer := newFakeSigner()
	ledger := newFakeLedger()
	f := newFixture(t, ledger, &fakeRecorder{}, nil)

	res := f.pipeline.Submit(context.Background(), signer, decimal.RequireFromString("12.5"))
	require.True(t, res.Succeeded(), "failure: %v", res.Err())

	summary, err := solana.DescribeTransaction(ledger.sent[0])
	require.NoError(t, err)
	require.Len(t, summary.Instructions, 3)
	assert.Equal(t, solana.KindCreateAccountIdempotent, summary.Instructions[0].Kind)
	assert.Equal(t, ata(t, signer.wallet.PublicKey()), summary.Instructions[0].Accounts[1])
	assert.Equal(t, solana.KindCreateAccountIdempotent, summary.Instructions[1].Kind)
	assert.Equal(t, ata(t, f.treasury), summary.Instructions[1].Accounts[1])
	assert.Equal(t, solana.KindTransferChecked, summary.Instructions[2].Kind)
	assert.Equal(t, uint64(12_500_000), summary.Instructions[2].Amount)
}

func TestSubmit_RecordingFailureIsWarning(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"database down"}`))
	}))
	defer srv.Close()

	signer := newFakeSigner()
	ledger := newFakeLedger()
	reconciler := &fakeReconciler{}
	api := client.NewClient(srv.URL, srv.Client(), testLogger())
	f := newFixture(t, ledger, api, nil, WithReconciler(reconciler))

	res := f.pipeline.Submit(context.Background(), signer, decimal.NewFromInt(50))

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Nil(t, res.Failure)
	assert.True(t, res.HasWarning(ReasonRecordingFailed))
	assert.Equal(t, happyPath, statuses(res.Transitions))
	assert.Equal(t, []Reason{ReasonRecordingFailed}, res.Transitions[len(res.Transitions)-1].Warnings)
	assert.EqualValues(t, 1, hits.Load(), "recording is attempted exactly once")

	var apiErr *client.APIError
	require.ErrorAs(t, res.Warnings[0], &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	require.Len(t, reconciler.records, 1)
	assert.Equal(t, res.Signature.String(), reconciler.records[0].TransactionSignature)
	assert.True(t, decimal.NewFromInt(5000).Equal(reconciler.records[0].TokensReceived))
}

func TestSubmit_UserRejects(t *testing.T) {
	signer := newFakeSigner()
	signer.reject = true
	ledger := newFakeLedger()
	recorder := &fakeRecorder{}
	f := newFixture(t, ledger, recorder, nil)

	res := f.pipeline.Submit(context.Background(), signer, decimal.NewFromInt(20))

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonUserRejected, res.Failure.Reason)
	assertWellFormed(t, res.Transitions)
	assert.Equal(t, StatusAwaitingSignature, res.Transitions[len(res.Transitions)-2].Status)
	assert.Zero(t, ledger.sendCalls)
	assert.Zero(t, recorder.calls)
	assert.Equal(t, "Transaction was rejected in your wallet.", UserMessage(res.Err()))
}

func TestSubmit_OnChainInsufficientFundsThenRetry(t *testing.T) {
	signer := newFakeSigner()
	ledger := newFakeLedger()
	recorder := &fakeRecorder{}
	f := newFixture(t, ledger, recorder, nil)

	raw := map[string]any{"InstructionError": []any{float64(0), map[string]any{"Custom": float64(1)}}}
	ledger.confirmErr = solana.NewExecutionError(solanago.Signature{}, 9, raw)

	res := f.pipeline.Submit(context.Background(), signer, decimal.NewFromInt(20))

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonOnChainRejected, res.Failure.Reason)
	assertWellFormed(t, res.Transitions)
	assert.True(t, errors.Is(res.Err(), solana.ErrInsufficientFunds))
	assert.Contains(t, UserMessage(res.Err()), "Insufficient balance")
	assert.Zero(t, recorder.calls)
	assert.Equal(t, 2, ledger.getAccountCalls)
	assert.Equal(t, 1, ledger.checkpointCalls)

	// A second attempt re-resolves accounts and cites a new blockhash.
	ledger.confirmErr = nil
	again := f.pipeline.Submit(context.Background(), signer, decimal.NewFromInt(20))

	require.True(t, again.Succeeded(), "failure: %v", again.Err())
	assert.NotEqual(t, res.AttemptID, again.AttemptID)
	assert.Equal(t, 4, ledger.getAccountCalls)
	assert.Equal(t, 2, ledger.checkpointCalls)
	require.Len(t, ledger.sent, 2)
	assert.NotEqual(t, ledger.sent[0].Message.RecentBlockhash, ledger.sent[1].Message.RecentBlockhash)
}

func TestSubmit_WalletNotConnected(t *testing.T) {
	ledger := newFakeLedger()
	f := newFixture(t, ledger, &fakeRecorder{}, nil)

	signer := newFakeSigner()
	signer.disconnected = true

	for name, s := range map[string]Signer{"nil signer": nil, "disconnected": signer} {
		t.Run(name, func(t *testing.T) {
			res := f.pipeline.Submit(context.Background(), s, decimal.NewFromInt(20))
			assert.Equal(t, []Status{StatusIdle, StatusFailed}, statuses(res.Transitions))
			assert.Equal(t, ReasonWalletNotConnected, res.Failure.Reason)
			assert.ErrorIs(t, res.Err(), ErrWalletNotConnected)
		})
	}
	assert.Zero(t, ledger.getAccountCalls)
}

func TestSubmitText(t *testing.T) {
	ledger := newFakeLedger()
	f := newFixture(t, ledger, &fakeRecorder{}, nil)

	tests := []struct {
		name    string
		input   string
		success bool
	}{
		{name: "valid", input: "15.25", success: true},
		{name: "garbage", input: "abc"},
		{name: "empty", input: ""},
		{name: "negative", input: "-20"},
		{name: "zero", input: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.pipeline.SubmitText(context.Background(), newFakeSigner(), tt.input)
			assertWellFormed(t, res.Transitions)
			if tt.success {
				assert.True(t, res.Succeeded(), "failure: %v", res.Err())
				return
			}
			assert.Equal(t, ReasonInvalidAmount, res.Failure.Reason)
			assert.Len(t, res.Transitions, 3)
		})
	}
}

func TestSubmit_LedgerUnavailable(t *testing.T) {
	t.Run("account lookup", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.accountErr = errors.New("connection refused")
		f := newFixture(t, ledger, &fakeRecorder{}, nil)

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		assert.Equal(t, ReasonLedgerUnavailable, res.Failure.Reason)
		assert.Equal(t, StatusResolvingAccounts, res.Transitions[len(res.Transitions)-2].Status)
		assert.Zero(t, ledger.checkpointCalls)
	})

	t.Run("blockhash", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.checkpointErr = errors.New("node unhealthy")
		f := newFixture(t, ledger, &fakeRecorder{}, nil)

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		assert.Equal(t, ReasonLedgerUnavailable, res.Failure.Reason)
		assertWellFormed(t, res.Transitions)
		assert.Zero(t, ledger.sendCalls)
	})
}

func TestSubmit_BroadcastRetries(t *testing.T) {
	t.Run("transient then success", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.sendErrs = []error{errTransport, errTransport}
		f := newFixture(t, ledger, &fakeRecorder{}, nil)

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		require.True(t, res.Succeeded(), "failure: %v", res.Err())
		assert.Equal(t, 3, ledger.sendCalls)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.sleeps)
		assert.Equal(t, happyPath, statuses(res.Transitions))
	})

	t.Run("exhausted", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.sendErrs = []error{errTransport, errTransport, errTransport, errTransport, errTransport}
		f := newFixture(t, ledger, &fakeRecorder{}, func(c *Config) { c.BroadcastRetries = 2 })

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		assert.Equal(t, ReasonBroadcastFailed, res.Failure.Reason)
		assert.Equal(t, 3, ledger.sendCalls)
		assert.Len(t, f.sleeps, 2)
		assert.Equal(t, StatusBroadcasting, res.Transitions[len(res.Transitions)-2].Status)
		assert.Zero(t, ledger.confirmCalls)
	})

	t.Run("retries disabled", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.sendErrs = []error{errTransport, errTransport}
		f := newFixture(t, ledger, &fakeRecorder{}, func(c *Config) { c.BroadcastRetries = NoBroadcastRetries })

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		assert.Equal(t, ReasonBroadcastFailed, res.Failure.Reason)
		assert.Equal(t, 1, ledger.sendCalls)
		assert.Empty(t, f.sleeps)
	})

	t.Run("retries are counted by reason", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		ledger := newFakeLedger()
		ledger.sendErrs = []error{
			errTransport,
			&solana.BroadcastError{Transient: true, Reason: solana.RetryReasonRateLimited, Err: errors.New("429")},
		}
		f := newFixture(t, ledger, &fakeRecorder{}, nil, WithMetrics(metrics.NewMetrics(reg)))

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		require.True(t, res.Succeeded(), "failure: %v", res.Err())

		expected := `
# HELP solana_rpc_retries_total Total number of Solana RPC retry attempts
# TYPE solana_rpc_retries_total counter
solana_rpc_retries_total{method="sendTransaction",reason="rate_limited"} 1
solana_rpc_retries_total{method="sendTransaction",reason="server_error"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "solana_rpc_retries_total"))
	})

	t.Run("preflight rejection is not retried", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.sendErrs = []error{&solana.BroadcastError{
			Err: errors.Join(solana.ErrInsufficientFunds, errors.New("simulation failed")),
		}}
		f := newFixture(t, ledger, &fakeRecorder{}, nil)

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		assert.Equal(t, ReasonOnChainRejected, res.Failure.Reason)
		assert.Equal(t, 1, ledger.sendCalls)
		assert.Empty(t, f.sleeps)
		assert.Contains(t, UserMessage(res.Err()), "Insufficient balance")
	})
}

func TestSubmit_ConfirmationTimeout(t *testing.T) {
	t.Run("deadline", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.confirmBlock = true
		recorder := &fakeRecorder{}
		f := newFixture(t, ledger, recorder, func(c *Config) { c.ConfirmationTimeout = 20 * time.Millisecond })

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		assert.Equal(t, ReasonConfirmationTimeout, res.Failure.Reason)
		assert.Equal(t, StatusConfirming, res.Transitions[len(res.Transitions)-2].Status)
		assert.NotEqual(t, solanago.Signature{}, res.Signature)
		assert.Zero(t, recorder.calls)
	})

	t.Run("blockhash expired", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.confirmErr = solana.ErrBlockhashExpired
		f := newFixture(t, ledger, &fakeRecorder{}, nil)

		res := f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		assert.Equal(t, ReasonConfirmationTimeout, res.Failure.Reason)
		assert.ErrorIs(t, res.Err(), solana.ErrBlockhashExpired)
	})
}

func TestSubmit_SignatureMismatch(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(tx *solanago.Transaction)
	}{
		{
			name:   "corrupted signature",
			tamper: func(tx *solanago.Transaction) { tx.Signatures[0][0] ^= 0xff },
		},
		{
			name:   "message changed",
			tamper: func(tx *solanago.Transaction) { tx.Message.RecentBlockhash = solanago.Hash{0xee} },
		},
		{
			name:   "signatures stripped",
			tamper: func(tx *solanago.Transaction) { tx.Signatures = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger()
			f := newFixture(t, ledger, &fakeRecorder{}, nil)
			signer := newFakeSigner()
			signer.tamper = tt.tamper

			res := f.pipeline.Submit(context.Background(), signer, decimal.NewFromInt(20))
			assert.Equal(t, ReasonAssemblyError, res.Failure.Reason)
			assert.ErrorIs(t, res.Err(), ErrSignatureMismatch)
			assert.Zero(t, ledger.sendCalls)
			assert.Contains(t, UserMessage(res.Err()), "invalid signature")
		})
	}
}

func TestSubmit_SignerError(t *testing.T) {
	ledger := newFakeLedger()
	f := newFixture(t, ledger, &fakeRecorder{}, nil)
	signer := newFakeSigner()
	signer.signErr = errors.New("hardware wallet locked")

	res := f.pipeline.Submit(context.Background(), signer, decimal.NewFromInt(20))
	assert.Equal(t, ReasonAssemblyError, res.Failure.Reason)
	assert.Zero(t, ledger.sendCalls)
}

func TestSubmit_CancelWhileAwaitingSignature(t *testing.T) {
	ledger := newFakeLedger()
	f := newFixture(t, ledger, &fakeRecorder{}, nil)
	signer := newFakeSigner()
	signer.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := f.pipeline.Submit(ctx, signer, decimal.NewFromInt(20))
	assert.Equal(t, ReasonUserRejected, res.Failure.Reason)
	assert.Equal(t, StatusAwaitingSignature, res.Transitions[len(res.Transitions)-2].Status)
	assert.Zero(t, ledger.sendCalls)
}

func TestSubmit_CancelAfterSigningRunsToCompletion(t *testing.T) {
	ledger := newFakeLedger()
	recorder := &fakeRecorder{}
	f := newFixture(t, ledger, recorder, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signer := newFakeSigner()
	signer.afterSign = cancel

	res := f.pipeline.Submit(ctx, signer, decimal.NewFromInt(20))
	require.True(t, res.Succeeded(), "failure: %v", res.Err())
	assert.Equal(t, 1, recorder.calls)
}

func TestSubmit_SignerReceivesUnsignedCopy(t *testing.T) {
	ledger := newFakeLedger()
	f := newFixture(t, ledger, &fakeRecorder{}, nil)
	signer := newFakeSigner()

	res := f.pipeline.Submit(context.Background(), signer, decimal.NewFromInt(20))
	require.True(t, res.Succeeded())
	require.Len(t, signer.received, 1)

	tx := signer.received[0]
	assert.Equal(t, signer.wallet.PublicKey(), tx.Message.AccountKeys[0])
	assert.Equal(t, solanago.Hash{1}, tx.Message.RecentBlockhash)
}

func TestPrepare(t *testing.T) {
	signer := newFakeSigner()
	ledger := newFakeLedger()
	f := newFixture(t, ledger, &fakeRecorder{}, nil)
	ledger.existing[ata(t, f.treasury)] = true

	quote, res, unsigned, err := f.pipeline.Prepare(context.Background(), signer.wallet.PublicKey(), decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1000).Equal(quote.TokenAmount))
	assert.False(t, res.PayerAccountExists())
	assert.True(t, res.TreasuryAccountExists())
	assert.Equal(t, 2, unsigned.InstructionCount())
	assert.Zero(t, ledger.sendCalls)

	_, _, _, err = f.pipeline.Prepare(context.Background(), signer.wallet.PublicKey(), decimal.NewFromInt(1))
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidAmount, reason)
}

func TestNewPipeline_Validation(t *testing.T) {
	_, err := NewPipeline(Config{}, newFakeLedger(), &fakeRecorder{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calculator is required")
	assert.Contains(t, err.Error(), "treasury address is required")
	assert.Contains(t, err.Error(), "payment mint is required")

	f := newFixture(t, newFakeLedger(), &fakeRecorder{}, nil)
	_, err = NewPipeline(f.pipeline.cfg, nil, &fakeRecorder{}, nil)
	assert.Error(t, err)
	_, err = NewPipeline(f.pipeline.cfg, newFakeLedger(), nil, nil)
	assert.Error(t, err)
}

func TestPipeline_ConcurrentAttempts(t *testing.T) {
	ledger := newFakeLedger()
	recorder := &syncRecorder{}
	f := newFixture(t, ledger, recorder, nil)

	const n = 8
	results := make(chan *Result, n)
	for i := 0; i < n; i++ {
		go func() {
			results <- f.pipeline.Submit(context.Background(), newFakeSigner(), decimal.NewFromInt(20))
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		res := <-results
		assert.True(t, res.Succeeded(), "failure: %v", res.Err())
		assertWellFormed(t, res.Transitions)
		assert.False(t, seen[res.AttemptID])
		seen[res.AttemptID] = true
	}
	assert.Equal(t, n, ledger.sendCalls)
	assert.EqualValues(t, n, recorder.calls.Load())
}

type syncRecorder struct {
	calls atomic.Int32
}

func (r *syncRecorder) CreateTransaction(ctx context.Context, req client.CreateTransactionRequest) (*client.Transaction, error) {
	r.calls.Add(1)
	return &client.Transaction{TransactionHash: req.TransactionHash}, nil
}
