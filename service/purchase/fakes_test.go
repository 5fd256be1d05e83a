package purchase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/hydraico/client"
	"github.com/brojonat/hydraico/service/sale"
	"github.com/brojonat/hydraico/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testMint = solanago.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")

const testDecimals = 6

// fakeLedger is a behavior-focused stand-in for the Solana client.
type fakeLedger struct {
	mu sync.Mutex

	existing   map[solanago.PublicKey]bool
	accountErr error

	checkpointErr error
	blockhashSeq  byte

	// sendErrs are returned by successive sends; once exhausted sends succeed.
	sendErrs []error

	confirmErr   error
	confirmBlock bool

	getAccountCalls int
	checkpointCalls int
	sendCalls       int
	confirmCalls    int
	sent            []*solanago.Transaction
}

func newFakeLedger(existing ...solanago.PublicKey) *fakeLedger {
	l := &fakeLedger{existing: map[solanago.PublicKey]bool{}}
	for _, pk := range existing {
		l.existing[pk] = true
	}
	return l
}

func (l *fakeLedger) GetAccount(ctx context.Context, address solanago.PublicKey) (*solana.AccountInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.getAccountCalls++
	if l.accountErr != nil {
		return nil, l.accountErr
	}
	if !l.existing[address] {
		return nil, solana.ErrAccountNotFound
	}
	return &solana.AccountInfo{Address: address, Owner: solanago.TokenProgramID}, nil
}

func (l *fakeLedger) GetRecentCheckpoint(ctx context.Context) (solana.Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpointCalls++
	if l.checkpointErr != nil {
		return solana.Checkpoint{}, l.checkpointErr
	}
	l.blockhashSeq++
	return solana.Checkpoint{Blockhash: solanago.Hash{l.blockhashSeq}, LastValidBlockHeight: 1000}, nil
}

func (l *fakeLedger) SendTransaction(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendCalls++
	l.sent = append(l.sent, tx)
	if len(l.sendErrs) > 0 {
		err := l.sendErrs[0]
		l.sendErrs = l.sendErrs[1:]
		return solanago.Signature{}, err
	}
	return tx.Signatures[0], nil
}

func (l *fakeLedger) ConfirmTransaction(ctx context.Context, sig solanago.Signature, checkpoint solana.Checkpoint) (*solana.Confirmation, error) {
	l.mu.Lock()
	l.confirmCalls++
	block, err := l.confirmBlock, l.confirmErr
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &solana.Confirmation{Signature: sig, Slot: 77, Status: "confirmed"}, nil
}

// fakeSigner signs with an in-memory keypair.
type fakeSigner struct {
	wallet       *solanago.Wallet
	disconnected bool
	reject       bool
	signErr      error
	// block waits for ctx cancellation instead of signing.
	block bool
	// tamper mutates the transaction after signing.
	tamper func(tx *solanago.Transaction)
	// afterSign runs once the transaction is signed.
	afterSign func()

	received []*solanago.Transaction
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{wallet: solanago.NewWallet()}
}

func (s *fakeSigner) Connected() bool { return !s.disconnected }

func (s *fakeSigner) Address() (solanago.PublicKey, bool) {
	if s.disconnected {
		return solanago.PublicKey{}, false
	}
	return s.wallet.PublicKey(), true
}

func (s *fakeSigner) Sign(ctx context.Context, tx *solanago.Transaction) (*solanago.Transaction, error) {
	s.received = append(s.received, tx)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.reject {
		return nil, ErrUserRejected
	}
	if s.signErr != nil {
		return nil, s.signErr
	}
	_, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(s.wallet.PublicKey()) {
			return &s.wallet.PrivateKey
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.tamper != nil {
		s.tamper(tx)
	}
	if s.afterSign != nil {
		s.afterSign()
	}
	return tx, nil
}

type fakeRecorder struct {
	err   error
	calls int
	last  client.CreateTransactionRequest
}

func (r *fakeRecorder) CreateTransaction(ctx context.Context, req client.CreateTransactionRequest) (*client.Transaction, error) {
	r.calls++
	r.last = req
	if r.err != nil {
		return nil, r.err
	}
	return &client.Transaction{ID: int64(r.calls), TransactionHash: req.TransactionHash}, nil
}

type fakeReconciler struct {
	records []Record
	err     error
}

func (r *fakeReconciler) Reconcile(ctx context.Context, record Record, cause error) error {
	r.records = append(r.records, record)
	return r.err
}

type recordingListener struct {
	transitions []Transition
}

func (l *recordingListener) OnTransition(ctx context.Context, t Transition) {
	l.transitions = append(l.transitions, t)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pipelineFixture struct {
	treasury solanago.PublicKey
	ledger   *fakeLedger
	recorder *fakeRecorder
	pipeline *Pipeline
	sleeps   []time.Duration
}

// newFixture builds a pipeline at rate 100 tokens per unit with a minimum
// purchase of 10.
func newFixture(t *testing.T, ledger *fakeLedger, recorder Recorder, cfgFn func(*Config), opts ...Option) *pipelineFixture {
	t.Helper()

	calc, err := sale.NewCalculator(decimal.NewFromInt(100), decimal.NewFromInt(10), "USDT")
	require.NoError(t, err)

	f := &pipelineFixture{
		treasury: solanago.NewWallet().PublicKey(),
		ledger:   ledger,
	}
	if fr, ok := recorder.(*fakeRecorder); ok {
		f.recorder = fr
	}

	cfg := Config{
		Calculator:          calc,
		Treasury:            f.treasury,
		Mint:                testMint,
		Decimals:            testDecimals,
		RetryBackoff:        10 * time.Millisecond,
		ConfirmationTimeout: time.Second,
	}
	if cfgFn != nil {
		cfgFn(&cfg)
	}

	p, err := NewPipeline(cfg, ledger, recorder, testLogger(), opts...)
	require.NoError(t, err)
	p.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	f.pipeline = p
	return f
}

func ata(t *testing.T, owner solanago.PublicKey) solanago.PublicKey {
	t.Helper()
	addr, _, err := solanago.FindAssociatedTokenAddress(owner, testMint)
	require.NoError(t, err)
	return addr
}

var errTransport = &solana.BroadcastError{
	Transient: true,
	Reason:    solana.RetryReasonServerError,
	Err:       errors.New("503 Service Unavailable"),
}
