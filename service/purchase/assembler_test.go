package purchase

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/hydraico/service/sale"
	"github.com/brojonat/hydraico/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCheckpoint = solana.Checkpoint{Blockhash: solanago.Hash{7}, LastValidBlockHeight: 500}

func testResolution(t *testing.T, payer, treasury solanago.PublicKey, payerExists, treasuryExists bool) *Resolution {
	t.Helper()
	return &Resolution{
		Payer:    HoldingAccount{Owner: payer, Mint: testMint, Address: ata(t, payer), Exists: payerExists},
		Treasury: HoldingAccount{Owner: treasury, Mint: testMint, Address: ata(t, treasury), Exists: treasuryExists},
	}
}

func testQuote(t *testing.T, amount string) sale.Quote {
	t.Helper()
	q, err := sale.NewQuote(decimal.RequireFromString(amount), decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.NoError(t, err)
	return q
}

func TestAssemble_InstructionOrder(t *testing.T) {
	payer := solanago.NewWallet().PublicKey()
	treasury := solanago.NewWallet().PublicKey()

	tests := []struct {
		name           string
		payerExists    bool
		treasuryExists bool
		wantCreates    []solanago.PublicKey
	}{
		{name: "both exist", payerExists: true, treasuryExists: true},
		{name: "payer missing", treasuryExists: true, wantCreates: []solanago.PublicKey{ata(t, payer)}},
		{name: "treasury missing", payerExists: true, wantCreates: []solanago.PublicKey{ata(t, treasury)}},
		{name: "both missing", wantCreates: []solanago.PublicKey{ata(t, payer), ata(t, treasury)}},
	}

	a := NewAssembler(testMint, testDecimals)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := testResolution(t, payer, treasury, tt.payerExists, tt.treasuryExists)
			unsigned, err := a.Assemble(testQuote(t, "25"), res, testCheckpoint, payer)
			require.NoError(t, err)
			assert.Equal(t, len(tt.wantCreates)+1, unsigned.InstructionCount())

			tx, err := unsigned.Transaction()
			require.NoError(t, err)
			summary, err := solana.DescribeTransaction(tx)
			require.NoError(t, err)
			require.Len(t, summary.Instructions, len(tt.wantCreates)+1)

			assert.Equal(t, payer, summary.FeePayer)
			assert.Equal(t, testCheckpoint.Blockhash, summary.Blockhash)
			assert.Zero(t, summary.Signatures)

			for i, want := range tt.wantCreates {
				ix := summary.Instructions[i]
				assert.Equal(t, solanago.SPLAssociatedTokenAccountProgramID, ix.Program)
				assert.Equal(t, solana.KindCreateAccountIdempotent, ix.Kind)
				require.Len(t, ix.Accounts, 6)
				assert.Equal(t, payer, ix.Accounts[0], "payer funds account creation")
				assert.Equal(t, want, ix.Accounts[1])
				assert.Equal(t, testMint, ix.Accounts[3])
			}

			transfer := summary.Instructions[len(summary.Instructions)-1]
			assert.Equal(t, solanago.TokenProgramID, transfer.Program)
			assert.Equal(t, solana.KindTransferChecked, transfer.Kind)
			assert.Equal(t, uint64(25_000_000), transfer.Amount)
			assert.Equal(t, uint8(testDecimals), transfer.Decimals)
			require.Len(t, transfer.Accounts, 4)
			assert.Equal(t, ata(t, payer), transfer.Accounts[0])
			assert.Equal(t, testMint, transfer.Accounts[1])
			assert.Equal(t, ata(t, treasury), transfer.Accounts[2])
			assert.Equal(t, payer, transfer.Accounts[3])
		})
	}
}

func TestAssemble_SelfPurchaseCreatesOnce(t *testing.T) {
	payer := solanago.NewWallet().PublicKey()
	res := testResolution(t, payer, payer, false, false)

	unsigned, err := NewAssembler(testMint, testDecimals).Assemble(testQuote(t, "10"), res, testCheckpoint, payer)
	require.NoError(t, err)
	assert.Equal(t, 2, unsigned.InstructionCount())
}

func TestAssemble_Errors(t *testing.T) {
	payer := solanago.NewWallet().PublicKey()
	treasury := solanago.NewWallet().PublicKey()
	otherMint := solanago.NewWallet().PublicKey()
	a := NewAssembler(testMint, testDecimals)

	tests := []struct {
		name       string
		quote      sale.Quote
		res        *Resolution
		checkpoint solana.Checkpoint
		feePayer   solanago.PublicKey
	}{
		{
			name:       "nil resolution",
			quote:      testQuote(t, "10"),
			checkpoint: testCheckpoint,
			feePayer:   payer,
		},
		{
			name:     "missing blockhash",
			quote:    testQuote(t, "10"),
			res:      testResolution(t, payer, treasury, true, true),
			feePayer: payer,
		},
		{
			name:       "missing fee payer",
			quote:      testQuote(t, "10"),
			res:        testResolution(t, payer, treasury, true, true),
			checkpoint: testCheckpoint,
		},
		{
			name:  "wrong mint",
			quote: testQuote(t, "10"),
			res: &Resolution{
				Payer:    HoldingAccount{Owner: payer, Mint: otherMint},
				Treasury: HoldingAccount{Owner: treasury, Mint: otherMint},
			},
			checkpoint: testCheckpoint,
			feePayer:   payer,
		},
		{
			name:       "amount overflows base units",
			quote:      testQuote(t, "100000000000000000000"),
			res:        testResolution(t, payer, treasury, true, true),
			checkpoint: testCheckpoint,
			feePayer:   payer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Assemble(tt.quote, tt.res, tt.checkpoint, tt.feePayer)
			require.Error(t, err)
			reason, ok := ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, ReasonAssemblyError, reason)
		})
	}
}

func TestUnsignedTransaction_CopiesAreIndependent(t *testing.T) {
	payer := solanago.NewWallet().PublicKey()
	treasury := solanago.NewWallet().PublicKey()
	unsigned, err := NewAssembler(testMint, testDecimals).Assemble(
		testQuote(t, "10"), testResolution(t, payer, treasury, true, true), testCheckpoint, payer)
	require.NoError(t, err)

	first, err := unsigned.Transaction()
	require.NoError(t, err)
	first.Message.RecentBlockhash = solanago.Hash{0xaa}

	second, err := unsigned.Transaction()
	require.NoError(t, err)
	assert.Equal(t, testCheckpoint.Blockhash, second.Message.RecentBlockhash)

	msg := unsigned.Message()
	msg[0] ^= 0xff
	assert.NotEqual(t, msg, unsigned.Message())
}

func TestUnsignedTransaction_Verify(t *testing.T) {
	wallet := solanago.NewWallet()
	other := solanago.NewWallet()
	treasury := solanago.NewWallet().PublicKey()
	unsigned, err := NewAssembler(testMint, testDecimals).Assemble(
		testQuote(t, "10"), testResolution(t, wallet.PublicKey(), treasury, true, true), testCheckpoint, wallet.PublicKey())
	require.NoError(t, err)

	signWith := func(w *solanago.Wallet) *solanago.Transaction {
		tx, err := unsigned.Transaction()
		require.NoError(t, err)
		_, err = tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
			if key.Equals(wallet.PublicKey()) {
				return &w.PrivateKey
			}
			return nil
		})
		require.NoError(t, err)
		return tx
	}

	assert.NoError(t, unsigned.Verify(signWith(wallet)))
	assert.ErrorIs(t, unsigned.Verify(signWith(other)), ErrSignatureMismatch)
	assert.ErrorIs(t, unsigned.Verify(nil), ErrSignatureMismatch)

	tx, err := unsigned.Transaction()
	require.NoError(t, err)
	assert.ErrorIs(t, unsigned.Verify(tx), ErrSignatureMismatch, "unsigned transaction")
}

func TestResolver(t *testing.T) {
	payer := solanago.NewWallet().PublicKey()
	treasury := solanago.NewWallet().PublicKey()

	t.Run("existence follows ledger", func(t *testing.T) {
		ledger := newFakeLedger(ata(t, treasury))
		r := NewResolver(ledger, nil)

		res, err := r.Resolve(context.Background(), payer, treasury, testMint)
		require.NoError(t, err)
		assert.Equal(t, ata(t, payer), res.Payer.Address)
		assert.False(t, res.PayerAccountExists())
		assert.Equal(t, ata(t, treasury), res.Treasury.Address)
		assert.True(t, res.TreasuryAccountExists())
		assert.Equal(t, 2, ledger.getAccountCalls)

		again, err := r.Resolve(context.Background(), payer, treasury, testMint)
		require.NoError(t, err)
		assert.Equal(t, res, again)
		assert.Equal(t, 4, ledger.getAccountCalls)

		ledger.existing[ata(t, payer)] = true
		res, err = r.Resolve(context.Background(), payer, treasury, testMint)
		require.NoError(t, err)
		assert.True(t, res.PayerAccountExists())
	})

	t.Run("lookup failure is not absence", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.accountErr = errors.New("rpc timeout")

		_, err := NewResolver(ledger, nil).Resolve(context.Background(), payer, treasury, testMint)
		require.Error(t, err)
		reason, ok := ReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, ReasonLedgerUnavailable, reason)
		assert.NotErrorIs(t, err, solana.ErrAccountNotFound)
	})
}
