package purchase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/brojonat/hydraico/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// AccountReader looks up on-chain accounts.
type AccountReader interface {
	GetAccount(ctx context.Context, address solanago.PublicKey) (*solana.AccountInfo, error)
}

// HoldingAccount is the associated token account of Owner for Mint.
type HoldingAccount struct {
	Owner   solanago.PublicKey `json:"owner"`
	Mint    solanago.PublicKey `json:"mint"`
	Address solanago.PublicKey `json:"address"`
	Exists  bool               `json:"exists"`
}

// Resolution is the pair of holding accounts a purchase moves funds between.
type Resolution struct {
	Payer    HoldingAccount `json:"payer"`
	Treasury HoldingAccount `json:"treasury"`
}

// PayerAccountExists reports whether the payer's token account is on-chain.
func (r *Resolution) PayerAccountExists() bool { return r.Payer.Exists }

// TreasuryAccountExists reports whether the treasury's token account is on-chain.
func (r *Resolution) TreasuryAccountExists() bool { return r.Treasury.Exists }

// Resolver derives holding accounts and checks them against live ledger
// state. It keeps no state between calls.
type Resolver struct {
	ledger AccountReader
	logger *slog.Logger
}

// NewResolver creates a resolver reading from ledger.
func NewResolver(ledger AccountReader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Resolver{ledger: ledger, logger: logger}
}

// Resolve returns the payer and treasury token accounts for mint. An absent
// account is reported as Exists=false; any other lookup failure fails the
// whole resolution with ReasonLedgerUnavailable.
func (r *Resolver) Resolve(ctx context.Context, payer, treasury, mint solanago.PublicKey) (*Resolution, error) {
	payerAcct, err := r.resolveOne(ctx, payer, mint)
	if err != nil {
		return nil, newError(ReasonLedgerUnavailable, fmt.Errorf("payer token account: %w", err))
	}
	treasuryAcct, err := r.resolveOne(ctx, treasury, mint)
	if err != nil {
		return nil, newError(ReasonLedgerUnavailable, fmt.Errorf("treasury token account: %w", err))
	}

	r.logger.DebugContext(ctx, "resolved holding accounts",
		"payer_account", payerAcct.Address.String(),
		"payer_account_exists", payerAcct.Exists,
		"treasury_account", treasuryAcct.Address.String(),
		"treasury_account_exists", treasuryAcct.Exists,
	)

	return &Resolution{Payer: payerAcct, Treasury: treasuryAcct}, nil
}

func (r *Resolver) resolveOne(ctx context.Context, owner, mint solanago.PublicKey) (HoldingAccount, error) {
	ata, _, err := solanago.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return HoldingAccount{}, fmt.Errorf("derive associated token address for %s: %w", owner, err)
	}

	acct := HoldingAccount{Owner: owner, Mint: mint, Address: ata}
	_, err = r.ledger.GetAccount(ctx, ata)
	switch {
	case err == nil:
		acct.Exists = true
	case errors.Is(err, solana.ErrAccountNotFound):
		acct.Exists = false
	default:
		return HoldingAccount{}, err
	}
	return acct, nil
}
