package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/brojonat/hydraico/service/purchase"
	"github.com/brojonat/hydraico/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// LegacyWallet is a wallet adapter that reports failures only as free text,
// like browser wallet bridges do.
type LegacyWallet interface {
	PublicKey() string
	SignTransaction(ctx context.Context, tx *solanago.Transaction) (*solanago.Transaction, error)
}

// LegacySigner adapts a LegacyWallet to purchase.Signer, turning its error
// text into structured errors once, here.
type LegacySigner struct {
	wallet LegacyWallet
}

func NewLegacySigner(w LegacyWallet) *LegacySigner {
	return &LegacySigner{wallet: w}
}

func (s *LegacySigner) Connected() bool {
	_, ok := s.Address()
	return ok
}

func (s *LegacySigner) Address() (solanago.PublicKey, bool) {
	if s.wallet == nil {
		return solanago.PublicKey{}, false
	}
	key := s.wallet.PublicKey()
	if key == "" {
		return solanago.PublicKey{}, false
	}
	pk, err := solanago.PublicKeyFromBase58(key)
	if err != nil {
		return solanago.PublicKey{}, false
	}
	return pk, true
}

func (s *LegacySigner) Sign(ctx context.Context, tx *solanago.Transaction) (*solanago.Transaction, error) {
	if !s.Connected() {
		return nil, purchase.ErrWalletNotConnected
	}
	signed, err := s.wallet.SignTransaction(ctx, tx)
	if err != nil {
		return nil, classifyWalletError(err)
	}
	return signed, nil
}

var rejectionPhrases = []string{
	"user rejected",
	"rejected the request",
	"user denied",
	"declined",
	"cancelled by user",
	"canceled by user",
	"4001",
}

var insufficientPhrases = []string{
	"insufficient funds",
	"insufficient balance",
	"insufficient lamports",
}

func classifyWalletError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, p := range rejectionPhrases {
		if strings.Contains(msg, p) {
			return fmt.Errorf("%w: %w", purchase.ErrUserRejected, err)
		}
	}
	for _, p := range insufficientPhrases {
		if strings.Contains(msg, p) {
			return fmt.Errorf("%w: %w", solana.ErrInsufficientFunds, err)
		}
	}
	return err
}
