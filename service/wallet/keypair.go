// Package wallet provides purchase.Signer implementations.
package wallet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/brojonat/hydraico/service/purchase"
	"github.com/brojonat/hydraico/service/sale"
	"github.com/brojonat/hydraico/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// Approver decides whether a decoded transaction may be signed.
type Approver func(ctx context.Context, summary *solana.TransactionSummary) (bool, error)

// AutoApprove approves every transaction.
func AutoApprove(context.Context, *solana.TransactionSummary) (bool, error) { return true, nil }

// PromptApprover prints the transaction to out and reads a y/N answer from in.
func PromptApprover(in io.Reader, out io.Writer) Approver {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, summary *solana.TransactionSummary) (bool, error) {
		fmt.Fprintf(out, "Fee payer: %s\n", summary.FeePayer)
		for i, ix := range summary.Instructions {
			switch {
			case (ix.Kind == solana.KindTransferChecked || ix.Kind == solana.KindTransfer) && len(ix.Accounts) >= 3:
				fmt.Fprintf(out, "  %d. %s %d base units %s -> %s\n", i+1, ix.Kind, ix.Amount,
					sale.FormatAddress(ix.Accounts[0].String()), sale.FormatAddress(ix.Accounts[len(ix.Accounts)-2].String()))
			case (ix.Kind == solana.KindCreateAccount || ix.Kind == solana.KindCreateAccountIdempotent) && len(ix.Accounts) >= 2:
				fmt.Fprintf(out, "  %d. %s %s\n", i+1, ix.Kind, sale.FormatAddress(ix.Accounts[1].String()))
			default:
				fmt.Fprintf(out, "  %d. %s (%s)\n", i+1, ix.Kind, ix.Program)
			}
		}
		fmt.Fprint(out, "Sign and send? [y/N] ")

		answer := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			answer <- strings.ToLower(strings.TrimSpace(line))
		}()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case a := <-answer:
			return a == "y" || a == "yes", nil
		}
	}
}

// KeypairSigner signs with a local private key after asking its Approver.
type KeypairSigner struct {
	key     solanago.PrivateKey
	approve Approver
}

// NewKeypairSigner creates a signer for key. A nil approve rejects everything.
func NewKeypairSigner(key solanago.PrivateKey, approve Approver) *KeypairSigner {
	return &KeypairSigner{key: key, approve: approve}
}

// LoadKeypairSigner reads a solana-keygen JSON keypair file.
func LoadKeypairSigner(path string, approve Approver) (*KeypairSigner, error) {
	key, err := solanago.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", path, err)
	}
	return NewKeypairSigner(key, approve), nil
}

func (s *KeypairSigner) Connected() bool { return len(s.key) > 0 }

func (s *KeypairSigner) Address() (solanago.PublicKey, bool) {
	if !s.Connected() {
		return solanago.PublicKey{}, false
	}
	return s.key.PublicKey(), true
}

// Sign shows the transaction to the approver and signs it in place.
func (s *KeypairSigner) Sign(ctx context.Context, tx *solanago.Transaction) (*solanago.Transaction, error) {
	if !s.Connected() {
		return nil, purchase.ErrWalletNotConnected
	}
	if s.approve == nil {
		return nil, purchase.ErrUserRejected
	}

	summary, err := solana.DescribeTransaction(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	ok, err := s.approve(ctx, summary)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", purchase.ErrUserRejected, err)
		}
		return nil, fmt.Errorf("approval failed: %w", err)
	}
	if !ok {
		return nil, purchase.ErrUserRejected
	}

	pub := s.key.PublicKey()
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(pub) {
			return &s.key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}
