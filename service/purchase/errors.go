package purchase

import (
	"errors"
	"fmt"

	"github.com/brojonat/hydraico/service/sale"
	"github.com/brojonat/hydraico/service/solana"
)

var (
	// ErrUserRejected is returned by a Signer when the user declines.
	ErrUserRejected = errors.New("user rejected the request")

	// ErrWalletNotConnected means no signer or no signer address.
	ErrWalletNotConnected = errors.New("wallet not connected")

	// ErrSignatureMismatch means the signer returned a transaction whose
	// message changed or whose required signatures do not verify.
	ErrSignatureMismatch = errors.New("signed transaction does not match the assembled transaction")
)

// Error is a classified purchase failure.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) (Reason, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}

// UserMessage renders err as a message fit to show the buyer. Each reason
// has its own wording, and ledger-reported insufficiency is called out
// whichever step surfaced it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, solana.ErrInsufficientFunds) {
		return "Insufficient balance to complete this purchase."
	}

	reason, _ := ReasonOf(err)
	switch reason {
	case ReasonWalletNotConnected:
		return "Please connect your wallet first."
	case ReasonInvalidAmount:
		if errors.Is(err, sale.ErrBelowMinimum) {
			return "Amount is below the minimum purchase."
		}
		return "Please enter a valid amount."
	case ReasonLedgerUnavailable:
		return "Could not reach the Solana network. Please try again."
	case ReasonAssemblyError:
		if errors.Is(err, ErrSignatureMismatch) {
			return "Your wallet returned an invalid signature. Nothing was sent."
		}
		return "The purchase transaction could not be built."
	case ReasonUserRejected:
		return "Transaction was rejected in your wallet."
	case ReasonBroadcastFailed:
		return "The transaction could not be sent to the network. Please try again."
	case ReasonOnChainRejected:
		return "The transaction was rejected by the network."
	case ReasonConfirmationTimeout:
		return "The transaction was not confirmed in time. Check your wallet history before retrying."
	case ReasonRecordingFailed:
		return "Your tokens were sent, but the purchase is not in your history yet. It will be reconciled shortly."
	}
	return "The purchase failed: " + err.Error()
}
