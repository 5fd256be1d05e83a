// Package purchase turns a payment amount into a signed, broadcast and
// confirmed SPL token transfer to the sale treasury, and records the result
// with the ledger-of-record.
//
// Every attempt walks a fixed sequence of statuses:
//
//	Idle → ValidatingInput → ResolvingAccounts → AwaitingSignature →
//	Broadcasting → Confirming → Recording → Succeeded
//
// and stops at the first failure with Failed(reason). Listeners observe each
// transition synchronously.
package purchase

import (
	"context"
	"fmt"
	"time"
)

// Status is the current phase of a purchase attempt.
type Status int

const (
	StatusIdle Status = iota
	StatusValidatingInput
	StatusResolvingAccounts
	StatusAwaitingSignature
	StatusBroadcasting
	StatusConfirming
	StatusRecording
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusIdle:              "idle",
	StatusValidatingInput:   "validating_input",
	StatusResolvingAccounts: "resolving_accounts",
	StatusAwaitingSignature: "awaiting_signature",
	StatusBroadcasting:      "broadcasting",
	StatusConfirming:        "confirming",
	StatusRecording:         "recording",
	StatusSucceeded:         "succeeded",
	StatusFailed:            "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Reason classifies a failed attempt, or a warning on a successful one.
type Reason string

const (
	ReasonInvalidAmount       Reason = "invalid_amount"
	ReasonWalletNotConnected  Reason = "wallet_not_connected"
	ReasonLedgerUnavailable   Reason = "ledger_unavailable"
	ReasonAssemblyError       Reason = "assembly_error"
	ReasonUserRejected        Reason = "user_rejected"
	ReasonBroadcastFailed     Reason = "broadcast_failed"
	ReasonOnChainRejected     Reason = "on_chain_rejected"
	ReasonConfirmationTimeout Reason = "confirmation_timeout"

	// ReasonRecordingFailed only ever appears as a warning on a Succeeded
	// attempt.
	ReasonRecordingFailed Reason = "recording_failed"
)

// Transition is one status change of an attempt.
type Transition struct {
	AttemptID string    `json:"attempt_id"`
	Payer     string    `json:"payer,omitempty"`
	Status    Status    `json:"status"`
	Reason    Reason    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Warnings  []Reason  `json:"warnings,omitempty"`
	At        time.Time `json:"at"`
}

// Listener observes transitions. Calls happen on the submitting goroutine in
// transition order; a slow listener delays the attempt.
type Listener interface {
	OnTransition(ctx context.Context, t Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, t Transition)

func (f ListenerFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }
