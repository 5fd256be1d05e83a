package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/hydraico/service/purchase"
)

// AnonymousPayer is the subject token for attempts that never had a wallet
// address.
const AnonymousPayer = "anonymous"

// PurchaseEvent is a purchase status transition published to NATS.
// It is published to the subject "purchases.{payer}" in JetStream.
type PurchaseEvent struct {
	AttemptID string `json:"attempt_id"`
	Payer     string `json:"payer"`

	Status    string   `json:"status"`
	Terminal  bool     `json:"terminal"`
	Reason    string   `json:"reason,omitempty"`
	Message   string   `json:"message,omitempty"`
	Signature string   `json:"signature,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`

	// Timing information
	At          time.Time `json:"at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromTransition converts a pipeline transition to a PurchaseEvent for publishing.
func FromTransition(t purchase.Transition) *PurchaseEvent {
	event := &PurchaseEvent{
		AttemptID:   t.AttemptID,
		Payer:       t.Payer,
		Status:      t.Status.String(),
		Terminal:    t.Status.Terminal(),
		Reason:      string(t.Reason),
		Message:     t.Message,
		Signature:   t.Signature,
		At:          t.At,
		PublishedAt: time.Now().UTC(),
	}
	if event.Payer == "" {
		event.Payer = AnonymousPayer
	}
	for _, w := range t.Warnings {
		event.Warnings = append(event.Warnings, string(w))
	}
	return event
}

// Subject returns the subject the event is published on.
func (e *PurchaseEvent) Subject() string {
	return SubjectFor(e.Payer)
}

// SubjectFor returns the subject for one payer, or the wildcard subject for
// all payers when payer is empty.
func SubjectFor(payer string) string {
	if payer == "" {
		return StreamSubjects
	}
	return fmt.Sprintf("%s.%s", SubjectPrefix, payer)
}

// ValidPayerToken reports whether payer can be used as a single subject token.
func ValidPayerToken(payer string) bool {
	return payer != "" && !strings.ContainsAny(payer, ".*> \t\r\n")
}
