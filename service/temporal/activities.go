package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/brojonat/hydraico/client"
	"github.com/brojonat/hydraico/service/metrics"
	"github.com/brojonat/hydraico/service/purchase"
	"go.temporal.io/sdk/temporal"
)

// ErrTypeInvalidRecord marks a record the ledger-of-record refuses outright.
// Activities returning it are not retried.
const ErrTypeInvalidRecord = "InvalidRecord"

// RecordPurchaseInput contains the input parameters for recording a purchase.
type RecordPurchaseInput struct {
	Record purchase.Record `json:"record"`
	// Cause is the error of the failed in-line recording attempt.
	Cause string `json:"cause,omitempty"`
}

// RecordPurchaseResult contains the result of the RecordPurchase activity.
type RecordPurchaseResult struct {
	TransactionID   int64 `json:"transaction_id,omitempty"`
	AlreadyRecorded bool  `json:"already_recorded"`
}

// LedgerRecorder defines the ledger-of-record operations needed by activities.
// This allows for easy mocking in tests.
type LedgerRecorder interface {
	CreateTransaction(ctx context.Context, req client.CreateTransactionRequest) (*client.Transaction, error)
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	recorder LedgerRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(recorder LedgerRecorder, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}
}

// RecordPurchase posts a confirmed purchase to the ledger-of-record.
// A 409 Conflict means a previous attempt already recorded it and counts as
// success. A 400 or 422 is permanent; any other failure is retried by
// Temporal.
func (a *Activities) RecordPurchase(ctx context.Context, input RecordPurchaseInput) (*RecordPurchaseResult, error) {
	sig := input.Record.TransactionSignature
	a.logger.DebugContext(ctx, "recording purchase",
		"signature", sig,
		"payer", input.Record.PayerAddress,
		"cause", input.Cause,
	)

	txn, err := a.recorder.CreateTransaction(ctx, input.Record.Request())
	if err == nil {
		a.metrics.RecordReconciliation("recorded")
		a.logger.InfoContext(ctx, "purchase recorded",
			"signature", sig,
			"transaction_id", txn.ID,
		)
		return &RecordPurchaseResult{TransactionID: txn.ID}, nil
	}

	switch client.StatusCode(err) {
	case http.StatusConflict:
		a.metrics.RecordReconciliation("already_recorded")
		a.logger.InfoContext(ctx, "purchase already recorded", "signature", sig)
		return &RecordPurchaseResult{AlreadyRecorded: true}, nil
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		a.metrics.RecordReconciliation("rejected")
		a.logger.ErrorContext(ctx, "ledger-of-record rejected purchase record",
			"signature", sig,
			"error", err,
		)
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("ledger-of-record rejected record for %s", sig), ErrTypeInvalidRecord, err)
	}

	a.metrics.RecordReconciliation("retry")
	a.logger.WarnContext(ctx, "failed to record purchase, will retry",
		"signature", sig,
		"error", err,
	)
	return nil, fmt.Errorf("failed to record purchase %s: %w", sig, err)
}
