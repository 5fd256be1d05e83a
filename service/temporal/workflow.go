package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ReconcilePurchaseWorkflowName is the registered workflow type name.
const ReconcilePurchaseWorkflowName = "ReconcilePurchaseWorkflow"

// DefaultReconcileWindow bounds how long a purchase record is retried.
const DefaultReconcileWindow = 7 * 24 * time.Hour

// ReconcilePurchaseResult contains the result of reconciling one purchase.
type ReconcilePurchaseResult struct {
	Signature       string    `json:"signature"`
	TransactionID   int64     `json:"transaction_id,omitempty"`
	AlreadyRecorded bool      `json:"already_recorded"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// ReconcilePurchaseWorkflow records a confirmed purchase that the in-line
// recording failed to write. The on-chain transfer has happened; the
// workflow only retries the ledger-of-record write until it lands, the
// record is found to exist, or the record is rejected as invalid.
func ReconcilePurchaseWorkflow(ctx workflow.Context, input RecordPurchaseInput) (*ReconcilePurchaseResult, error) {
	logger := workflow.GetLogger(ctx)
	sig := input.Record.TransactionSignature
	logger.Info("ReconcilePurchaseWorkflow started", "signature", sig)

	if sig == "" {
		return nil, temporalsdk.NewNonRetryableApplicationError("record has no transaction signature", ErrTypeInvalidRecord, nil)
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout:    30 * time.Second,
		ScheduleToCloseTimeout: DefaultReconcileWindow,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        10 * time.Minute,
			NonRetryableErrorTypes: []string{ErrTypeInvalidRecord},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var recorded *RecordPurchaseResult
	if err := workflow.ExecuteActivity(ctx, a.RecordPurchase, input).Get(ctx, &recorded); err != nil {
		logger.Error("failed to reconcile purchase", "signature", sig, "error", err)
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}

	result := &ReconcilePurchaseResult{
		Signature:       sig,
		TransactionID:   recorded.TransactionID,
		AlreadyRecorded: recorded.AlreadyRecorded,
		RecordedAt:      workflow.Now(ctx),
	}
	logger.Info("ReconcilePurchaseWorkflow completed",
		"signature", sig,
		"already_recorded", recorded.AlreadyRecorded,
	)
	return result, nil
}
