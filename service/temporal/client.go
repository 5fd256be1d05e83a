package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/hydraico/service/purchase"
	"go.temporal.io/sdk/client"
)

// workflowStarter is the part of the Temporal SDK client used to start
// reconciliation workflows.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Client starts reconciliation workflows on Temporal. It implements
// purchase.Reconciler.
type Client struct {
	client    workflowStarter
	closer    func()
	taskQueue string
	logger    *slog.Logger
}

var _ purchase.Reconciler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		closer:    c.Close,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// Reconcile starts ReconcilePurchaseWorkflow for record. The workflow ID is
// derived from the transaction signature, so reconciling the same purchase
// twice attaches to the running workflow instead of starting another.
func (c *Client) Reconcile(ctx context.Context, record purchase.Record, cause error) error {
	if record.TransactionSignature == "" {
		return errors.New("record has no transaction signature")
	}
	id := reconcileWorkflowID(record.TransactionSignature)

	input := RecordPurchaseInput{Record: record}
	if cause != nil {
		input.Cause = cause.Error()
	}

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"payer":      record.PayerAddress,
			"created_by": "hydraico",
		},
	}, ReconcilePurchaseWorkflowName, input)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start reconciliation",
			"signature", record.TransactionSignature,
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "purchase reconciliation scheduled",
		"signature", record.TransactionSignature,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	if c.closer != nil {
		c.closer()
	}
}

// reconcileWorkflowID generates the workflow ID for a purchase signature.
func reconcileWorkflowID(signature string) string {
	return "reconcile-purchase:" + signature
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
