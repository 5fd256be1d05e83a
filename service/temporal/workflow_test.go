package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func TestReconcilePurchaseWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		input          RecordPurchaseInput
		mockActivities func(*testsuite.MockCallWrapper)
		expectedError  bool
		validateResult func(*testing.T, *ReconcilePurchaseResult)
	}{
		{
			name:  "records purchase",
			input: RecordPurchaseInput{Record: testRecord(), Cause: "HTTP 500"},
			mockActivities: func(recordMock *testsuite.MockCallWrapper) {
				recordMock.Return(&RecordPurchaseResult{TransactionID: 99}, nil)
			},
			validateResult: func(t *testing.T, result *ReconcilePurchaseResult) {
				assert.Equal(t, testRecord().TransactionSignature, result.Signature)
				assert.Equal(t, int64(99), result.TransactionID)
				assert.False(t, result.AlreadyRecorded)
				assert.False(t, result.RecordedAt.IsZero())
			},
		},
		{
			name:  "already recorded",
			input: RecordPurchaseInput{Record: testRecord()},
			mockActivities: func(recordMock *testsuite.MockCallWrapper) {
				recordMock.Return(&RecordPurchaseResult{AlreadyRecorded: true}, nil)
			},
			validateResult: func(t *testing.T, result *ReconcilePurchaseResult) {
				assert.True(t, result.AlreadyRecorded)
			},
		},
		{
			name:  "record rejected",
			input: RecordPurchaseInput{Record: testRecord()},
			mockActivities: func(recordMock *testsuite.MockCallWrapper) {
				recordMock.Return(nil, temporalsdk.NewNonRetryableApplicationError("rejected", ErrTypeInvalidRecord, nil))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.RecordPurchase)
			tt.mockActivities(env.OnActivity(activities.RecordPurchase, mock.Anything, mock.Anything))

			env.ExecuteWorkflow(ReconcilePurchaseWorkflow, tt.input)

			require.True(t, env.IsWorkflowCompleted())
			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result ReconcilePurchaseResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestReconcilePurchaseWorkflow_RetriesTransientFailures(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.RecordPurchase)

	calls := 0
	env.OnActivity(activities.RecordPurchase, mock.Anything, mock.Anything).
		Return(func(_ context.Context, _ RecordPurchaseInput) (*RecordPurchaseResult, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("ledger-of-record unavailable")
			}
			return &RecordPurchaseResult{TransactionID: 5}, nil
		})

	env.ExecuteWorkflow(ReconcilePurchaseWorkflow, RecordPurchaseInput{Record: testRecord()})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, calls)

	var result ReconcilePurchaseResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, int64(5), result.TransactionID)
}

func TestReconcilePurchaseWorkflow_MissingSignature(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.RecordPurchase)

	record := testRecord()
	record.TransactionSignature = ""
	env.ExecuteWorkflow(ReconcilePurchaseWorkflow, RecordPurchaseInput{Record: record})

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
}
