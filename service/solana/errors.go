package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrAccountNotFound means the ledger has no account at the address.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientFunds means the ledger reported the payer cannot cover
	// the transfer, rent or fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBlockhashExpired means the chain advanced past the transaction's
	// last valid block height before it was confirmed.
	ErrBlockhashExpired = errors.New("blockhash expired")
)

// Retry reasons carried by transient BroadcastErrors.
const (
	RetryReasonRateLimited   = "rate_limited"
	RetryReasonServerError   = "server_error"
	RetryReasonNodeUnhealthy = "node_unhealthy"
	RetryReasonTransport     = "transport"
)

// JSON-RPC error codes returned by Solana validators.
const (
	rpcCodeSimulationFailed     = -32002
	rpcCodeSignatureVerifyFail  = -32003
	rpcCodeNodeUnhealthy        = -32005
	rpcCodeInvalidParams        = -32602
	tokenInsufficientFundsError = 1
)

// BroadcastError is a failed sendTransaction call. Transient errors
// (transport failures, rate limits, unhealthy nodes) may be retried with the
// same signed transaction; the rest are semantic rejections.
type BroadcastError struct {
	Transient bool
	// Reason labels a transient failure for retry metrics.
	Reason string
	Err    error
}

func (e *BroadcastError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("broadcast %s: %v", kind, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// ExecutionError means the transaction landed but the ledger reported an
// execution failure for it.
type ExecutionError struct {
	Signature solana.Signature
	Slot      uint64
	// Raw is the error value from getSignatureStatuses, e.g.
	// {"InstructionError": [2, {"Custom": 1}]}.
	Raw   any
	cause error
}

func (e *ExecutionError) Error() string {
	raw, _ := json.Marshal(e.Raw)
	return fmt.Sprintf("transaction %s failed at slot %d: %s", e.Signature, e.Slot, raw)
}

// Unwrap returns ErrInsufficientFunds when the failure was an insufficiency.
func (e *ExecutionError) Unwrap() error { return e.cause }

// NewExecutionError wraps the raw status error of a landed transaction.
func NewExecutionError(sig solana.Signature, slot uint64, raw any) *ExecutionError {
	e := &ExecutionError{Signature: sig, Slot: slot, Raw: raw}
	if isInsufficientExecution(raw) {
		e.cause = ErrInsufficientFunds
	}
	return e
}

// classifySendError converts an RPC send failure into a *BroadcastError.
// This is the only place that inspects RPC error text.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpcCodeNodeUnhealthy:
			return &BroadcastError{Transient: true, Reason: RetryReasonNodeUnhealthy, Err: err}
		case rpcCodeSimulationFailed, rpcCodeSignatureVerifyFail, rpcCodeInvalidParams:
			if isInsufficientText(rpcErr.Message) || isInsufficientText(dataText(rpcErr.Data)) {
				return &BroadcastError{Err: fmt.Errorf("%w: %w", ErrInsufficientFunds, err)}
			}
			return &BroadcastError{Err: err}
		}
		if isInsufficientText(rpcErr.Message) {
			return &BroadcastError{Err: fmt.Errorf("%w: %w", ErrInsufficientFunds, err)}
		}
		return &BroadcastError{Err: err}
	}

	// Non-JSON-RPC bodies with a 4xx/5xx status.
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Code == http.StatusTooManyRequests:
			return &BroadcastError{Transient: true, Reason: RetryReasonRateLimited, Err: err}
		case httpErr.Code >= http.StatusInternalServerError:
			return &BroadcastError{Transient: true, Reason: RetryReasonServerError, Err: err}
		}
		return &BroadcastError{Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return &BroadcastError{Err: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &BroadcastError{Transient: true, Reason: RetryReasonTransport, Err: err}
	}

	msg := err.Error()
	for _, s := range []string{"connection reset", "connection refused", "EOF", "timeout"} {
		if strings.Contains(msg, s) {
			return &BroadcastError{Transient: true, Reason: RetryReasonTransport, Err: err}
		}
	}
	if isInsufficientText(msg) {
		return &BroadcastError{Err: fmt.Errorf("%w: %w", ErrInsufficientFunds, err)}
	}
	return &BroadcastError{Err: err}
}

func isInsufficientText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "insufficient funds") ||
		strings.Contains(s, "insufficient lamports") ||
		strings.Contains(s, "insufficientfunds")
}

func dataText(data any) string {
	if data == nil {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}

// isInsufficientExecution inspects a TransactionError value. Transaction
// level variants are named (InsufficientFundsForFee, InsufficientFundsForRent);
// instruction level failures surface as Custom 1, which is InsufficientFunds
// in the token program and ResultWithNegativeLamports in the system program.
func isInsufficientExecution(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return false
	case string:
		return strings.HasPrefix(v, "InsufficientFunds")
	case map[string]any:
		for k, inner := range v {
			if strings.HasPrefix(k, "InsufficientFunds") {
				return true
			}
			if k != "InstructionError" {
				continue
			}
			pair, ok := inner.([]any)
			if !ok || len(pair) != 2 {
				continue
			}
			if custom, ok := pair[1].(map[string]any); ok {
				if code, ok := customCode(custom["Custom"]); ok && code == tokenInsufficientFundsError {
					return true
				}
			}
			if name, ok := pair[1].(string); ok && strings.HasPrefix(name, "InsufficientFunds") {
				return true
			}
		}
	}
	return false
}

func customCode(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// isRateLimited reports whether err is an HTTP 429 from the RPC node.
func isRateLimited(err error) bool {
	var httpErr *jsonrpc.HTTPError
	return errors.As(err, &httpErr) && httpErr.Code == http.StatusTooManyRequests
}
