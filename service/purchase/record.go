package purchase

import (
	"context"

	"github.com/brojonat/hydraico/client"
	"github.com/shopspring/decimal"
)

// Record is a confirmed purchase as sent to the ledger-of-record.
// AmountPaid is the exact amount in PaymentCurrency.
type Record struct {
	PayerAddress         string          `json:"payer_address"`
	TransactionSignature string          `json:"transaction_signature"`
	PaymentCurrency      string          `json:"payment_currency"`
	AmountPaid           decimal.Decimal `json:"amount_paid"`
	TokensReceived       decimal.Decimal `json:"tokens_received"`
	ExchangeRate         decimal.Decimal `json:"exchange_rate"`
}

// Request converts the record to the ledger-of-record request body.
func (r Record) Request() client.CreateTransactionRequest {
	return client.NewCreateTransactionRequest(
		r.PayerAddress,
		r.TransactionSignature,
		r.PaymentCurrency,
		r.AmountPaid,
		r.TokensReceived,
		r.ExchangeRate,
	)
}

// Recorder writes confirmed purchases to the ledger-of-record.
// *client.Client implements it.
type Recorder interface {
	CreateTransaction(ctx context.Context, req client.CreateTransactionRequest) (*client.Transaction, error)
}

// Reconciler takes over a confirmed purchase the ledger-of-record failed to
// record, e.g. by scheduling a durable retry.
type Reconciler interface {
	Reconcile(ctx context.Context, record Record, cause error) error
}
