package client

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a purchase as stored by the ledger-of-record.
type Transaction struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	TransactionHash string          `json:"transaction_hash"`
	PaymentCurrency string          `json:"payment_currency"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	TokensReceived  decimal.Decimal `json:"tokens_received"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// UserStats aggregates one wallet's purchases.
type UserStats struct {
	PublicKey         string          `json:"public_key"`
	TotalTokens       decimal.Decimal `json:"total_tokens"`
	TotalSOLInvested  decimal.Decimal `json:"total_sol_invested"`
	TotalUSDTInvested decimal.Decimal `json:"total_usdt_invested"`
	TransactionCount  int             `json:"transaction_count"`
	MemberSince       time.Time       `json:"member_since"`
}

// ICOStatistics aggregates the whole sale.
type ICOStatistics struct {
	TotalTransactions int             `json:"total_transactions"`
	TotalSOLRaised    decimal.Decimal `json:"total_sol_raised"`
	TotalUSDTRaised   decimal.Decimal `json:"total_usdt_raised"`
	TotalTokensSold   decimal.Decimal `json:"total_tokens_sold"`
	UniqueInvestors   int             `json:"unique_investors"`
}

// TopInvestor is one row of the investor leaderboard.
type TopInvestor struct {
	PublicKey         string          `json:"public_key"`
	TotalTokens       decimal.Decimal `json:"total_tokens"`
	TotalSOLInvested  decimal.Decimal `json:"total_sol_invested"`
	TotalUSDTInvested decimal.Decimal `json:"total_usdt_invested"`
	TotalInvested     decimal.Decimal `json:"total_invested"`
	TransactionCount  int             `json:"transaction_count"`
}

// CreateTransactionRequest is the body of POST /transactions. Amounts are
// sent as JSON numbers carrying the exact decimal digits.
type CreateTransactionRequest struct {
	PublicKey       string      `json:"publicKey"`
	TransactionHash string      `json:"transactionHash"`
	PaymentCurrency string      `json:"paymentCurrency"`
	AmountPaid      json.Number `json:"amountPaid"`
	TokensReceived  json.Number `json:"tokensReceived"`
	ExchangeRate    json.Number `json:"exchangeRate"`
}

// NewCreateTransactionRequest builds a request from exact decimal amounts.
func NewCreateTransactionRequest(publicKey, signature, currency string, amountPaid, tokensReceived, exchangeRate decimal.Decimal) CreateTransactionRequest {
	return CreateTransactionRequest{
		PublicKey:       publicKey,
		TransactionHash: signature,
		PaymentCurrency: currency,
		AmountPaid:      json.Number(amountPaid.String()),
		TokensReceived:  json.Number(tokensReceived.String()),
		ExchangeRate:    json.Number(exchangeRate.String()),
	}
}

type transactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}
