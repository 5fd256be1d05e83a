package server

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/hydraico/service/config"
	"github.com/brojonat/hydraico/service/sale"
)

// MemoPrefix starts the memo of every transfer request.
const MemoPrefix = "hydraico:"

// TransferRequest is a Solana Pay transfer request for a quoted purchase,
// usable by wallet apps that cannot run the purchase pipeline.
type TransferRequest struct {
	ID          string          `json:"id"`           // Unique request ID (UUID)
	Recipient   string          `json:"recipient"`    // Treasury wallet
	Amount      decimal.Decimal `json:"amount"`       // Payment currency amount
	Currency    string          `json:"currency"`     // e.g. "USDT"
	SPLToken    string          `json:"spl_token"`    // Payment mint
	TokenAmount decimal.Decimal `json:"token_amount"` // Sale tokens quoted
	Memo        string          `json:"memo"`
	PaymentURL  string          `json:"payment_url"`  // Solana Pay URL for wallet apps
	QRCodeData  string          `json:"qr_code_data"` // Base64 encoded QR code image
	CreatedAt   time.Time       `json:"created_at"`
}

// newTransferRequest builds a transfer request paying quote to the treasury.
// A QR code failure leaves QRCodeData empty.
func newTransferRequest(cfg config.SaleConfig, quote sale.Quote) *TransferRequest {
	id := uuid.New().String()
	memo := MemoPrefix + id

	paymentURL := buildSolanaPayURL(
		cfg.Treasury.String(),
		quote.PaymentAmount,
		cfg.PaymentMint.String(),
		memo,
		fmt.Sprintf("%s tokens", quote.TokenAmount.String()),
	)

	qrCodeData, err := generateQRCode(paymentURL)
	if err != nil {
		qrCodeData = ""
	}

	return &TransferRequest{
		ID:          id,
		Recipient:   cfg.Treasury.String(),
		Amount:      quote.PaymentAmount,
		Currency:    quote.Currency,
		SPLToken:    cfg.PaymentMint.String(),
		TokenAmount: quote.TokenAmount,
		Memo:        memo,
		PaymentURL:  paymentURL,
		QRCodeData:  qrCodeData,
		CreatedAt:   time.Now(),
	}
}

// buildSolanaPayURL creates a Solana Pay-compatible URL for an SPL transfer.
// Format: solana:{recipient}?amount={amount}&spl-token={mint}&memo={memo}&label={label}&message={message}
func buildSolanaPayURL(recipient string, amount decimal.Decimal, mint, memo, message string) string {
	params := url.Values{}
	params.Set("amount", amount.String())
	params.Set("spl-token", mint)
	params.Set("memo", memo)
	params.Set("label", "HydraICO Token Sale")
	params.Set("message", message)

	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode creates a QR code image from a payment URL and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}
