// Package sale holds the pure arithmetic of the token sale: quoting token
// amounts for a payment and deriving on-chain base units.
package sale

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DisplayPrecision is the number of decimal places a quoted token amount is
// rounded to. The rounded value is for display only.
const DisplayPrecision = 2

var (
	// ErrInvalidAmount means the payment amount is not a positive finite number.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrBelowMinimum means the payment amount is under the minimum purchase.
	// It matches ErrInvalidAmount under errors.Is.
	ErrBelowMinimum = fmt.Errorf("%w: below minimum purchase", ErrInvalidAmount)

	// ErrInvalidRate means the token rate is not positive or the minimum is negative.
	ErrInvalidRate = errors.New("invalid sale parameters")

	// ErrAmountOutOfRange means an amount does not fit the on-chain integer width.
	ErrAmountOutOfRange = errors.New("amount out of range")
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// Quote is the token amount offered for a payment.
type Quote struct {
	PaymentAmount decimal.Decimal
	TokenRate     decimal.Decimal
	MinPurchase   decimal.Decimal
	TokenAmount   decimal.Decimal
	Currency      string
}

// Calculator quotes payments at a fixed rate and minimum.
type Calculator struct {
	TokenRate   decimal.Decimal
	MinPurchase decimal.Decimal
	Currency    string
}

// NewCalculator validates the sale parameters.
func NewCalculator(tokenRate, minPurchase decimal.Decimal, currency string) (*Calculator, error) {
	if err := validateParams(tokenRate, minPurchase); err != nil {
		return nil, err
	}
	return &Calculator{TokenRate: tokenRate, MinPurchase: minPurchase, Currency: currency}, nil
}

// Quote prices paymentAmount at the calculator's rate.
func (c *Calculator) Quote(paymentAmount decimal.Decimal) (Quote, error) {
	q, err := NewQuote(paymentAmount, c.TokenRate, c.MinPurchase)
	if err != nil {
		return Quote{}, err
	}
	q.Currency = c.Currency
	return q, nil
}

// QuoteString parses text input and quotes it.
func (c *Calculator) QuoteString(s string) (Quote, error) {
	amount, err := ParseAmount(s)
	if err != nil {
		return Quote{}, err
	}
	return c.Quote(amount)
}

// NewQuote computes paymentAmount × tokenRate rounded to DisplayPrecision.
// It fails with ErrInvalidAmount for non-positive amounts and ErrBelowMinimum
// when the amount is under minPurchase.
func NewQuote(paymentAmount, tokenRate, minPurchase decimal.Decimal) (Quote, error) {
	if err := validateParams(tokenRate, minPurchase); err != nil {
		return Quote{}, err
	}
	if !paymentAmount.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s must be greater than zero", ErrInvalidAmount, paymentAmount)
	}
	if paymentAmount.LessThan(minPurchase) {
		return Quote{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, paymentAmount, minPurchase)
	}

	return Quote{
		PaymentAmount: paymentAmount,
		TokenRate:     tokenRate,
		MinPurchase:   minPurchase,
		TokenAmount:   paymentAmount.Mul(tokenRate).Round(DisplayPrecision),
	}, nil
}

// ParseAmount parses user-entered text as a decimal amount. Empty input,
// garbage, NaN and infinities are rejected with ErrInvalidAmount.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "nan", "inf", "infinity":
		return decimal.Zero, fmt.Errorf("%w: %q is not finite", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// ToBaseUnits converts amount to the integer on-chain unit for a mint with
// the given decimals: round(amount × 10^decimals). It fails when the result
// is not positive or does not fit in 64 bits.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	units := amount.Shift(int32(decimals)).Round(0)
	if !units.IsPositive() {
		return 0, fmt.Errorf("%w: %s rounds to %s base units", ErrAmountOutOfRange, amount, units)
	}
	bi := units.BigInt()
	if bi.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("%w: %s base units overflow uint64", ErrAmountOutOfRange, units)
	}
	return bi.Uint64(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals))
}

func validateParams(tokenRate, minPurchase decimal.Decimal) error {
	if !tokenRate.IsPositive() {
		return fmt.Errorf("%w: token rate %s must be positive", ErrInvalidRate, tokenRate)
	}
	if minPurchase.IsNegative() {
		return fmt.Errorf("%w: minimum purchase %s must not be negative", ErrInvalidRate, minPurchase)
	}
	return nil
}
