package sale

import (
	"fmt"

	"github.com/brojonat/hydraico/client"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Progress is a display summary of how much of the supply has sold.
type Progress struct {
	TotalSupply       decimal.Decimal `json:"total_supply"`
	TokensSold        decimal.Decimal `json:"tokens_sold"`
	TokensRemaining   decimal.Decimal `json:"tokens_remaining"`
	PercentSold       decimal.Decimal `json:"percent_sold"`
	TotalSOLRaised    decimal.Decimal `json:"total_sol_raised"`
	TotalStableRaised decimal.Decimal `json:"total_stable_raised"`
	// TotalRaisedUSD values SOL at SOLUSDRate. It is an estimate for display
	// and never feeds a purchase record.
	TotalRaisedUSD    decimal.Decimal `json:"total_raised_usd"`
	SOLUSDRate        decimal.Decimal `json:"sol_usd_rate"`
	UniqueInvestors   int             `json:"unique_investors"`
	TotalTransactions int             `json:"total_transactions"`
}

// ComputeProgress summarizes sale statistics against totalSupply.
// PercentSold is rounded to one place and capped at 100.
func ComputeProgress(stats client.ICOStatistics, totalSupply, solUSDRate decimal.Decimal) (Progress, error) {
	if !totalSupply.IsPositive() {
		return Progress{}, fmt.Errorf("total supply %s must be positive", totalSupply)
	}
	if solUSDRate.IsNegative() {
		return Progress{}, fmt.Errorf("SOL/USD rate %s must not be negative", solUSDRate)
	}

	sold := stats.TotalTokensSold
	remaining := totalSupply.Sub(sold)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	percent := decimal.Min(sold.Div(totalSupply).Mul(hundred), hundred).Round(1)

	return Progress{
		TotalSupply:       totalSupply,
		TokensSold:        sold,
		TokensRemaining:   remaining,
		PercentSold:       percent,
		TotalSOLRaised:    stats.TotalSOLRaised,
		TotalStableRaised: stats.TotalUSDTRaised,
		TotalRaisedUSD:    stats.TotalSOLRaised.Mul(solUSDRate).Add(stats.TotalUSDTRaised).Round(2),
		SOLUSDRate:        solUSDRate,
		UniqueInvestors:   stats.UniqueInvestors,
		TotalTransactions: stats.TotalTransactions,
	}, nil
}

// ShareOfSupply is holding as a percentage of totalSupply, to two places.
func ShareOfSupply(holding, totalSupply decimal.Decimal) decimal.Decimal {
	if !totalSupply.IsPositive() {
		return decimal.Zero
	}
	return holding.Div(totalSupply).Mul(hundred).Round(2)
}
