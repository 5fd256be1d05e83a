package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/hydraico/client"
	"github.com/brojonat/hydraico/service/sale"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func saleRateFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "rate",
			Usage:   "Sale tokens per unit of payment currency",
			EnvVars: []string{"TOKEN_RATE"},
			Value:   "1000",
		},
		&cli.StringFlag{
			Name:    "min",
			Usage:   "Minimum purchase in payment currency",
			EnvVars: []string{"MIN_PURCHASE"},
			Value:   "0.01",
		},
		&cli.StringFlag{
			Name:    "currency",
			Usage:   "Payment currency symbol",
			EnvVars: []string{"PAYMENT_CURRENCY"},
			Value:   "USDT",
		},
	}
}

func supplyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "total-supply",
			Usage:   "Total token supply for the sale",
			EnvVars: []string{"TOKEN_TOTAL_SUPPLY"},
			Value:   "100000000",
		},
		&cli.StringFlag{
			Name:    "sol-usd-rate",
			Usage:   "Fixed SOL/USD rate for progress estimates",
			EnvVars: []string{"SOL_USD_RATE"},
			Value:   "100",
		},
	}
}

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Quote the tokens received for a payment",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Payment amount in payment currency",
				Required: true,
			},
		}, saleRateFlags()...),
		Action: func(c *cli.Context) error {
			calc, err := calculatorFromFlags(c)
			if err != nil {
				return err
			}

			quote, err := calc.QuoteString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("failed to quote: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c.App.Writer, quote)
			}

			fmt.Fprintf(c.App.Writer, "Pay:      %s %s\n", quote.PaymentAmount, quote.Currency)
			fmt.Fprintf(c.App.Writer, "Receive:  %s tokens\n", quote.TokenAmount.StringFixed(sale.DisplayPrecision))
			fmt.Fprintf(c.App.Writer, "Rate:     1 %s = %s tokens\n", quote.Currency, quote.TokenRate)
			fmt.Fprintf(c.App.Writer, "Minimum:  %s %s\n", quote.MinPurchase, quote.Currency)
			return nil
		},
	}
}

func progressCommand() *cli.Command {
	return &cli.Command{
		Name:  "progress",
		Usage: "Show sale progress against the total supply",
		Flags: supplyFlags(),
		Action: func(c *cli.Context) error {
			totalSupply, err := decimalFlag(c, "total-supply")
			if err != nil {
				return err
			}
			solUSD, err := decimalFlag(c, "sol-usd-rate")
			if err != nil {
				return err
			}

			stats, err := ledgerClient(c).Statistics(commandContext(c))
			if err != nil {
				return fmt.Errorf("failed to fetch statistics: %w", err)
			}

			progress, err := sale.ComputeProgress(*stats, totalSupply, solUSD)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return printJSON(c.App.Writer, progress)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Sold:        %s / %s tokens (%s%%)\n", progress.TokensSold, progress.TotalSupply, progress.PercentSold)
			fmt.Fprintf(w, "Remaining:   %s tokens\n", progress.TokensRemaining)
			fmt.Fprintf(w, "Raised:      %s SOL + %s stable (~$%s)\n", progress.TotalSOLRaised, progress.TotalStableRaised, progress.TotalRaisedUSD.StringFixed(2))
			fmt.Fprintf(w, "Investors:   %d (%d purchases)\n", progress.UniqueInvestors, progress.TotalTransactions)
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregate sale statistics",
		Action: func(c *cli.Context) error {
			stats, err := ledgerClient(c).Statistics(commandContext(c))
			if err != nil {
				return fmt.Errorf("failed to fetch statistics: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c.App.Writer, stats)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Purchases:        %d\n", stats.TotalTransactions)
			fmt.Fprintf(w, "Unique investors: %d\n", stats.UniqueInvestors)
			fmt.Fprintf(w, "Tokens sold:      %s\n", stats.TotalTokensSold)
			fmt.Fprintf(w, "SOL raised:       %s\n", stats.TotalSOLRaised)
			fmt.Fprintf(w, "USDT raised:      %s\n", stats.TotalUSDTRaised)
			return nil
		},
	}
}

func topInvestorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "top-investors",
		Usage: "List the largest token holders",
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   10,
				Usage:   "Number of investors to list",
			},
		}, supplyFlags()...),
		Action: func(c *cli.Context) error {
			limit := c.Int("limit")
			if limit < 1 {
				return fmt.Errorf("limit must be at least 1")
			}
			totalSupply, err := decimalFlag(c, "total-supply")
			if err != nil {
				return err
			}

			investors, err := ledgerClient(c).TopInvestors(commandContext(c), limit)
			if err != nil {
				return fmt.Errorf("failed to fetch top investors: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c.App.Writer, investors)
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tADDRESS\tTOKENS\tSHARE\tPURCHASES")
			for i, inv := range investors {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s%%\t%d\n",
					i+1,
					sale.FormatAddress(inv.PublicKey),
					inv.TotalTokens,
					sale.ShareOfSupply(inv.TotalTokens, totalSupply),
					inv.TransactionCount,
				)
			}
			return tw.Flush()
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:      "user",
		Usage:     "Show a holder's purchase totals",
		ArgsUsage: "PUBLIC_KEY",
		Flags:     supplyFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("public key is required")
			}
			key := c.Args().Get(0)
			totalSupply, err := decimalFlag(c, "total-supply")
			if err != nil {
				return err
			}

			stats, err := ledgerClient(c).UserStats(commandContext(c), key)
			if err != nil {
				if client.StatusCode(err) == http.StatusNotFound {
					return fmt.Errorf("no purchases found for %s", key)
				}
				return fmt.Errorf("failed to fetch user stats: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c.App.Writer, stats)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Holder:        %s\n", stats.PublicKey)
			fmt.Fprintf(w, "Tokens:        %s (%s%% of supply)\n", stats.TotalTokens, sale.ShareOfSupply(stats.TotalTokens, totalSupply))
			fmt.Fprintf(w, "SOL invested:  %s\n", stats.TotalSOLInvested)
			fmt.Fprintf(w, "USDT invested: %s\n", stats.TotalUSDTInvested)
			fmt.Fprintf(w, "Purchases:     %d\n", stats.TransactionCount)
			if !stats.MemberSince.IsZero() {
				fmt.Fprintf(w, "Member since:  %s\n", stats.MemberSince.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Aliases:   []string{"txns"},
		Usage:     "List a holder's purchases",
		ArgsUsage: "PUBLIC_KEY",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   20,
				Usage:   "Maximum number of purchases to retrieve (1-1000)",
			},
			&cli.IntFlag{
				Name:    "offset",
				Aliases: []string{"o"},
				Value:   0,
				Usage:   "Number of purchases to skip",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter each purchase must satisfy (repeatable, all must be truthy)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("public key is required")
			}
			key := c.Args().Get(0)

			limit := c.Int("limit")
			if limit < 1 || limit > 1000 {
				return fmt.Errorf("limit must be between 1 and 1000")
			}

			filters, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			txns, err := ledgerClient(c).UserTransactions(commandContext(c), key, client.ListOptions{
				Limit:  limit,
				Offset: c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to fetch purchases: %w", err)
			}

			matched, err := filterTransactions(txns, filters, cliLogger(c))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return printJSON(c.App.Writer, matched)
			}

			if len(matched) == 0 {
				fmt.Fprintln(c.App.Writer, "No purchases found")
				return nil
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tPAID\tTOKENS\tSTATUS\tSIGNATURE")
			for _, txn := range matched {
				fmt.Fprintf(tw, "%s\t%s %s\t%s\t%s\t%s\n",
					txn.CreatedAt.Format("2006-01-02 15:04"),
					txn.AmountPaid,
					txn.PaymentCurrency,
					txn.TokensReceived,
					txn.Status,
					sale.FormatAddress(txn.TransactionHash),
				)
			}
			return tw.Flush()
		},
	}
}

// compileJQFilters parses and compiles each filter.
func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// filterTransactions keeps the transactions for which every filter yields a
// truthy first result. Filters see the transaction in its JSON form.
func filterTransactions(txns []client.Transaction, filters []*gojq.Code, logger *slog.Logger) ([]client.Transaction, error) {
	if len(filters) == 0 {
		return txns, nil
	}

	var matched []client.Transaction
	for _, txn := range txns {
		// gojq only accepts plain JSON values
		raw, err := json.Marshal(txn)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transaction: %w", err)
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}

		if matchesAll(doc, filters, logger) {
			matched = append(matched, txn)
		}
	}
	return matched, nil
}

func matchesAll(doc interface{}, filters []*gojq.Code, logger *slog.Logger) bool {
	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if err, isErr := v.(error); isErr {
			logger.Debug("jq filter error", "error", err)
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func calculatorFromFlags(c *cli.Context) (*sale.Calculator, error) {
	rate, err := decimalFlag(c, "rate")
	if err != nil {
		return nil, err
	}
	minPurchase, err := decimalFlag(c, "min")
	if err != nil {
		return nil, err
	}
	return sale.NewCalculator(rate, minPurchase, strings.ToUpper(c.String("currency")))
}

func decimalFlag(c *cli.Context, name string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.String(name)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %w", name, c.String(name), err)
	}
	return d, nil
}

func ledgerClient(c *cli.Context) *client.Client {
	return client.NewClient(strings.TrimRight(c.String("ledger-url"), "/"), nil, cliLogger(c))
}

func cliLogger(c *cli.Context) *slog.Logger {
	return setupLogger(c.String("log-level"))
}

func commandContext(c *cli.Context) context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
