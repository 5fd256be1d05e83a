package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/brojonat/hydraico/client"
	"github.com/brojonat/hydraico/service/config"
	natspkg "github.com/brojonat/hydraico/service/nats"
	"github.com/brojonat/hydraico/service/purchase"
	"github.com/brojonat/hydraico/service/sale"
	"github.com/brojonat/hydraico/service/solana"
	"github.com/brojonat/hydraico/service/temporal"
	"github.com/brojonat/hydraico/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func buyCommand() *cli.Command {
	return &cli.Command{
		Name:  "buy",
		Usage: "Buy sale tokens with a local keypair",
		Description: `Quotes the payment, resolves token accounts, assembles the transfer and asks
for approval before signing. The sale parameters and RPC endpoints come from
the service configuration (SOLANA_RPC_URLS, TREASURY_ADDRESS, ...).`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Payment amount in payment currency",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "keypair",
				Aliases:  []string{"k"},
				Usage:    "Path to a solana-keygen keypair file",
				EnvVars:  []string{"HYDRAICO_KEYPAIR"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Approve the transaction without prompting",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Assemble and print the transaction without signing or sending it",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish status events to NATS",
			},
			&cli.BoolFlag{
				Name:  "reconcile",
				Usage: "Hand failed purchase recordings to the Temporal reconciliation worker",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := cliLogger(c)

			ctx, stop := signal.NotifyContext(commandContext(c), os.Interrupt, syscall.SIGTERM)
			defer stop()

			endpoint, err := solana.SelectRandomEndpoint(cfg.SolanaRPCURLs)
			if err != nil {
				return err
			}
			ledger := solana.NewClient(solana.NewRPCClient(endpoint), endpoint, nil, logger,
				solana.WithCommitment(cfg.Commitment),
				solana.WithPollInterval(cfg.ConfirmationPollInterval),
			)

			approve := wallet.PromptApprover(os.Stdin, os.Stderr)
			if c.Bool("yes") {
				approve = wallet.AutoApprove
			}
			signer, err := wallet.LoadKeypairSigner(c.String("keypair"), approve)
			if err != nil {
				return err
			}

			calc, err := sale.NewCalculator(cfg.Sale.TokenRate, cfg.Sale.MinPurchase, cfg.Sale.PaymentCurrency)
			if err != nil {
				return err
			}

			opts := []purchase.Option{purchase.WithListener(progressPrinter(os.Stderr))}

			if c.Bool("publish") {
				pub, err := natspkg.NewPublisher(cfg.NATSURL, nil, logger)
				if err != nil {
					return err
				}
				defer pub.Close()
				opts = append(opts, purchase.WithListener(natspkg.NewStatusListener(pub, logger)))
			}

			if c.Bool("reconcile") {
				tc, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
				if err != nil {
					return err
				}
				defer tc.Close()
				opts = append(opts, purchase.WithReconciler(tc))
			}

			pipeline, err := purchase.NewPipeline(purchase.Config{
				Calculator:          calc,
				Treasury:            cfg.Sale.Treasury,
				Mint:                cfg.Sale.PaymentMint,
				Decimals:            cfg.Sale.PaymentDecimals,
				BroadcastRetries:    broadcastRetries(cfg.BroadcastRetries),
				ConfirmationTimeout: cfg.ConfirmationTimeout,
			}, ledger, client.NewClient(cfg.LedgerAPIURL, nil, logger), logger, opts...)
			if err != nil {
				return err
			}

			if c.Bool("dry-run") {
				return dryRun(ctx, c.App.Writer, pipeline, signer, c.String("amount"))
			}

			result := pipeline.SubmitText(ctx, signer, c.String("amount"))
			if c.Bool("json") {
				if err := printJSON(c.App.Writer, resultView(result)); err != nil {
					return err
				}
			} else {
				printResult(c.App.Writer, result)
			}
			if !result.Succeeded() {
				return cli.Exit(purchase.UserMessage(result.Err()), 1)
			}
			return nil
		},
	}
}

// progressPrinter renders each status change as one line.
func progressPrinter(w io.Writer) purchase.Listener {
	return purchase.ListenerFunc(func(_ context.Context, t purchase.Transition) {
		if t.Status == purchase.StatusIdle {
			return
		}
		line := fmt.Sprintf("→ %s", t.Status)
		if t.Signature != "" && t.Status == purchase.StatusBroadcasting {
			line += " " + t.Signature
		}
		if t.Reason != "" {
			line += fmt.Sprintf(" (%s)", t.Reason)
		}
		fmt.Fprintln(w, line)
	})
}

func dryRun(ctx context.Context, w io.Writer, pipeline *purchase.Pipeline, signer *wallet.KeypairSigner, rawAmount string) error {
	amount, err := sale.ParseAmount(rawAmount)
	if err != nil {
		return err
	}
	payer, _ := signer.Address()

	quote, res, unsigned, err := pipeline.Prepare(ctx, payer, amount)
	if err != nil {
		return cli.Exit(purchase.UserMessage(err), 1)
	}
	tx, err := unsigned.Transaction()
	if err != nil {
		return err
	}
	summary, err := solana.DescribeTransaction(tx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Payer:             %s\n", payer)
	fmt.Fprintf(w, "Pay:               %s %s (%d base units)\n", quote.PaymentAmount, quote.Currency, unsigned.BaseUnits())
	fmt.Fprintf(w, "Receive:           %s tokens\n", quote.TokenAmount.StringFixed(sale.DisplayPrecision))
	fmt.Fprintf(w, "Payer account:     %s (exists: %t)\n", res.Payer.Address, res.PayerAccountExists())
	fmt.Fprintf(w, "Treasury account:  %s (exists: %t)\n", res.Treasury.Address, res.TreasuryAccountExists())
	fmt.Fprintf(w, "Blockhash:         %s\n", summary.Blockhash)
	for i, ix := range summary.Instructions {
		fmt.Fprintf(w, "  %d. %s (%s)\n", i+1, ix.Kind, ix.Program)
	}
	fmt.Fprintln(w, "Dry run: nothing was signed or sent.")
	return nil
}

type resultJSON struct {
	AttemptID string                `json:"attempt_id"`
	Status    purchase.Status       `json:"status"`
	Reason    purchase.Reason       `json:"reason,omitempty"`
	Message   string                `json:"message,omitempty"`
	Signature string                `json:"signature,omitempty"`
	Paid      string                `json:"paid,omitempty"`
	Tokens    string                `json:"tokens,omitempty"`
	Warnings  []purchase.Reason     `json:"warnings,omitempty"`
	History   []purchase.Transition `json:"transitions"`
}

func resultView(r *purchase.Result) resultJSON {
	v := resultJSON{
		AttemptID: r.AttemptID,
		Status:    r.Status,
		History:   r.Transitions,
	}
	if r.Failure != nil {
		v.Reason = r.Failure.Reason
		v.Message = purchase.UserMessage(r.Failure)
	}
	if r.Signature != (solanago.Signature{}) {
		v.Signature = r.Signature.String()
	}
	if r.Quote != nil {
		v.Paid = r.Quote.PaymentAmount.String() + " " + r.Quote.Currency
		v.Tokens = r.Quote.TokenAmount.String()
	}
	for _, w := range r.Warnings {
		v.Warnings = append(v.Warnings, w.Reason)
	}
	return v
}

func printResult(w io.Writer, r *purchase.Result) {
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if r.Succeeded() {
		fmt.Fprintln(w, "✓ Purchase Confirmed")
	} else {
		fmt.Fprintln(w, "✗ Purchase Failed")
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Attempt:     %s\n", r.AttemptID)
	if r.Quote != nil {
		fmt.Fprintf(w, "Paid:        %s %s\n", r.Quote.PaymentAmount, r.Quote.Currency)
		fmt.Fprintf(w, "Tokens:      %s\n", r.Quote.TokenAmount.StringFixed(sale.DisplayPrecision))
	}
	if r.Signature != (solanago.Signature{}) {
		fmt.Fprintf(w, "Signature:   %s\n", r.Signature)
	}
	if r.Failure != nil {
		fmt.Fprintf(w, "Reason:      %s\n", r.Failure.Reason)
		fmt.Fprintf(w, "Message:     %s\n", purchase.UserMessage(r.Failure))
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "Warning:     %s\n", purchase.UserMessage(warn))
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// broadcastRetries maps the configured retry count, where 0 means none, onto
// purchase.Config, where 0 means the default.
func broadcastRetries(n int) int {
	if n == 0 {
		return purchase.NoBroadcastRetries
	}
	return n
}
