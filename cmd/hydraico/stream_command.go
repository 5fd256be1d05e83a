package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/hydraico/service/nats"
	"github.com/urfave/cli/v2"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream purchase status events from NATS",
		ArgsUsage: "[payer_address]",
		Action: func(c *cli.Context) error {
			payer := c.Args().First()
			jsonOutput := c.Bool("json")
			logger := cliLogger(c)

			sub, err := natspkg.NewSubscriber(c.String("nats-url"), logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, stop := signal.NotifyContext(commandContext(c), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !jsonOutput {
				target := payer
				if target == "" {
					target = "all payers"
				}
				fmt.Fprintf(os.Stderr, "Streaming purchase events for %s (Ctrl+C to stop)...\n", target)
			}

			return sub.Subscribe(ctx, payer, func(event *natspkg.PurchaseEvent) {
				if jsonOutput {
					data, err := json.Marshal(event)
					if err != nil {
						logger.Warn("failed to marshal event", "error", err)
						return
					}
					fmt.Fprintln(c.App.Writer, string(data))
					return
				}
				fmt.Fprintln(c.App.Writer, formatEvent(event))
			})
		},
	}
}

func formatEvent(e *natspkg.PurchaseEvent) string {
	line := fmt.Sprintf("[%s] %s %s %s",
		e.At.Format("15:04:05"),
		e.AttemptID,
		e.Payer,
		e.Status,
	)
	if e.Reason != "" {
		line += fmt.Sprintf(" (%s)", e.Reason)
	}
	if e.Signature != "" {
		line += " sig=" + e.Signature
	}
	if e.Message != "" {
		line += ": " + e.Message
	}
	return line
}
