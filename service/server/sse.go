package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/hydraico/service/metrics"
	natspkg "github.com/brojonat/hydraico/service/nats"
)

const sseKeepaliveInterval = 10 * time.Second

// EventStream delivers purchase status events. Subscribe blocks until ctx is
// done. An empty payer subscribes to every payer.
type EventStream interface {
	Subscribe(ctx context.Context, payer string, fn func(*natspkg.PurchaseEvent)) error
}

// handleStreamPurchases handles SSE streaming of purchase status events.
// If the payer path parameter is empty, streams all payers.
func handleStreamPurchases(stream EventStream, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payer := r.PathValue("payer")
		payerDesc := payer
		if payer == "" {
			payerDesc = "all payers"
		} else if !natspkg.ValidPayerToken(payer) {
			writeError(w, "invalid payer address", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		m.RecordSSEConnectionChange(payerDesc, 1)
		defer m.RecordSSEConnectionChange(payerDesc, -1)

		logger.DebugContext(r.Context(), "SSE client connected",
			"payer", payerDesc,
			"remote_addr", r.RemoteAddr,
		)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events := make(chan *natspkg.PurchaseEvent, 10)
		subErr := make(chan error, 1)
		go func() {
			subErr <- stream.Subscribe(ctx, payer, func(event *natspkg.PurchaseEvent) {
				select {
				case events <- event:
				case <-ctx.Done():
				}
			})
		}()

		fmt.Fprintf(w, "event: connected\ndata: {\"payer\":%q}\n\n", payerDesc)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case event := <-events:
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: purchase\ndata: %s\n\n", data)
				flusher.Flush()
				m.RecordSSEEventSent(payerDesc, event.Status)

				logger.DebugContext(ctx, "sent purchase event",
					"payer", event.Payer,
					"attempt_id", event.AttemptID,
					"status", event.Status,
				)

			case err := <-subErr:
				if err != nil {
					logger.ErrorContext(ctx, "purchase subscription failed",
						"payer", payerDesc,
						"error", err,
					)
					fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
					flusher.Flush()
				}
				return

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"payer", payerDesc,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
