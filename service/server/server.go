package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/hydraico/client"
	"github.com/brojonat/hydraico/service/config"
	"github.com/brojonat/hydraico/service/metrics"
	"github.com/brojonat/hydraico/service/sale"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LedgerReader is the read side of the ledger-of-record used by the API.
// *client.Client implements it.
type LedgerReader interface {
	Statistics(ctx context.Context) (*client.ICOStatistics, error)
	TopInvestors(ctx context.Context, limit int) ([]client.TopInvestor, error)
	UserStats(ctx context.Context, publicKey string) (*client.UserStats, error)
	UserTransactions(ctx context.Context, publicKey string, opts client.ListOptions) ([]client.Transaction, error)
}

var _ LedgerReader = (*client.Client)(nil)

// Server represents the HTTP server for the sale API.
type Server struct {
	addr    string
	cfg     *config.Config
	ledger  LedgerReader
	calc    *sale.Calculator
	stream  EventStream
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The stream is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, ledger LedgerReader, stream EventStream, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger reader is required")
	}
	calc, err := sale.NewCalculator(cfg.Sale.TokenRate, cfg.Sale.MinPurchase, cfg.Sale.PaymentCurrency)
	if err != nil {
		return nil, fmt.Errorf("invalid sale parameters: %w", err)
	}
	return &Server{
		addr:    addr,
		cfg:     cfg,
		ledger:  ledger,
		calc:    calc,
		stream:  stream,
		metrics: m,
		logger:  logger,
	}, nil
}

// Handler builds the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/quote", "/api/v1/quote", handleQuote(s.calc, s.cfg.Sale, s.logger))
	route("GET /api/v1/sale/progress", "/api/v1/sale/progress", handleSaleProgress(s.ledger, s.cfg.Sale, s.logger))
	route("GET /api/v1/statistics", "/api/v1/statistics", handleStatistics(s.ledger, s.logger))
	route("GET /api/v1/top-investors", "/api/v1/top-investors", handleTopInvestors(s.ledger, s.cfg.Sale, s.logger))
	route("GET /api/v1/users/{key}/stats", "/api/v1/users/{key}/stats", handleUserStats(s.ledger, s.cfg.Sale, s.logger))
	route("GET /api/v1/users/{key}/transactions", "/api/v1/users/{key}/transactions", handleUserTransactions(s.ledger, s.logger))

	// SSE streaming endpoints (if an event stream is configured)
	if s.stream != nil {
		sse := handleStreamPurchases(s.stream, s.metrics, s.logger)
		mux.Handle("GET /api/v1/stream/purchases/{payer}", sse)
		mux.Handle("GET /api/v1/stream/purchases", sse)
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("event stream not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// SSE responses stay open, so there is no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
