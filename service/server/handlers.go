package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/brojonat/hydraico/client"
	"github.com/brojonat/hydraico/service/config"
	"github.com/brojonat/hydraico/service/sale"
	"github.com/shopspring/decimal"
)

const (
	maxAddressLength    = 100 // Solana addresses are 44 chars, give buffer
	maxAmountLength     = 40
	defaultInvestorsCap = 10
	maxInvestorsCap     = 100
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// quoteResponse is the JSON response for GET /api/v1/quote.
type quoteResponse struct {
	PaymentAmount decimal.Decimal  `json:"payment_amount"`
	Currency      string           `json:"currency"`
	TokenRate     decimal.Decimal  `json:"token_rate"`
	MinPurchase   decimal.Decimal  `json:"min_purchase"`
	TokenAmount   decimal.Decimal  `json:"token_amount"`
	BaseUnits     uint64           `json:"base_units"`
	Transfer      *TransferRequest `json:"transfer"`
}

// handleQuote returns a handler that prices a payment and attaches a Solana
// Pay transfer request for it.
// GET /api/v1/quote?amount=12.5
func handleQuote(calc *sale.Calculator, cfg config.SaleConfig, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.URL.Query().Get("amount"))
		if raw == "" {
			writeError(w, "amount query parameter is required", http.StatusBadRequest)
			return
		}
		if len(raw) > maxAmountLength {
			writeError(w, "amount too long", http.StatusBadRequest)
			return
		}

		quote, err := calc.QuoteString(raw)
		if err != nil {
			logger.Debug("quote rejected", "amount", raw, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		units, err := sale.ToBaseUnits(quote.PaymentAmount, cfg.PaymentDecimals)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		transfer := newTransferRequest(cfg, quote)
		if transfer.QRCodeData == "" {
			logger.Warn("failed to render transfer QR code", "transfer_id", transfer.ID)
		}

		writeJSON(w, quoteResponse{
			PaymentAmount: quote.PaymentAmount,
			Currency:      quote.Currency,
			TokenRate:     quote.TokenRate,
			MinPurchase:   quote.MinPurchase,
			TokenAmount:   quote.TokenAmount,
			BaseUnits:     units,
			Transfer:      transfer,
		}, http.StatusOK)
	})
}

// handleSaleProgress returns a handler that summarizes sale progress against
// the configured total supply.
// GET /api/v1/sale/progress
func handleSaleProgress(ledger LedgerReader, cfg config.SaleConfig, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := ledger.Statistics(r.Context())
		if err != nil {
			writeLedgerError(w, logger, "statistics", err)
			return
		}

		progress, err := sale.ComputeProgress(*stats, cfg.TotalSupply, cfg.SOLUSDRate)
		if err != nil {
			logger.Error("failed to compute sale progress", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, progress, http.StatusOK)
	})
}

// handleStatistics returns a handler that proxies aggregate sale statistics.
// GET /api/v1/statistics
func handleStatistics(ledger LedgerReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := ledger.Statistics(r.Context())
		if err != nil {
			writeLedgerError(w, logger, "statistics", err)
			return
		}
		writeJSON(w, stats, http.StatusOK)
	})
}

// handleTopInvestors returns a handler that lists the largest holders.
// GET /api/v1/top-investors?limit=N
func handleTopInvestors(ledger LedgerReader, cfg config.SaleConfig, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseBoundedInt(r.URL.Query().Get("limit"), "limit", defaultInvestorsCap, 1, maxInvestorsCap)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		investors, err := ledger.TopInvestors(r.Context(), limit)
		if err != nil {
			writeLedgerError(w, logger, "top_investors", err)
			return
		}

		resp := make([]investorResponse, len(investors))
		for i, inv := range investors {
			resp[i] = investorResponse{
				Rank:           i + 1,
				TopInvestor:    inv,
				ShareOfSupply:  sale.ShareOfSupply(inv.TotalTokens, cfg.TotalSupply),
				DisplayAddress: sale.FormatAddress(inv.PublicKey),
			}
		}

		writeJSON(w, map[string]interface{}{
			"investors": resp,
			"count":     len(resp),
		}, http.StatusOK)
	})
}

type investorResponse struct {
	Rank int `json:"rank"`
	client.TopInvestor
	ShareOfSupply  decimal.Decimal `json:"share_of_supply"`
	DisplayAddress string          `json:"display_address"`
}

// handleUserStats returns a handler that proxies one holder's totals.
// GET /api/v1/users/{key}/stats
func handleUserStats(ledger LedgerReader, cfg config.SaleConfig, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if err := validateAddress(key); err != nil {
			logger.Debug("invalid address", "address", key, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		stats, err := ledger.UserStats(r.Context(), key)
		if err != nil {
			writeLedgerError(w, logger, "user_stats", err)
			return
		}

		writeJSON(w, map[string]interface{}{
			"stats":           stats,
			"share_of_supply": sale.ShareOfSupply(stats.TotalTokens, cfg.TotalSupply),
		}, http.StatusOK)
	})
}

// handleUserTransactions returns a handler that pages through one holder's
// purchases.
// GET /api/v1/users/{key}/transactions?limit=N&offset=N
func handleUserTransactions(ledger LedgerReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if err := validateAddress(key); err != nil {
			logger.Debug("invalid address", "address", key, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		query := r.URL.Query()
		limit, err := parseBoundedInt(query.Get("limit"), "limit", defaultHistoryLimit, 1, maxHistoryLimit)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset, err := parseBoundedInt(query.Get("offset"), "offset", 0, 0, -1)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txns, err := ledger.UserTransactions(r.Context(), key, client.ListOptions{Limit: limit, Offset: offset})
		if err != nil {
			writeLedgerError(w, logger, "user_transactions", err)
			return
		}

		logger.Debug("transactions listed", "user", key, "count", len(txns))

		writeJSON(w, map[string]interface{}{
			"transactions": txns,
			"count":        len(txns),
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

// writeLedgerError maps a ledger-of-record failure to a response. A 404 from
// upstream passes through; everything else is a bad gateway.
func writeLedgerError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	if client.StatusCode(err) == http.StatusNotFound {
		writeError(w, "not found", http.StatusNotFound)
		return
	}
	logger.Error("ledger-of-record request failed", "op", op, "error", err)
	writeError(w, "ledger-of-record unavailable", http.StatusBadGateway)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// parseBoundedInt parses an optional integer query parameter. A negative max
// means unbounded.
func parseBoundedInt(raw, name string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errorf("invalid %s parameter: must be an integer", name)
	}
	if n < min {
		return 0, errorf("%s must be at least %d", name, min)
	}
	if max >= 0 && n > max {
		return 0, errorf("%s cannot exceed %d", name, max)
	}
	return n, nil
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
