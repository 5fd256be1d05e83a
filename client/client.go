// Package client talks to the off-chain ledger-of-record, the REST service
// that indexes confirmed purchases and serves sale statistics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/hydraico/service/metrics"
)

const (
	DefaultTransactionsLimit     = 100
	DefaultUserTransactionsLimit = 50
	DefaultTopInvestorsLimit     = 10
)

// APIError is a non-2xx response from the ledger-of-record.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger-of-record returned %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status from an *APIError in err's chain.
// It returns 0 for transport errors.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ListOptions pages through transaction listings. Zero values select the
// endpoint's default limit and offset 0.
type ListOptions struct {
	Limit  int
	Offset int
}

// Client is the HTTP client for the ledger-of-record service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a new ledger-of-record client. baseURL includes any path
// prefix the service mounts its routes under (e.g. "https://host/api").
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// WithMetrics attaches request metrics to the client.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// CreateTransaction records a confirmed purchase.
func (c *Client) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*Transaction, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var tx Transaction
	if err := c.do(ctx, http.MethodPost, "/transactions", "/transactions", nil, body, &tx); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "purchase recorded",
		"public_key", req.PublicKey,
		"transaction_hash", req.TransactionHash,
	)
	return &tx, nil
}

// ListTransactions returns recent purchases across all users.
func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) ([]Transaction, error) {
	var resp transactionsResponse
	q := opts.query(DefaultTransactionsLimit)
	if err := c.do(ctx, http.MethodGet, "/transactions", "/transactions", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// UserTransactions returns the purchases made by one wallet.
func (c *Client) UserTransactions(ctx context.Context, publicKey string, opts ListOptions) ([]Transaction, error) {
	var resp transactionsResponse
	path := fmt.Sprintf("/users/%s/transactions", url.PathEscape(publicKey))
	q := opts.query(DefaultUserTransactionsLimit)
	if err := c.do(ctx, http.MethodGet, path, "/users/{key}/transactions", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// UserStats returns aggregate totals for one wallet.
func (c *Client) UserStats(ctx context.Context, publicKey string) (*UserStats, error) {
	var stats UserStats
	path := fmt.Sprintf("/users/%s/stats", url.PathEscape(publicKey))
	if err := c.do(ctx, http.MethodGet, path, "/users/{key}/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Statistics returns sale-wide totals.
func (c *Client) Statistics(ctx context.Context) (*ICOStatistics, error) {
	var stats ICOStatistics
	if err := c.do(ctx, http.MethodGet, "/statistics", "/statistics", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// TopInvestors returns the largest holders. limit <= 0 selects the default.
func (c *Client) TopInvestors(ctx context.Context, limit int) ([]TopInvestor, error) {
	if limit <= 0 {
		limit = DefaultTopInvestorsLimit
	}
	q := url.Values{"limit": []string{strconv.Itoa(limit)}}

	var investors []TopInvestor
	if err := c.do(ctx, http.MethodGet, "/top-investors", "/top-investors", q, nil, &investors); err != nil {
		return nil, err
	}
	return investors, nil
}

func (o ListOptions) query(defaultLimit int) url.Values {
	limit := o.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := o.Offset
	if offset < 0 {
		offset = 0
	}
	return url.Values{
		"limit":  []string{strconv.Itoa(limit)},
		"offset": []string{strconv.Itoa(offset)},
	}
}

// do performs one request and decodes the response envelope into out.
// endpoint is the route template used as the metrics label.
func (c *Client) do(ctx context.Context, method, path, endpoint string, query url.Values, body []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordLedgerAPIRequest(endpoint, 0, time.Since(start).Seconds())
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.RecordLedgerAPIRequest(endpoint, resp.StatusCode, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.parseErrorResponse(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := decodeEnvelope(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeEnvelope unwraps {"data": ...} when present and decodes the bare
// body otherwise.
func decodeEnvelope(raw []byte, out any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return json.Unmarshal(env.Data, out)
	}
	return json.Unmarshal(raw, out)
}

// parseErrorResponse builds an *APIError from an {"error": "..."} body,
// falling back to the HTTP status when the body carries no message.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
