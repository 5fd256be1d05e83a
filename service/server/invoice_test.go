package server

import (
	"encoding/base64"
	"image/png"
	"net/url"
	"strings"
	"testing"

	"github.com/brojonat/hydraico/service/sale"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransferRequest(t *testing.T) {
	cfg := testConfig().Sale
	quote := sale.Quote{
		PaymentAmount: decimal.RequireFromString("12.5"),
		TokenAmount:   decimal.NewFromInt(12500),
		Currency:      "USDT",
	}

	req := newTransferRequest(cfg, quote)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, MemoPrefix+req.ID, req.Memo)
	assert.Equal(t, cfg.Treasury.String(), req.Recipient)
	assert.Equal(t, cfg.PaymentMint.String(), req.SPLToken)
	assert.True(t, req.Amount.Equal(quote.PaymentAmount))
	assert.False(t, req.CreatedAt.IsZero())

	other := newTransferRequest(cfg, quote)
	assert.NotEqual(t, req.ID, other.ID, "each request gets a fresh ID")
}

func TestBuildSolanaPayURL(t *testing.T) {
	raw := buildSolanaPayURL(testPayer, decimal.RequireFromString("0.10"), "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", "hydraico:abc", "100 tokens")

	require.True(t, strings.HasPrefix(raw, "solana:"+testPayer+"?"))

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "solana", parsed.Scheme)
	assert.Equal(t, testPayer, parsed.Opaque)
	params := parsed.Query()

	assert.Equal(t, "0.1", params.Get("amount"))
	assert.Equal(t, "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", params.Get("spl-token"))
	assert.Equal(t, "hydraico:abc", params.Get("memo"))
	assert.Equal(t, "HydraICO Token Sale", params.Get("label"))
	assert.Equal(t, "100 tokens", params.Get("message"))
}

func TestGenerateQRCode(t *testing.T) {
	data, err := generateQRCode("solana:" + testPayer + "?amount=1")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)

	img, err := png.Decode(strings.NewReader(string(raw)))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
}
