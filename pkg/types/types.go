// Package types defines the GalaSwap vocabulary shared across all packages.
//
// Token keys, fee tiers, quotes, pools, swap payloads, transaction states and
// WebSocket event payloads live here. The package has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tokens

// TokenClassKey is GalaChain's composite 4-part asset identifier.
type TokenClassKey struct {
	Collection    string `json:"collection"`
	Category      string `json:"category"`
	Type          string `json:"type"`
	AdditionalKey string `json:"additionalKey"`
}

// ErrInvalidTokenKey is returned for malformed token identifiers.
var ErrInvalidTokenKey = errors.New("invalid token key")

// ParseTokenKey accepts "GALA|Unit|none|none", "GALA$Unit$none$none" or a
// bare symbol such as "GALA", which expands to "GALA|Unit|none|none".
// Parts are trimmed but keep their case: GalaChain collections such as
// "Token" are case-sensitive.
func ParseTokenKey(s string) (TokenClassKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TokenClassKey{}, fmt.Errorf("%w: empty", ErrInvalidTokenKey)
	}

	sep := ""
	switch {
	case strings.Contains(s, "|"):
		sep = "|"
	case strings.Contains(s, "$"):
		sep = "$"
	}
	if sep == "" {
		if !isSymbol(s) {
			return TokenClassKey{}, fmt.Errorf("%w: %q", ErrInvalidTokenKey, s)
		}
		return TokenClassKey{
			Collection:    s,
			Category:      "Unit",
			Type:          "none",
			AdditionalKey: "none",
		}, nil
	}

	parts := strings.Split(s, sep)
	if len(parts) != 4 {
		return TokenClassKey{}, fmt.Errorf("%w: %q has %d parts, want 4", ErrInvalidTokenKey, s, len(parts))
	}
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return TokenClassKey{}, fmt.Errorf("%w: %q has an empty part", ErrInvalidTokenKey, s)
		}
	}
	return TokenClassKey{
		Collection:    parts[0],
		Category:      parts[1],
		Type:          parts[2],
		AdditionalKey: parts[3],
	}, nil
}

// MustParseTokenKey is ParseTokenKey for compile-time constants.
func MustParseTokenKey(s string) TokenClassKey {
	k, err := ParseTokenKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func isSymbol(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// String returns the pipe-separated form the REST API expects.
func (k TokenClassKey) String() string {
	return k.Collection + "|" + k.Category + "|" + k.Type + "|" + k.AdditionalKey
}

// Symbol is the human-readable short name (the collection).
func (k TokenClassKey) Symbol() string { return k.Collection }

// IsZero reports whether k is unset.
func (k TokenClassKey) IsZero() bool { return k == TokenClassKey{} }

// FeeTier is a pool fee in hundredths of a basis point (500 = 0.05%).
type FeeTier int

const (
	Fee005 FeeTier = 500
	Fee030 FeeTier = 3000
	Fee100 FeeTier = 10000
)

// FeeTiers lists every tier GalaSwap V3 pools are deployed with.
var FeeTiers = []FeeTier{Fee005, Fee030, Fee100}

// Valid reports whether f is a known tier.
func (f FeeTier) Valid() bool {
	return f == Fee005 || f == Fee030 || f == Fee100
}

// Fraction returns the fee as a fraction of the input amount (3000 -> 0.003).
func (f FeeTier) Fraction() decimal.Decimal {
	return decimal.New(int64(f), -6)
}

// Quotes and pools

// Quote is an executable price for swapping AmountIn of TokenIn.
type Quote struct {
	TokenIn          TokenClassKey   `json:"tokenIn"`
	TokenOut         TokenClassKey   `json:"tokenOut"`
	Fee              FeeTier         `json:"fee"`
	AmountIn         decimal.Decimal `json:"amountIn"`
	AmountOut        decimal.Decimal `json:"amountOut"`
	CurrentSqrtPrice decimal.Decimal `json:"currentSqrtPrice"`
	NewSqrtPrice     decimal.Decimal `json:"newSqrtPrice"`
	FetchedAt        time.Time       `json:"fetchedAt"`
}

// Rate is AmountOut per unit of AmountIn.
func (q Quote) Rate() decimal.Decimal {
	if q.AmountIn.IsZero() {
		return decimal.Zero
	}
	return q.AmountOut.Div(q.AmountIn)
}

// PriceImpact is the relative pool price move caused by the swap,
// |1 - (new/current)^2|. Zero when the sqrt prices are unknown.
func (q Quote) PriceImpact() decimal.Decimal {
	if q.CurrentSqrtPrice.IsZero() || q.NewSqrtPrice.IsZero() {
		return decimal.Zero
	}
	r := q.NewSqrtPrice.Div(q.CurrentSqrtPrice)
	return decimal.NewFromInt(1).Sub(r.Mul(r)).Abs()
}

// QuoteResponse is the body of GET /v1/trade/quote.
type QuoteResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AmountIn         decimal.Decimal `json:"amountIn"`
		AmountOut        decimal.Decimal `json:"amountOut"`
		CurrentSqrtPrice decimal.Decimal `json:"currentSqrtPrice"`
		NewSqrtPrice     decimal.Decimal `json:"newSqrtPrice"`
		Fee              FeeTier         `json:"fee"`
	} `json:"data"`
}

// PriceResponse is the body of GET /v1/trade/price.
type PriceResponse struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    decimal.Decimal `json:"data"`
}

// TokenPrice is a token's USD spot price.
type TokenPrice struct {
	Token     TokenClassKey   `json:"token"`
	PriceUSD  decimal.Decimal `json:"priceUsd"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Pool is a V3 pool's current state.
type Pool struct {
	Token0    TokenClassKey   `json:"token0"`
	Token1    TokenClassKey   `json:"token1"`
	Fee       FeeTier         `json:"fee"`
	Liquidity decimal.Decimal `json:"liquidity"`
	SqrtPrice decimal.Decimal `json:"sqrtPrice"`
	Tick      int             `json:"tick"`
}

// PoolResponse is the body of GET /v1/trade/pool.
type PoolResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Token0    string          `json:"token0"`
		Token1    string          `json:"token1"`
		Fee       FeeTier         `json:"fee"`
		Liquidity decimal.Decimal `json:"liquidity"`
		SqrtPrice decimal.Decimal `json:"sqrtPrice"`
		Tick      int             `json:"tick"`
	} `json:"data"`
}

// Swaps

// SwapParams describes one exact-input swap.
type SwapParams struct {
	TokenIn          TokenClassKey
	TokenOut         TokenClassKey
	Fee              FeeTier
	AmountIn         decimal.Decimal
	AmountOutMinimum decimal.Decimal
}

// Validate checks the parameters before anything is sent.
func (p SwapParams) Validate() error {
	switch {
	case p.TokenIn.IsZero() || p.TokenOut.IsZero():
		return errors.New("token in and token out are required")
	case p.TokenIn == p.TokenOut:
		return errors.New("token in and token out must differ")
	case !p.Fee.Valid():
		return fmt.Errorf("unsupported fee tier %d", p.Fee)
	case !p.AmountIn.IsPositive():
		return fmt.Errorf("amount in must be positive, got %s", p.AmountIn)
	case p.AmountOutMinimum.IsNegative():
		return fmt.Errorf("minimum amount out must not be negative, got %s", p.AmountOutMinimum)
	}
	return nil
}

// SwapRequest is the body of POST /v1/trade/swap, which returns the
// unsigned payload to submit as a bundle.
type SwapRequest struct {
	TokenIn          TokenClassKey `json:"tokenIn"`
	TokenOut         TokenClassKey `json:"tokenOut"`
	AmountIn         string        `json:"amountIn"`
	Fee              FeeTier       `json:"fee"`
	AmountOutMinimum string        `json:"amountOutMinimum"`
	User             string        `json:"user"`
}

// SwapPayloadResponse carries the payload to sign.
type SwapPayloadResponse struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// BundleRequest is the body of POST /v1/trade/bundle.
type BundleRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Type      string          `json:"type"`
	Signature string          `json:"signature"`
	User      string          `json:"user"`
}

// BundleResponse returns the transaction id of an accepted bundle.
type BundleResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// SwapResult is what Swap hands back once the bundle is accepted.
type SwapResult struct {
	TransactionID string          `json:"transactionId"`
	TokenIn       TokenClassKey   `json:"tokenIn"`
	TokenOut      TokenClassKey   `json:"tokenOut"`
	AmountIn      decimal.Decimal `json:"amountIn"`
	MinAmountOut  decimal.Decimal `json:"minAmountOut"`
	DryRun        bool            `json:"dryRun"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// Transactions

// TxStatus is the processing state of a submitted bundle.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxProcessed TxStatus = "PROCESSED"
	TxFailed    TxStatus = "FAILED"
	TxUnknown   TxStatus = "UNKNOWN"
)

// ParseTxStatus normalises the status strings the backend and the event feed use.
func ParseTxStatus(s string) TxStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "PROCESSING", "SUBMITTED":
		return TxPending
	case "PROCESSED", "CONFIRMED", "SUCCESS":
		return TxProcessed
	case "FAILED", "REJECTED", "EXPIRED":
		return TxFailed
	default:
		return TxUnknown
	}
}

// Terminal reports whether no further status change will happen.
func (s TxStatus) Terminal() bool {
	return s == TxProcessed || s == TxFailed
}

// TransactionStatusResponse is the body of GET /v1/trade/transaction-status.
type TransactionStatusResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID     string `json:"id"`
		Method string `json:"method"`
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"data"`
}

// TxState is a transaction's latest known status.
type TxState struct {
	ID        string    `json:"id"`
	Status    TxStatus  `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Balances

// TokenBalance is one wallet holding.
type TokenBalance struct {
	Symbol   string          `json:"symbol"`
	Name     string          `json:"name"`
	Decimals int             `json:"decimals"`
	Quantity decimal.Decimal `json:"quantity"`
}

// AssetsResponse is the body of GET /user/assets.
type AssetsResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Token []TokenBalance `json:"token"`
		Count int            `json:"count"`
	} `json:"data"`
}

// WebSocket events

// WSTxEvent is a transaction update pushed by the bundle event socket.
type WSTxEvent struct {
	Type string `json:"type"`
	Data struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
		Error         string `json:"error"`
	} `json:"data"`
}

// WSSubscribeMsg subscribes to updates for the given transaction ids.
type WSSubscribeMsg struct {
	Operation      string   `json:"operation"` // "subscribe" or "unsubscribe"
	TransactionIDs []string `json:"transactionIds"`
}

// Trades

// TradeLeg is one swap of a round trip.
type TradeLeg struct {
	TokenIn       string          `json:"tokenIn"`
	TokenOut      string          `json:"tokenOut"`
	Fee           FeeTier         `json:"fee"`
	AmountIn      decimal.Decimal `json:"amountIn"`
	QuotedOut     decimal.Decimal `json:"quotedOut"`
	MinAmountOut  decimal.Decimal `json:"minAmountOut"`
	TransactionID string          `json:"transactionId,omitempty"`
	Status        TxStatus        `json:"status"`
}

// TradeStatus is the outcome of a round trip.
type TradeStatus string

const (
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
	TradeSimulated TradeStatus = "simulated"
)

// TradeRecord is the journal entry written for every executed opportunity.
type TradeRecord struct {
	ID          string          `json:"id"`
	Pair        string          `json:"pair"`
	Legs        []TradeLeg      `json:"legs"`
	StartAmount decimal.Decimal `json:"startAmount"`
	EndAmount   decimal.Decimal `json:"endAmount"`
	ProfitUSD   float64         `json:"profitUsd"`
	GasUSD      float64         `json:"gasUsd"`
	BidStrategy string          `json:"bidStrategy"`
	Status      TradeStatus     `json:"status"`
	DryRun      bool            `json:"dryRun"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
}

// NetUSD is the realised result after gas.
func (t TradeRecord) NetUSD() float64 { return t.ProfitUSD - t.GasUSD }
