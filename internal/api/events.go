package api

import (
	"time"

	"galaswap-bot/pkg/types"
)

// Event types streamed over /ws.
const (
	EventSnapshot    = "snapshot"
	EventOpportunity = "opportunity"
	EventTrade       = "trade"
	EventKill        = "kill"
	EventBreaker     = "breaker"
	EventBlacklist   = "blacklist"
)

// DashboardEvent is the wrapper for all events sent to the dashboard
type DashboardEvent struct {
	Type      string    `json:"type"`           // one of the Event* constants
	Timestamp time.Time `json:"timestamp"`      // Event time
	Pair      string    `json:"pair,omitempty"` // Route or token pair (empty for global events)
	Data      any       `json:"data"`           // Event-specific payload
}

// OpportunityEvent is emitted when the scanner finds an executable round trip
type OpportunityEvent struct {
	ID          string  `json:"id"`
	ProfitUSD   float64 `json:"profit_usd"`
	GasUSD      float64 `json:"gas_usd"`
	NetUSD      float64 `json:"net_usd"`
	BidStrategy string  `json:"bid_strategy"`
	Reasoning   string  `json:"reasoning"`
}

// TradeEvent summarises a finished round trip
type TradeEvent struct {
	ID          string            `json:"id"`
	Status      types.TradeStatus `json:"status"`
	DryRun      bool              `json:"dry_run"`
	StartAmount string            `json:"start_amount"`
	EndAmount   string            `json:"end_amount"`
	ProfitUSD   float64           `json:"profit_usd"`
	GasUSD      float64           `json:"gas_usd"`
	NetUSD      float64           `json:"net_usd"`
	Legs        int               `json:"legs"`
	Error       string            `json:"error,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

// KillEvent is emitted when kill switch activates
type KillEvent struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"` // Cooldown expiry
}

// BreakerEvent is emitted on every circuit state transition
type BreakerEvent struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// BlacklistEvent is emitted when the dynamic blacklist changes
type BlacklistEvent struct {
	Action  string `json:"action"` // "added" or "reset"
	Entries int    `json:"entries"`
}

// NewOpportunityEvent creates an opportunity event
func NewOpportunityEvent(id string, profitUSD, gasUSD float64, strategy, reasoning string) OpportunityEvent {
	return OpportunityEvent{
		ID:          id,
		ProfitUSD:   profitUSD,
		GasUSD:      gasUSD,
		NetUSD:      profitUSD - gasUSD,
		BidStrategy: strategy,
		Reasoning:   reasoning,
	}
}

// NewTradeEvent creates a trade event from a journal record
func NewTradeEvent(rec types.TradeRecord) TradeEvent {
	return TradeEvent{
		ID:          rec.ID,
		Status:      rec.Status,
		DryRun:      rec.DryRun,
		StartAmount: rec.StartAmount.String(),
		EndAmount:   rec.EndAmount.String(),
		ProfitUSD:   rec.ProfitUSD,
		GasUSD:      rec.GasUSD,
		NetUSD:      rec.NetUSD(),
		Legs:        len(rec.Legs),
		Error:       rec.Error,
		DurationMs:  rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
	}
}

// NewKillEvent creates a kill switch event
func NewKillEvent(reason string, until time.Time) KillEvent {
	return KillEvent{Reason: reason, Until: until}
}

// NewBreakerEvent creates a circuit transition event
func NewBreakerEvent(name, from, to string) BreakerEvent {
	return BreakerEvent{Name: name, From: from, To: to}
}
