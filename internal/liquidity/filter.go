// Package liquidity keeps quote requests away from pairs that are known to
// have no usable pool depth.
//
// A pair is directional ("A→B" and "B→A" are different keys) and is keyed on
// canonical 4-part token keys. Three disjoint sets are consulted in order:
// the whitelist (never filtered), the static blacklist and the dynamic
// blacklist learned from "insufficient liquidity" responses. Dynamic entries
// live until ResetDynamicBlacklist.
package liquidity

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"galaswap-bot/internal/config"
	"galaswap-bot/pkg/types"
)

// Arrow separates tokens in a pair key.
const Arrow = "→"

// defaultBlacklist holds pairs whose pools are too thin to quote reliably.
var defaultBlacklist = [][2]string{
	{"SILK", "GWBTC"},
	{"GWBTC", "SILK"},
	{"SILK", "GWETH"},
	{"GWETH", "SILK"},
	{"GMEW", "GWBTC"},
	{"GWBTC", "GMEW"},
}

// defaultWhitelist holds the deep GALA pools.
var defaultWhitelist = [][2]string{
	{"GALA", "GUSDC"},
	{"GUSDC", "GALA"},
	{"GALA", "GUSDT"},
	{"GUSDT", "GALA"},
	{"GALA", "GWETH"},
	{"GWETH", "GALA"},
}

// Statistics counts filtering decisions since start.
type Statistics struct {
	TotalChecked         int `json:"totalChecked"`
	TotalFiltered        int `json:"totalFiltered"`
	BlacklistHits        int `json:"blacklistHits"`
	DynamicBlacklistHits int `json:"dynamicBlacklistHits"`
	WhitelistOverrides   int `json:"whitelistOverrides"`
	StaticBlacklistSize  int `json:"staticBlacklistSize"`
	DynamicBlacklistSize int `json:"dynamicBlacklistSize"`
	WhitelistSize        int `json:"whitelistSize"`
}

// Entry is one dynamically blacklisted pair.
type Entry struct {
	Pair    string    `json:"pair"`
	Reason  string    `json:"reason"`
	AddedAt time.Time `json:"addedAt"`
}

// Pair is a directional token pair.
type Pair struct {
	TokenIn  types.TokenClassKey `json:"tokenIn"`
	TokenOut types.TokenClassKey `json:"tokenOut"`
}

func (p Pair) String() string { return PairKey(p.TokenIn, p.TokenOut) }

// PairKey returns the canonical directional key for in→out.
func PairKey(in, out types.TokenClassKey) string {
	return in.String() + Arrow + out.String()
}

// Filter is the pair pre-flight filter. Safe for concurrent use.
type Filter struct {
	cfg    config.LiquidityFilterConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	static    map[string]struct{}
	whitelist map[string]struct{}
	dynamic   map[string]Entry
	stats     Statistics
}

// New builds a filter from the built-in lists plus cfg's extra entries.
func New(cfg config.LiquidityFilterConfig, logger *slog.Logger) (*Filter, error) {
	f := &Filter{
		cfg:       cfg,
		logger:    logger.With("component", "liquidity"),
		now:       time.Now,
		static:    make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		dynamic:   make(map[string]Entry),
	}
	for _, p := range defaultBlacklist {
		f.static[mustKey(p[0], p[1])] = struct{}{}
	}
	for _, p := range defaultWhitelist {
		f.whitelist[mustKey(p[0], p[1])] = struct{}{}
	}

	for _, s := range cfg.Blacklist {
		key, err := parseConfigPair(s)
		if err != nil {
			return nil, fmt.Errorf("liquidity_filter.blacklist: %w", err)
		}
		f.static[key] = struct{}{}
	}
	for _, s := range cfg.Whitelist {
		key, err := parseConfigPair(s)
		if err != nil {
			return nil, fmt.Errorf("liquidity_filter.whitelist: %w", err)
		}
		f.whitelist[key] = struct{}{}
	}
	return f, nil
}

func mustKey(in, out string) string {
	return PairKey(types.MustParseTokenKey(in), types.MustParseTokenKey(out))
}

// parseConfigPair accepts "IN/OUT" where each side is any form ParseTokenKey takes.
func parseConfigPair(s string) (string, error) {
	in, out, ok := strings.Cut(s, "/")
	if !ok {
		return "", fmt.Errorf("pair %q: want IN/OUT", s)
	}
	key, err := normalize(in, out)
	if err != nil {
		return "", fmt.Errorf("pair %q: %w", s, err)
	}
	return key, nil
}

func normalize(tokenIn, tokenOut string) (string, error) {
	in, err := types.ParseTokenKey(tokenIn)
	if err != nil {
		return "", err
	}
	out, err := types.ParseTokenKey(tokenOut)
	if err != nil {
		return "", err
	}
	return PairKey(in, out), nil
}

// Enabled reports whether filtering is switched on.
func (f *Filter) Enabled() bool { return f.cfg.EnableFiltering }

// LearnsFromErrors reports whether callers should feed insufficient-liquidity
// responses into AddToBlacklist.
func (f *Filter) LearnsFromErrors() bool { return f.cfg.UpdateBlacklistFromErrors }

// ShouldFilterPair reports whether a quote for tokenIn→tokenOut should be
// skipped. Tokens that fail to parse are never filtered here; the request
// validation rejects them.
func (f *Filter) ShouldFilterPair(tokenIn, tokenOut string) bool {
	if !f.cfg.EnableFiltering {
		return false
	}
	key, err := normalize(tokenIn, tokenOut)
	if err != nil {
		return false
	}
	return f.check(key)
}

// ShouldFilter is ShouldFilterPair for parsed keys.
func (f *Filter) ShouldFilter(in, out types.TokenClassKey) bool {
	if !f.cfg.EnableFiltering {
		return false
	}
	return f.check(PairKey(in, out))
}

func (f *Filter) check(key string) bool {
	f.mu.Lock()
	f.stats.TotalChecked++

	if _, ok := f.whitelist[key]; ok {
		_, static := f.static[key]
		_, dynamic := f.dynamic[key]
		if static || dynamic {
			f.stats.WhitelistOverrides++
		}
		f.mu.Unlock()
		return false
	}

	reason := ""
	if _, ok := f.static[key]; ok {
		f.stats.BlacklistHits++
		reason = "static blacklist"
	} else if e, ok := f.dynamic[key]; ok {
		f.stats.DynamicBlacklistHits++
		reason = e.Reason
	}
	if reason != "" {
		f.stats.TotalFiltered++
	}
	f.mu.Unlock()

	if reason == "" {
		return false
	}
	if f.cfg.LogFilteredPairs {
		f.logger.Info("pair filtered", "pair", key, "reason", reason)
	}
	return true
}

// AddToBlacklist records tokenIn→tokenOut as illiquid. It returns false when
// the pair is whitelisted, already known or malformed. Repeated calls have
// the same effect as one.
func (f *Filter) AddToBlacklist(tokenIn, tokenOut, reason string) bool {
	key, err := normalize(tokenIn, tokenOut)
	if err != nil {
		f.logger.Warn("blacklist add rejected", "error", err)
		return false
	}

	f.mu.Lock()
	if _, ok := f.whitelist[key]; ok {
		f.mu.Unlock()
		f.logger.Debug("whitelisted pair not blacklisted", "pair", key, "reason", reason)
		return false
	}
	if _, ok := f.static[key]; ok {
		f.mu.Unlock()
		return false
	}
	if _, ok := f.dynamic[key]; ok {
		f.mu.Unlock()
		return false
	}
	f.dynamic[key] = Entry{Pair: key, Reason: reason, AddedAt: f.now()}
	f.mu.Unlock()

	f.logger.Warn("pair blacklisted", "pair", key, "reason", reason)
	return true
}

// LiquidPairs enumerates every unordered pair of tokens and returns the
// directions that pass the filter. A→B and B→A are checked independently.
func (f *Filter) LiquidPairs(tokens []string) []Pair {
	keys := make([]types.TokenClassKey, 0, len(tokens))
	seen := make(map[types.TokenClassKey]bool, len(tokens))
	for _, t := range tokens {
		k, err := types.ParseTokenKey(t)
		if err != nil || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}

	var out []Pair
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			a, b := keys[i], keys[j]
			if !f.ShouldFilter(a, b) {
				out = append(out, Pair{TokenIn: a, TokenOut: b})
			}
			if !f.ShouldFilter(b, a) {
				out = append(out, Pair{TokenIn: b, TokenOut: a})
			}
		}
	}
	return out
}

// Statistics returns the decision counters and list sizes.
func (f *Filter) Statistics() Statistics {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := f.stats
	s.StaticBlacklistSize = len(f.static)
	s.DynamicBlacklistSize = len(f.dynamic)
	s.WhitelistSize = len(f.whitelist)
	return s
}

// DynamicBlacklist lists runtime-learned entries, oldest first.
func (f *Filter) DynamicBlacklist() []Entry {
	f.mu.RLock()
	out := make([]Entry, 0, len(f.dynamic))
	for _, e := range f.dynamic {
		out = append(out, e)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].Pair < out[j].Pair
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// ResetDynamicBlacklist forgets learned entries. The static list and the
// whitelist are untouched.
func (f *Filter) ResetDynamicBlacklist() int {
	f.mu.Lock()
	n := len(f.dynamic)
	f.dynamic = make(map[string]Entry)
	f.mu.Unlock()

	f.logger.Info("dynamic blacklist reset", "removed", n)
	return n
}

// RestoreDynamic re-adds previously learned entries, keeping their reason
// and time. Entries for whitelisted, statically listed or malformed pairs
// are dropped. It returns how many entries were restored.
func (f *Filter) RestoreDynamic(entries []Entry) int {
	n := 0
	f.mu.Lock()
	for _, e := range entries {
		in, out, ok := strings.Cut(e.Pair, Arrow)
		if !ok {
			continue
		}
		key, err := normalize(in, out)
		if err != nil {
			continue
		}
		if _, ok := f.whitelist[key]; ok {
			continue
		}
		if _, ok := f.static[key]; ok {
			continue
		}
		if _, ok := f.dynamic[key]; ok {
			continue
		}
		e.Pair = key
		f.dynamic[key] = e
		n++
	}
	f.mu.Unlock()

	if n > 0 {
		f.logger.Info("dynamic blacklist restored", "entries", n)
	}
	return n
}
