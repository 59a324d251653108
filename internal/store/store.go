// Package store provides crash-safe trade journal persistence using JSON files.
//
// Each executed round trip is stored as a separate file: trade_<id>.json.
// When enabled, the liquidity filter's learned blacklist is kept in
// blacklist.json so pairs that failed for lack of liquidity stay filtered
// across restarts.
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"galaswap-bot/internal/liquidity"
	"galaswap-bot/pkg/types"
)

const (
	tradePrefix   = "trade_"
	blacklistFile = "blacklist.json"
)

// Store persists trades to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing trade_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// fileID maps a trade id to a safe file name component.
func fileID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func (s *Store) writeAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// SaveTrade atomically persists a journal record. Saving the same id again
// replaces the previous record.
func (s *Store) SaveTrade(rec types.TradeRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("save trade: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(tradePrefix+fileID(rec.ID)+".json", rec)
}

// LoadTrade reads one record. Returns nil, nil if it does not exist.
func (s *Store) LoadTrade(id string) (*types.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, tradePrefix+fileID(id)+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trade: %w", err)
	}
	var rec types.TradeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal trade: %w", err)
	}
	return &rec, nil
}

// LoadTrades returns every journaled trade, oldest first. Unreadable files
// are skipped and reported in the returned count.
func (s *Store) LoadTrades() ([]types.TradeRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, tradePrefix+"*.json"))
	if err != nil {
		return nil, 0, fmt.Errorf("list trades: %w", err)
	}

	trades := make([]types.TradeRecord, 0, len(paths))
	skipped := 0
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			skipped++
			continue
		}
		var rec types.TradeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			skipped++
			continue
		}
		trades = append(trades, rec)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].StartedAt.Before(trades[j].StartedAt) })
	return trades, skipped, nil
}

// SaveBlacklist persists the filter's dynamic blacklist.
func (s *Store) SaveBlacklist(entries []liquidity.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries == nil {
		entries = []liquidity.Entry{}
	}
	return s.writeAtomic(blacklistFile, entries)
}

// LoadBlacklist restores the dynamic blacklist. Missing file means empty.
func (s *Store) LoadBlacklist() ([]liquidity.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, blacklistFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	var entries []liquidity.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal blacklist: %w", err)
	}
	return entries, nil
}
