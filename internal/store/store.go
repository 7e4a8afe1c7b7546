// Package store provides crash-safe persistence for risk state using JSON
// files.
//
// Open positions and the risk ledger (capital, equity peak, daily pnl) are
// stored as separate files. Writes use atomic file replacement (write to
// .tmp, then rename) to prevent corruption from partial writes or crashes
// mid-save. The engine saves after every position change and loads on
// startup so restarts do not forget exposure.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flashpump/pkg/types"
)

const (
	positionsFile = "positions.json"
	ledgerFile    = "risk_ledger.json"
)

// RiskLedger is the persisted risk accounting state.
type RiskLedger struct {
	Capital    decimal.Decimal `json:"capital"`
	EquityPeak decimal.Decimal `json:"equity_peak"`
	DailyPnL   decimal.Decimal `json:"daily_pnl"`
	Day        string          `json:"day"` // UTC date the daily pnl belongs to
	SavedAt    time.Time       `json:"saved_at"`
}

// Store persists risk state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
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

// SavePositions atomically persists the full open-position set.
func (s *Store) SavePositions(positions map[string]types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(positionsFile, positions)
}

// LoadPositions restores the open-position set from disk.
// Returns an empty map when no saved state exists (fresh start).
func (s *Store) LoadPositions() (map[string]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make(map[string]types.Position)
	if err := s.readJSON(positionsFile, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// SaveLedger atomically persists the risk accounting state.
func (s *Store) SaveLedger(ledger RiskLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger.SavedAt = time.Now().UTC()
	return s.writeAtomic(ledgerFile, ledger)
}

// LoadLedger restores the risk ledger. Returns nil, nil when no saved
// ledger exists.
func (s *Store) LoadLedger() (*RiskLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ledger RiskLedger
	path := filepath.Join(s.dir, ledgerFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}
	return &ledger, nil
}

// writeAtomic writes to a .tmp file first, then renames over the target so
// the file is never left in a partial state. Caller holds mu.
func (s *Store) writeAtomic(name string, v any) error {
	data, err := json.Marshal(v)
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

// readJSON unmarshals a file into v, leaving v untouched when the file does
// not exist. Caller holds mu.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}
