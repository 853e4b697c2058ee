package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE LOG - Append-only JSONL journal of closed markets
// ═══════════════════════════════════════════════════════════════════════════════
//
// Resolution closes write one final record.
// Early exits write a provisional record (estimated from bids) and at most one
// correction keyed by slug once real sell proceeds are known.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrAlreadyCorrected is returned for a second correction of the same slug
var ErrAlreadyCorrected = errors.New("trade already corrected")

// RecordKind tags each journal line
type RecordKind string

const (
	KindFinal       RecordKind = "final"
	KindProvisional RecordKind = "provisional"
	KindCorrection  RecordKind = "correction"
)

// Exit types
const (
	ExitResolution = "resolution"
	ExitEarly      = "early_exit"
)

// TradeEntry is one journal line
type TradeEntry struct {
	Kind       RecordKind `json:"kind"`
	Slug       string     `json:"market_slug"`
	Asset      string     `json:"asset"`
	Winner     types.Side `json:"winner"`
	ExitType   string     `json:"exit_type"`
	ExitReason string     `json:"exit_reason,omitempty"`

	ExitPrice decimal.Decimal `json:"exit_price"`
	PnL       decimal.Decimal `json:"pnl"`
	ROIPct    decimal.Decimal `json:"roi_pct"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Payout    decimal.Decimal `json:"payout"`

	EstimatedPnL    decimal.Decimal `json:"estimated_pnl"`
	EstimatedPayout decimal.Decimal `json:"estimated_payout"`

	UpInvested   decimal.Decimal `json:"up_invested"`
	DownInvested decimal.Decimal `json:"down_invested"`
	UpShares     decimal.Decimal `json:"up_shares"`
	DownShares   decimal.Decimal `json:"down_shares"`
	TotalEntries int             `json:"total_entries"`

	// contracts still held after the exit sell, left for redemption
	Residue decimal.Decimal `json:"residue"`

	Duration  float64   `json:"duration"`
	CloseTime time.Time `json:"close_time"`
}

// Corrected reports whether real proceeds replaced the estimate
func (t *TradeEntry) Corrected() bool {
	return t.Kind == KindCorrection
}

// TradeLogPath is {logDir}/{strategy}/trades.jsonl
func TradeLogPath(logDir, strategy string) string {
	return filepath.Join(logDir, strategy, "trades.jsonl")
}

// TradeLog is the on-disk journal
type TradeLog struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	corrected map[string]bool
}

// OpenTradeLog opens path for appending, creating directories as needed
func OpenTradeLog(path string) (*TradeLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create trade log dir: %w", err)
	}

	l := &TradeLog{path: path, corrected: make(map[string]bool)}

	entries, _, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Corrected() {
			l.corrected[e.Slug] = true
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	l.file = f
	return l, nil
}

// Path returns the journal location
func (l *TradeLog) Path() string {
	return l.path
}

// Append writes a final or provisional record and syncs it to disk
func (l *TradeLog) Append(rec *TradeEntry) error {
	if rec.Kind == "" {
		rec.Kind = KindFinal
	}
	if rec.Kind == KindCorrection {
		return errors.New("use Correct for corrections")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(rec)
}

// Correct writes the single correction for rec.Slug
func (l *TradeLog) Correct(rec *TradeEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.corrected[rec.Slug] {
		return fmt.Errorf("%w: %s", ErrAlreadyCorrected, rec.Slug)
	}
	rec.Kind = KindCorrection
	if err := l.write(rec); err != nil {
		return err
	}
	l.corrected[rec.Slug] = true
	return nil
}

func (l *TradeLog) write(rec *TradeEntry) error {
	if rec.Slug == "" {
		return errors.New("trade record without slug")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write trade log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync trade log: %w", err)
	}
	return nil
}

// ReadAll replays the journal. Corrections are folded over their provisional
// record, so each slug appears once. Corrupt lines are skipped and counted.
func (l *TradeLog) ReadAll() ([]TradeEntry, int, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	var out []TradeEntry
	index := make(map[string]int)
	corrupt := 0
	lineNum := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNum++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec TradeEntry
		if err := json.Unmarshal(line, &rec); err != nil || rec.Slug == "" {
			corrupt++
			log.Warn().Int("line", lineNum).Str("file", l.path).Msg("⚠️ Skipping corrupt trade line")
			continue
		}
		if rec.Kind == "" {
			rec.Kind = KindFinal
		}

		if rec.Kind == KindCorrection {
			if i, ok := index[rec.Slug]; ok {
				out[i] = rec
				continue
			}
		}
		index[rec.Slug] = len(out)
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, corrupt, fmt.Errorf("read trade log: %w", err)
	}
	return out, corrupt, nil
}

// Close closes the journal file
func (l *TradeLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
