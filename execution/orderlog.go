package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/chain"
	"github.com/web3guy0/polyexec/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER AUDIT LOG
// ═══════════════════════════════════════════════════════════════════════════════
//
// orders.jsonl  - one JSON line per order attempt
// redeem.log    - one pipe-separated line per redeem attempt
// database      - same rows mirrored into order_attempts / redemptions
//
// ═══════════════════════════════════════════════════════════════════════════════

// AuditStore receives audit rows. *storage.Database implements it.
type AuditStore interface {
	SaveOrderAttempt(a *storage.OrderAttempt) error
	SaveRedemption(r *storage.Redemption) error
}

type orderLine struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Slug      string          `json:"slug"`
	Asset     string          `json:"asset"`
	Side      string          `json:"side"`
	Action    string          `json:"action"`
	OrderType string          `json:"order_type"`
	Stage     string          `json:"stage"`
	Attempt   int             `json:"attempt"`
	Contracts decimal.Decimal `json:"contracts"`
	Price     decimal.Decimal `json:"price"`
	Filled    decimal.Decimal `json:"filled"`
	USD       decimal.Decimal `json:"usd"`
	Success   bool            `json:"success"`
	OrderID   string          `json:"order_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	DryRun    bool            `json:"dry_run"`
}

// OrderLog writes the order and redeem audit trail
type OrderLog struct {
	mu     sync.Mutex
	orders *os.File
	redeem *os.File
	store  AuditStore
}

// NewOrderLog opens (appending) orders.jsonl and redeem.log under dir.
// store may be nil.
func NewOrderLog(dir string, store AuditStore) (*OrderLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	orders, err := os.OpenFile(filepath.Join(dir, "orders.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open order log: %w", err)
	}
	redeem, err := os.OpenFile(filepath.Join(dir, "redeem.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		orders.Close()
		return nil, fmt.Errorf("open redeem log: %w", err)
	}

	return &OrderLog{orders: orders, redeem: redeem, store: store}, nil
}

// RecordAttempt appends one order attempt
func (l *OrderLog) RecordAttempt(a *storage.OrderAttempt) {
	if l == nil {
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	line := orderLine{
		ID:        a.ID,
		Timestamp: a.CreatedAt,
		Slug:      a.Slug,
		Asset:     a.Asset,
		Side:      a.Side,
		Action:    a.Action,
		OrderType: a.OrderType,
		Stage:     a.Stage,
		Attempt:   a.Attempt,
		Contracts: a.Contracts,
		Price:     a.Price,
		Filled:    a.Filled,
		USD:       a.USD,
		Success:   a.Success,
		OrderID:   a.OrderID,
		Error:     a.Error,
		DryRun:    a.DryRun,
	}

	data, err := json.Marshal(line)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode order attempt")
		return
	}

	l.mu.Lock()
	if _, err := l.orders.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Msg("Failed to write order log")
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveOrderAttempt(a); err != nil {
			log.Debug().Err(err).Msg("Failed to save order attempt")
		}
	}
}

// RecordRedeem appends one redeem outcome
func (l *OrderLog) RecordRedeem(res *chain.RedeemResult, redeemErr error) {
	if l == nil || res == nil {
		return
	}

	status := "SUCCESS"
	reason := res.Reason
	if redeemErr != nil || !res.Success {
		status = "FAILED"
		if reason == "" && redeemErr != nil {
			reason = redeemErr.Error()
		}
	}
	txHash := res.TxHash
	if txHash == "" {
		txHash = "-"
	}

	now := time.Now()
	line := fmt.Sprintf("%s | %s | %s | $%s | %s | %s\n",
		now.UTC().Format(time.RFC3339), res.Slug, status, res.Payout.StringFixed(2), txHash, reason)

	l.mu.Lock()
	if _, err := l.redeem.WriteString(line); err != nil {
		log.Error().Err(err).Msg("Failed to write redeem log")
	}
	l.mu.Unlock()

	if l.store != nil {
		row := &storage.Redemption{
			Slug:      res.Slug,
			Status:    status,
			Winner:    string(res.Winner),
			Payout:    res.Payout,
			TxHash:    res.TxHash,
			Reason:    reason,
			CreatedAt: now,
		}
		if err := l.store.SaveRedemption(row); err != nil {
			log.Debug().Err(err).Msg("Failed to save redemption")
		}
	}
}

// Close flushes and closes the files
func (l *OrderLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	err1 := l.orders.Close()
	err2 := l.redeem.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
