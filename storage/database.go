package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Market metadata cache and execution audit
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db      *gorm.DB
	enabled bool
}

// MarketMeta caches what is needed to sell or redeem a market after restart
type MarketMeta struct {
	Slug        string `gorm:"primaryKey"`
	Asset       string `gorm:"index"`
	UpTokenID   string
	DownTokenID string
	ConditionID string
	NegRisk     bool
	StartTime   time.Time
	EndTime     time.Time `gorm:"index"`
	Redeemed    bool      `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (MarketMeta) TableName() string { return "market_meta" }

// OrderAttempt is one order sent to the venue
type OrderAttempt struct {
	ID        string `gorm:"primaryKey"`
	Slug      string `gorm:"index"`
	Asset     string
	Side      string
	Action    string // BUY, SELL
	OrderType string // FAK, FOK, GTC
	Stage     string // fak, chunk, sweep, delayed_sweep
	Attempt   int
	Contracts decimal.Decimal `gorm:"type:decimal(20,6)"`
	Price     decimal.Decimal `gorm:"type:decimal(10,6)"`
	Filled    decimal.Decimal `gorm:"type:decimal(20,6)"`
	USD       decimal.Decimal `gorm:"type:decimal(20,6)"`
	Success   bool
	OrderID   string
	Error     string
	DryRun    bool
	CreatedAt time.Time `gorm:"index"`
}

// Redemption is one redeem attempt
type Redemption struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Slug      string `gorm:"index"`
	Status    string
	Winner    string
	Payout    decimal.Decimal `gorm:"type:decimal(20,6)"`
	TxHash    string
	Reason    string
	CreatedAt time.Time
}

// RiskState persists the emergency stop across restarts
type RiskState struct {
	Date              string `gorm:"primaryKey"`
	ConsecutiveLosses int
	EmergencyStop     bool
	StopReason        string
	UpdatedAt         time.Time
}

// New opens the database. An empty dsn disables persistence.
func New(dsn string) (*Database, error) {
	if dsn == "" {
		log.Warn().Msg("DATABASE_URL not set, running without persistence")
		return &Database{enabled: false}, nil
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&MarketMeta{}, &OrderAttempt{}, &Redemption{}, &RiskState{}); err != nil {
		return nil, err
	}

	return &Database{db: db, enabled: true}, nil
}

// IsEnabled returns whether persistence is active
func (d *Database) IsEnabled() bool {
	return d != nil && d.enabled
}

// Close releases the connection
func (d *Database) Close() {
	if !d.IsEnabled() {
		return
	}
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET METADATA
// ═══════════════════════════════════════════════════════════════════════════════

// SaveMarket upserts token and condition ids for a market
func (d *Database) SaveMarket(m *types.Market) error {
	if !d.IsEnabled() {
		return nil
	}
	meta := MarketMeta{
		Slug:        m.Slug,
		Asset:       m.Asset,
		UpTokenID:   m.UpTokenID,
		DownTokenID: m.DownTokenID,
		ConditionID: m.ConditionID,
		NegRisk:     m.NegRisk,
		StartTime:   m.StartTime,
		EndTime:     m.EndTime,
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"up_token_id", "down_token_id", "condition_id", "neg_risk", "end_time", "updated_at"}),
	}).Create(&meta).Error
}

// GetMarket loads a cached market
func (d *Database) GetMarket(slug string) (*types.Market, bool) {
	if !d.IsEnabled() {
		return nil, false
	}
	var meta MarketMeta
	if err := d.db.First(&meta, "slug = ?", slug).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("slug", slug).Msg("Failed to load market metadata")
		}
		return nil, false
	}
	return meta.toMarket(), true
}

// UnredeemedMarkets returns cached markets that ended before cutoff and were never redeemed
func (d *Database) UnredeemedMarkets(cutoff time.Time) ([]*types.Market, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	var metas []MarketMeta
	err := d.db.Where("redeemed = ? AND end_time < ?", false, cutoff).
		Order("end_time ASC").
		Find(&metas).Error
	if err != nil {
		return nil, err
	}
	markets := make([]*types.Market, 0, len(metas))
	for i := range metas {
		markets = append(markets, metas[i].toMarket())
	}
	return markets, nil
}

// MarkRedeemed flags a market as settled
func (d *Database) MarkRedeemed(slug string) error {
	if !d.IsEnabled() {
		return nil
	}
	return d.db.Model(&MarketMeta{}).Where("slug = ?", slug).Update("redeemed", true).Error
}

func (m *MarketMeta) toMarket() *types.Market {
	return &types.Market{
		Slug:        m.Slug,
		Asset:       m.Asset,
		UpTokenID:   m.UpTokenID,
		DownTokenID: m.DownTokenID,
		ConditionID: m.ConditionID,
		NegRisk:     m.NegRisk,
		StartTime:   m.StartTime,
		EndTime:     m.EndTime,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUDIT
// ═══════════════════════════════════════════════════════════════════════════════

// SaveOrderAttempt records one venue order
func (d *Database) SaveOrderAttempt(a *OrderAttempt) error {
	if !d.IsEnabled() {
		return nil
	}
	return d.db.Create(a).Error
}

// OrderAttempts returns attempts for a market in insertion order
func (d *Database) OrderAttempts(slug string) ([]OrderAttempt, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	var attempts []OrderAttempt
	err := d.db.Where("slug = ?", slug).Order("created_at ASC").Find(&attempts).Error
	return attempts, err
}

// SaveRedemption records a redeem result
func (d *Database) SaveRedemption(r *Redemption) error {
	if !d.IsEnabled() {
		return nil
	}
	return d.db.Create(r).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK STATE
// ═══════════════════════════════════════════════════════════════════════════════

// SaveRiskState upserts today's risk state
func (d *Database) SaveRiskState(state *RiskState) error {
	if !d.IsEnabled() {
		return nil
	}
	return d.db.Save(state).Error
}

// GetRiskState loads the risk state for a date (YYYY-MM-DD)
func (d *Database) GetRiskState(date string) (*RiskState, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	var state RiskState
	if err := d.db.First(&state, "date = ?", date).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// INSPECTION
// ═══════════════════════════════════════════════════════════════════════════════

// Counts returns the row count of every table
func (d *Database) Counts() (map[string]int64, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	counts := make(map[string]int64)
	for name, model := range map[string]interface{}{
		"market_meta":    &MarketMeta{},
		"order_attempts": &OrderAttempt{},
		"redemptions":    &Redemption{},
		"risk_states":    &RiskState{},
	} {
		var n int64
		if err := d.db.Model(model).Count(&n).Error; err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, nil
}
