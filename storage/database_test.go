package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyexec/storage"
	"github.com/web3guy0/polyexec/types"
)

func openTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "polyexec.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func testMarket(slug string, end time.Time) *types.Market {
	return &types.Market{
		Slug:        slug,
		Asset:       "btc",
		UpTokenID:   "111",
		DownTokenID: "222",
		ConditionID: "0xcond",
		NegRisk:     true,
		StartTime:   end.Add(-15 * time.Minute),
		EndTime:     end,
	}
}

func TestDatabase_Disabled(t *testing.T) {
	db, err := storage.New("")
	require.NoError(t, err)

	assert.False(t, db.IsEnabled())
	assert.NoError(t, db.SaveMarket(testMarket("btc-updown-15m-900", time.Now())))
	_, ok := db.GetMarket("btc-updown-15m-900")
	assert.False(t, ok)
}

func TestDatabase_MarketSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	end := time.Now().UTC().Truncate(time.Second)

	db, err := storage.New(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveMarket(testMarket("btc-updown-15m-1800", end)))
	db.Close()

	db, err = storage.New(path)
	require.NoError(t, err)
	defer db.Close()

	m, ok := db.GetMarket("btc-updown-15m-1800")
	require.True(t, ok)
	assert.Equal(t, "111", m.UpTokenID)
	assert.Equal(t, "222", m.DownTokenID)
	assert.Equal(t, "0xcond", m.ConditionID)
	assert.True(t, m.NegRisk)
	assert.True(t, m.EndTime.Equal(end))
}

func TestDatabase_SaveMarketUpserts(t *testing.T) {
	db := openTestDB(t)
	m := testMarket("eth-updown-15m-900", time.Now())

	require.NoError(t, db.SaveMarket(m))
	m.UpTokenID = "333"
	require.NoError(t, db.SaveMarket(m))

	got, ok := db.GetMarket(m.Slug)
	require.True(t, ok)
	assert.Equal(t, "333", got.UpTokenID)
}

func TestDatabase_UnredeemedMarkets(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	require.NoError(t, db.SaveMarket(testMarket("old-a", now.Add(-2*time.Hour))))
	require.NoError(t, db.SaveMarket(testMarket("old-b", now.Add(-time.Hour))))
	require.NoError(t, db.SaveMarket(testMarket("live", now.Add(10*time.Minute))))
	require.NoError(t, db.MarkRedeemed("old-a"))

	markets, err := db.UnredeemedMarkets(now)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "old-b", markets[0].Slug)
}

func TestDatabase_OrderAttempts(t *testing.T) {
	db := openTestDB(t)

	for i := 1; i <= 2; i++ {
		require.NoError(t, db.SaveOrderAttempt(&storage.OrderAttempt{
			ID:        "a" + string(rune('0'+i)),
			Slug:      "sol-updown-15m-900",
			Action:    "BUY",
			OrderType: "FAK",
			Attempt:   i,
			Contracts: decimal.NewFromInt(10),
			Filled:    decimal.NewFromInt(5),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	attempts, err := db.OrderAttempts("sol-updown-15m-900")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.True(t, attempts[1].Filled.Equal(decimal.NewFromInt(5)))
}

func TestDatabase_RiskState(t *testing.T) {
	db := openTestDB(t)

	state, err := db.GetRiskState("2026-01-02")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, db.SaveRiskState(&storage.RiskState{Date: "2026-01-02", EmergencyStop: true, StopReason: "losses"}))
	state, err = db.GetRiskState("2026-01-02")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.EmergencyStop)
}

func TestDatabase_Counts(t *testing.T) {
	db := openTestDB(t)
	end := time.Now().Add(-time.Hour)
	require.NoError(t, db.SaveMarket(testMarket("btc-updown-15m-1", end)))
	require.NoError(t, db.SaveMarket(testMarket("btc-updown-15m-2", end)))
	require.NoError(t, db.SaveRedemption(&storage.Redemption{Slug: "btc-updown-15m-1", Status: "SUCCESS", Payout: decimal.NewFromInt(3)}))

	counts, err := db.Counts()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["market_meta"])
	assert.Equal(t, int64(1), counts["redemptions"])
	assert.Zero(t, counts["order_attempts"])
}
