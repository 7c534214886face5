package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
)

func newTestStore() *Store {
	return New(logger.Discard())
}

func trade(id, commodity string, entry, qty float64, p backend.Platform) backend.Trade {
	return backend.Trade{
		ID:         id,
		Commodity:  commodity,
		Side:       backend.SideBuy,
		Price:      entry,
		EntryPrice: entry,
		Quantity:   qty,
		Status:     backend.StatusOpen,
		Platform:   p,
	}
}

func TestOlderResponseDoesNotClobberNewer(t *testing.T) {
	s := newTestStore()

	older := s.Begin(KeyTrades)
	newer := s.Begin(KeyTrades)

	require.True(t, s.CommitTrades(newer, []backend.Trade{trade("new", "GOLD", 1, 1, "")}))
	assert.False(t, s.CommitTrades(older, []backend.Trade{trade("old", "GOLD", 1, 1, "")}))

	snap := s.Snapshot()
	require.Len(t, snap.Trades.Data, 1)
	assert.Equal(t, "new", snap.Trades.Data[0].ID)
}

func TestInOrderResponsesBothApply(t *testing.T) {
	s := newTestStore()

	first := s.Begin(KeyStats)
	second := s.Begin(KeyStats)

	assert.True(t, s.CommitStats(first, backend.TradeStats{TotalTrades: 1}))
	assert.True(t, s.CommitStats(second, backend.TradeStats{TotalTrades: 2}))
	assert.Equal(t, 2, s.Snapshot().Stats.Data.TotalTrades)
}

func TestLastIssuedWinsUnderConcurrency(t *testing.T) {
	s := newTestStore()

	const n = 50
	tokens := make([]Token, n)
	for i := range tokens {
		tokens[i] = s.Begin(KeyStats)
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.CommitStats(tokens[i], backend.TradeStats{TotalTrades: i})
		}(i)
	}
	wg.Wait()

	// Whatever the interleaving, the last issued request may still land
	// after older ones and must then win; it can never be overwritten.
	assert.Equal(t, n-1, s.Snapshot().Stats.Data.TotalTrades)
}

func TestSlicesAreIndependent(t *testing.T) {
	s := newTestStore()

	tr := s.Begin(KeyTrades)
	st := s.Begin(KeyStats)
	assert.True(t, s.CommitStats(st, backend.TradeStats{TotalTrades: 3}))
	assert.True(t, s.CommitTrades(tr, nil))
}

func TestFailKeepsLastGoodData(t *testing.T) {
	s := newTestStore()

	require.True(t, s.CommitStats(s.Begin(KeyStats), backend.TradeStats{TotalTrades: 7}))
	require.True(t, s.Fail(s.Begin(KeyStats), &backend.APIError{Op: "trades stats", StatusCode: 500, Detail: "insufficient data"}))

	snap := s.Snapshot()
	assert.Equal(t, StatusFailed, snap.Stats.Status)
	assert.Equal(t, "insufficient data", snap.Stats.Err)
	assert.True(t, snap.Stats.HasData())
	assert.Equal(t, 7, snap.Stats.Data.TotalTrades)
}

func TestNeverFetchedSliceIsLoading(t *testing.T) {
	snap := newTestStore().Snapshot()
	assert.Equal(t, StatusLoading, snap.Markets.Status)
	assert.Equal(t, StatusLoading, snap.Accounts[backend.PlatformBitpanda].Status)
	assert.False(t, snap.Trades.HasData())
}

func TestOutOfOrderMarketSnapshotIgnored(t *testing.T) {
	s := newTestStore()
	now := time.Now().UTC()

	require.True(t, s.CommitMarkets(s.Begin(KeyMarkets), map[string]backend.MarketSnapshot{
		"GOLD":   {Commodity: "GOLD", Price: 2400.5, Timestamp: now},
		"SILVER": {Commodity: "SILVER", Price: 30, Timestamp: now},
	}))
	require.True(t, s.CommitMarkets(s.Begin(KeyMarkets), map[string]backend.MarketSnapshot{
		"GOLD":   {Commodity: "GOLD", Price: 2390, Timestamp: now.Add(-time.Minute)},
		"SILVER": {Commodity: "SILVER", Price: 31, Timestamp: now.Add(time.Minute)},
	}))

	snap := s.Snapshot()
	assert.Equal(t, 2400.5, snap.Markets.Data["GOLD"].Price)
	assert.Equal(t, 31.0, snap.Markets.Data["SILVER"].Price)
	assert.Equal(t, StatusReady, snap.Markets.Status)
}

func TestApplyTradeUpdatesExposure(t *testing.T) {
	s := newTestStore()
	require.True(t, s.CommitTrades(s.Begin(KeyTrades), []backend.Trade{
		trade("a", "SILVER", 30, 10, backend.PlatformBitpanda),
	}))
	before := s.Snapshot().Derived.OpenExposure

	s.ApplyTrade(trade("b", "GOLD", 2400.50, 1, ""))

	snap := s.Snapshot()
	require.Len(t, snap.Trades.Data, 2)
	assert.Equal(t, 2, snap.Derived.OpenTrades)
	assert.True(t, snap.Derived.OpenExposure.Sub(before).Equal(decimal.RequireFromString("2400.50")),
		"exposure grew by %s", snap.Derived.OpenExposure.Sub(before))
	assert.True(t, snap.Derived.ExposureByPlatform[backend.PlatformBitpanda].Equal(decimal.NewFromInt(300)))
}

func TestClosedTradesDoNotCountAsExposure(t *testing.T) {
	s := newTestStore()
	closed := trade("c", "GOLD", 2000, 2, "")
	closed.Status = backend.StatusClosed

	require.True(t, s.CommitTrades(s.Begin(KeyTrades), []backend.Trade{closed, trade("o", "GOLD", 100, 2, "")}))

	d := s.Snapshot().Derived
	assert.Equal(t, 1, d.OpenTrades)
	assert.True(t, d.OpenExposure.Equal(decimal.NewFromInt(200)))
}

func TestRiskAgainstActiveAccounts(t *testing.T) {
	s := newTestStore()

	require.True(t, s.CommitAccount(s.Begin(AccountKey(backend.PlatformMT5Libertex)),
		backend.AccountSnapshot{Platform: backend.PlatformMT5Libertex, Balance: 50000}))
	require.True(t, s.CommitAccount(s.Begin(AccountKey(backend.PlatformBitpanda)),
		backend.AccountSnapshot{Platform: backend.PlatformBitpanda, Balance: 10000}))
	require.True(t, s.CommitTrades(s.Begin(KeyTrades), []backend.Trade{trade("a", "GOLD", 2400.50, 1, "")}))

	// Before settings load every loaded account counts.
	d := s.Snapshot().Derived
	assert.True(t, d.BalanceKnown)
	assert.True(t, d.TotalBalance.Equal(decimal.NewFromInt(60000)))

	require.True(t, s.CommitSettings(s.Begin(KeySettings), backend.Settings{
		ActivePlatforms:         []backend.Platform{backend.PlatformBitpanda},
		MaxPortfolioRiskPercent: 20,
	}))

	d = s.Snapshot().Derived
	assert.True(t, d.TotalBalance.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, "24.01", d.RiskPercent.StringFixed(2))
	assert.True(t, d.RiskExceeded)
}

func TestRiskUnknownWithoutBalance(t *testing.T) {
	s := newTestStore()
	require.True(t, s.CommitSettings(s.Begin(KeySettings), backend.Settings{MaxPortfolioRiskPercent: 1}))
	require.True(t, s.CommitTrades(s.Begin(KeyTrades), []backend.Trade{trade("a", "GOLD", 2400, 1, "")}))

	d := s.Snapshot().Derived
	assert.False(t, d.BalanceKnown)
	assert.False(t, d.RiskExceeded)
	assert.True(t, d.RiskPercent.IsZero())
}

func TestAccountFailureIsIsolated(t *testing.T) {
	s := newTestStore()

	require.True(t, s.CommitAccount(s.Begin(AccountKey(backend.PlatformMT5Libertex)),
		backend.AccountSnapshot{Platform: backend.PlatformMT5Libertex, Balance: 100}))
	require.True(t, s.Fail(s.Begin(AccountKey(backend.PlatformMT5ICMarkets)), errors.New("connection refused")))

	snap := s.Snapshot()
	assert.Equal(t, StatusReady, snap.Accounts[backend.PlatformMT5Libertex].Status)
	assert.Equal(t, 100.0, snap.Accounts[backend.PlatformMT5Libertex].Data.Balance)
	assert.Equal(t, StatusFailed, snap.Accounts[backend.PlatformMT5ICMarkets].Status)
	assert.False(t, snap.Accounts[backend.PlatformMT5ICMarkets].HasData())
	assert.Equal(t, StatusLoading, snap.Accounts[backend.PlatformBitpanda].Status)
}

func TestCommitAccountRejectsForeignToken(t *testing.T) {
	s := newTestStore()
	tok := s.Begin(AccountKey(backend.PlatformBitpanda))

	assert.False(t, s.CommitAccount(tok, backend.AccountSnapshot{Platform: backend.PlatformMT5Libertex}))
	assert.Equal(t, StatusLoading, s.Snapshot().Accounts[backend.PlatformMT5Libertex].Status)
}

func TestPositionsPerPlatform(t *testing.T) {
	s := newTestStore()
	sl := 2390.0
	tok := s.Begin(PositionsKey(backend.PlatformMT5ICMarkets))

	assert.False(t, s.CommitPositions(backend.PlatformBitpanda, tok, []backend.Position{{Ticket: "1"}}))
	require.True(t, s.CommitPositions(backend.PlatformMT5ICMarkets, tok, []backend.Position{
		{Ticket: "555", Symbol: "XAUUSD", StopLoss: &sl},
	}))

	snap := s.Snapshot()
	require.Len(t, snap.Positions, len(backend.AllPlatforms()))
	assert.Equal(t, StatusLoading, snap.Positions[backend.PlatformBitpanda].Status)
	icm := snap.Positions[backend.PlatformMT5ICMarkets]
	assert.Equal(t, StatusReady, icm.Status)
	require.Len(t, icm.Data, 1)

	*icm.Data[0].StopLoss = 1
	icm.Data[0].Ticket = "mutated"
	again := s.Snapshot().Positions[backend.PlatformMT5ICMarkets].Data[0]
	assert.Equal(t, "555", again.Ticket)
	assert.Equal(t, 2390.0, *again.StopLoss)
}

func TestKnownCommodity(t *testing.T) {
	s := newTestStore()
	_, loaded := s.KnownCommodity("GOLD")
	assert.False(t, loaded)

	require.True(t, s.CommitCommodities(s.Begin(KeyCommodities), []backend.Commodity{{ID: "GOLD", Name: "Gold"}}))
	known, loaded := s.KnownCommodity("GOLD")
	assert.True(t, known)
	assert.True(t, loaded)
	known, loaded = s.KnownCommodity("UNOBTAINIUM")
	assert.False(t, known)
	assert.True(t, loaded)
}

func TestClosedStoreIgnoresCommits(t *testing.T) {
	s := newTestStore()
	tok := s.Begin(KeyTrades)
	s.Close()

	assert.False(t, s.CommitTrades(tok, []backend.Trade{trade("a", "GOLD", 1, 1, "")}))
	assert.False(t, s.Fail(s.Begin(KeyStats), errors.New("late")))
	s.ApplyTrade(trade("b", "GOLD", 1, 1, ""))

	snap := s.Snapshot()
	assert.Empty(t, snap.Trades.Data)
	assert.Equal(t, StatusLoading, snap.Stats.Status)
	assert.True(t, s.Closed())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestStore()
	pl := 12.5
	tr := trade("a", "GOLD", 1, 1, "")
	tr.ProfitLoss = &pl
	require.True(t, s.CommitTrades(s.Begin(KeyTrades), []backend.Trade{tr}))
	require.True(t, s.CommitSettings(s.Begin(KeySettings), backend.Settings{
		ActivePlatforms: []backend.Platform{backend.PlatformBitpanda},
	}))

	snap := s.Snapshot()
	*snap.Trades.Data[0].ProfitLoss = 99
	snap.Trades.Data[0].ID = "mutated"
	snap.Settings.Data.ActivePlatforms[0] = backend.PlatformMT5Libertex

	again := s.Snapshot()
	assert.Equal(t, "a", again.Trades.Data[0].ID)
	assert.Equal(t, 12.5, *again.Trades.Data[0].ProfitLoss)
	assert.Equal(t, []backend.Platform{backend.PlatformBitpanda}, s.ActivePlatforms())
}

func TestPriceForFallsBackToLiveTick(t *testing.T) {
	s := newTestStore()

	_, ok := s.PriceFor("GOLD")
	assert.False(t, ok)

	require.True(t, s.CommitLiveTicks(s.Begin(KeyLiveTicks), map[string]backend.LiveTick{
		"GOLD": {Commodity: "GOLD", Price: 2399},
	}))
	price, ok := s.PriceFor("GOLD")
	require.True(t, ok)
	assert.Equal(t, 2399.0, price)

	require.True(t, s.CommitMarkets(s.Begin(KeyMarkets), map[string]backend.MarketSnapshot{
		"GOLD": {Commodity: "GOLD", Price: 2400.50},
	}))
	price, _ = s.PriceFor("GOLD")
	assert.Equal(t, 2400.50, price)
}

func TestSubscribeReceivesChangedKey(t *testing.T) {
	s := newTestStore()

	var got []Key
	cancel := s.Subscribe(func(k Key) { got = append(got, k) })

	s.CommitStats(s.Begin(KeyStats), backend.TradeStats{})
	s.CommitAccount(s.Begin(AccountKey(backend.PlatformBitpanda)), backend.AccountSnapshot{Platform: backend.PlatformBitpanda})
	cancel()
	s.CommitStats(s.Begin(KeyStats), backend.TradeStats{})

	assert.Equal(t, []Key{KeyStats, AccountKey(backend.PlatformBitpanda)}, got)
}

func TestChartSlicesPerCommodityAndTimeframe(t *testing.T) {
	s := newTestStore()
	k := ChartKey("GOLD", "1d")

	require.True(t, s.CommitChart(s.Begin(k), []backend.Candle{{Close: 1}, {Close: 2}}))

	snap := s.Snapshot()
	require.Contains(t, snap.Charts, k)
	assert.Len(t, snap.Charts[k].Data, 2)
	assert.Equal(t, []Key{k}, s.ChartKeys())
}
