package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/backend/backendtest"
	"github.com/camuig/rohstoff-dashboard/internal/config"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/notify"
	"github.com/camuig/rohstoff-dashboard/internal/poller"
	"github.com/camuig/rohstoff-dashboard/internal/store"
)

type harness struct {
	api    backend.API
	fake   *backendtest.Fake
	store  *store.Store
	poller *poller.Poller
	feed   *notify.Feed
	d      *Dispatcher
}

func newHarness(t *testing.T, api backend.API) *harness {
	t.Helper()
	cfg := config.Default("http://backend.test")
	log := logger.Discard()
	st := store.New(log)
	p := poller.New(api, st, cfg, log)
	feed := notify.NewFeed(20, log)
	h := &harness{api: api, store: st, poller: p, feed: feed, d: New(api, st, p, feed, log)}
	if f, ok := api.(*backendtest.Fake); ok {
		h.fake = f
	}
	return h
}

var declined = ConfirmFunc(func(string) bool { return false })

func commitMarket(t *testing.T, st *store.Store, commodity string, price float64) {
	t.Helper()
	require.True(t, st.CommitMarkets(st.Begin(store.KeyMarkets), map[string]backend.MarketSnapshot{
		commodity: {Commodity: commodity, Price: price, Timestamp: time.Now().UTC()},
	}))
}

func TestManualTradeWithoutPriceMakesNoCalls(t *testing.T) {
	h := newHarness(t, backendtest.New())

	_, err := h.d.ManualTrade(context.Background(), TradeRequest{Commodity: "GOLD", Side: backend.SideBuy, Quantity: 1})

	require.ErrorIs(t, err, ErrNoPrice)
	assert.Equal(t, 0, h.fake.TotalCalls())
	recent := h.feed.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, notify.LevelError, recent[0].Level)
	assert.Contains(t, recent[0].Text, "GOLD")
}

func TestManualTradeRejectsInvalidOrder(t *testing.T) {
	h := newHarness(t, backendtest.New())
	commitMarket(t, h.store, "GOLD", 2400.50)

	for _, req := range []TradeRequest{
		{Commodity: "", Side: backend.SideBuy, Quantity: 1},
		{Commodity: "GOLD", Side: "HOLD", Quantity: 1},
		{Commodity: "GOLD", Side: backend.SideSell, Quantity: 0},
		{Commodity: "GOLD", Side: backend.SideSell, Quantity: 1, Platform: "NYSE"},
	} {
		_, err := h.d.ManualTrade(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidOrder)
	}
	assert.Equal(t, 0, h.fake.TotalCalls())
}

func TestManualTradeAppliesTradeAndExposure(t *testing.T) {
	h := newHarness(t, backendtest.New())
	commitMarket(t, h.store, "GOLD", 2400.50)
	before := h.store.Snapshot().Derived.OpenExposure

	tr, err := h.d.ManualTrade(context.Background(), TradeRequest{Commodity: "gold", Side: "buy", Quantity: 1})
	require.NoError(t, err)

	require.Len(t, h.fake.Executed, 1)
	assert.Equal(t, backend.TradeRequest{Commodity: "GOLD", Side: backend.SideBuy, Price: 2400.50, Quantity: 1}, h.fake.Executed[0])
	assert.Equal(t, backend.StatusOpen, tr.Status)
	assert.Equal(t, 1, h.fake.Calls("Trades"))
	assert.Equal(t, 1, h.fake.Calls("TradeStats"))

	snap := h.store.Snapshot()
	require.Len(t, snap.Trades.Data, 1)
	assert.Equal(t, tr.ID, snap.Trades.Data[0].ID)
	assert.True(t, snap.Derived.OpenExposure.Sub(before).Equal(decimal.RequireFromString("2400.50")))
	assert.Equal(t, notify.LevelSuccess, h.feed.Recent(1)[0].Level)
}

func TestManualTradeBackendFailure(t *testing.T) {
	h := newHarness(t, backendtest.New())
	commitMarket(t, h.store, "WTI_CRUDE", 71.2)
	h.fake.Fail("ExecuteTrade", &backend.APIError{Op: "trades execute", StatusCode: 200, Detail: "Market closed"})

	_, err := h.d.ManualTrade(context.Background(), TradeRequest{Commodity: "WTI_CRUDE", Side: backend.SideSell, Quantity: 2})

	require.Error(t, err)
	assert.Equal(t, 0, h.fake.Calls("Trades"))
	assert.Contains(t, h.feed.Recent(1)[0].Text, "Market closed")
	assert.Empty(t, h.store.Snapshot().Trades.Data)
}

// End to end against an HTTP backend: the buy is only posted once a market
// poll has produced a price.
func TestManualTradeScenarioOverHTTP(t *testing.T) {
	var (
		mu       sync.Mutex
		executes []string
		marketUp bool
		trades   []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/api/market/all":
			if marketUp {
				io.WriteString(w, `{"markets":{"GOLD":{"commodity":"GOLD","price":2400.50,"timestamp":"2025-01-02T10:00:00Z"}}}`)
				return
			}
			io.WriteString(w, `{"markets":{}}`)
		case "/api/market/refresh", "/api/market/history":
			io.WriteString(w, `{"success":true,"data":[]}`)
		case "/api/trades/execute":
			executes = append(executes, r.URL.RawQuery)
			trade := map[string]any{"id": "t-1", "commodity": "GOLD", "type": "BUY", "price": 2400.50,
				"quantity": 1, "status": "OPEN", "timestamp": "2025-01-02T10:00:01Z"}
			trades = append(trades, trade)
			json.NewEncoder(w).Encode(map[string]any{"success": true, "trade": trade})
		case "/api/trades/list":
			json.NewEncoder(w).Encode(map[string]any{"trades": trades})
		case "/api/trades/stats":
			io.WriteString(w, `{"total_trades":1,"open_positions":1}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := backend.NewClient(config.Default(srv.URL), logger.Discard())
	h := newHarness(t, client)
	ctx := context.Background()

	require.NoError(t, h.poller.RefreshMarkets(ctx))
	_, err := h.d.ManualTrade(ctx, TradeRequest{Commodity: "GOLD", Side: backend.SideBuy, Quantity: 1})
	require.ErrorIs(t, err, ErrNoPrice)

	mu.Lock()
	assert.Empty(t, executes)
	marketUp = true
	mu.Unlock()

	require.NoError(t, h.poller.RefreshMarkets(ctx))
	_, err = h.d.ManualTrade(ctx, TradeRequest{Commodity: "GOLD", Side: backend.SideBuy, Quantity: 1})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, executes, 1)
	assert.Equal(t, "commodity=GOLD&price=2400.50&quantity=1&trade_type=BUY", executes[0])
	mu.Unlock()

	snap := h.store.Snapshot()
	require.Len(t, snap.Trades.Data, 1)
	assert.Equal(t, backend.StatusOpen, snap.Trades.Data[0].Status)
	assert.Equal(t, "2400.50", snap.Derived.OpenExposure.StringFixed(2))
}

func TestClosePositionRoutesByTicket(t *testing.T) {
	f := backendtest.New()
	f.TradeList = []backend.Trade{
		{ID: "b1", Commodity: "GOLD", Side: backend.SideBuy, EntryPrice: 2390, Quantity: 1,
			Status: backend.StatusOpen, Platform: backend.PlatformBitpanda, Ticket: "42"},
		{ID: "l1", Commodity: "GOLD", Side: backend.SideSell, EntryPrice: 2410, Quantity: 1,
			Status: backend.StatusOpen},
	}
	f.Accounts[backend.PlatformBitpanda] = backend.AccountSnapshot{Balance: 10}
	h := newHarness(t, f)
	ctx := context.Background()
	require.NoError(t, h.poller.RefreshTrades(ctx))
	commitMarket(t, h.store, "GOLD", 2400.50)
	f.ResetCalls()

	_, err := h.d.ClosePosition(ctx, "b1", Confirmed)
	require.NoError(t, err)
	assert.Equal(t, []backendtest.ClosedTicket{{Platform: backend.PlatformBitpanda, Ticket: "42"}}, f.ClosedTicket)
	assert.Empty(t, f.Closed)
	assert.Equal(t, 1, f.Calls("PlatformAccount:BITPANDA"))
	assert.Equal(t, 1, f.CallsWithPrefix("PlatformAccount:"))
	assert.Equal(t, 1, f.Calls("PlatformPositions:BITPANDA"))

	_, err = h.d.ClosePosition(ctx, "l1", Confirmed)
	require.NoError(t, err)
	assert.Equal(t, []backendtest.ClosedTrade{{ID: "l1", ExitPrice: 2400.50}}, f.Closed)
	assert.Len(t, f.ClosedTicket, 1)

	for _, tr := range h.store.Snapshot().Trades.Data {
		assert.Equal(t, backend.StatusClosed, tr.Status, tr.ID)
	}
}

func TestClosePositionRejections(t *testing.T) {
	f := backendtest.New()
	f.TradeList = []backend.Trade{
		{ID: "open", Commodity: "GOLD", Status: backend.StatusOpen, Quantity: 1},
		{ID: "done", Commodity: "GOLD", Status: backend.StatusClosed, Quantity: 1},
	}
	h := newHarness(t, f)
	require.NoError(t, h.poller.RefreshTrades(context.Background()))
	f.ResetCalls()

	_, err := h.d.ClosePosition(context.Background(), "missing", Confirmed)
	assert.ErrorIs(t, err, ErrUnknownTrade)
	_, err = h.d.ClosePosition(context.Background(), "done", Confirmed)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = h.d.ClosePosition(context.Background(), "open", declined)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	assert.Equal(t, 0, f.TotalCalls())
}

func TestClosePositionWithoutPriceMakesNoCalls(t *testing.T) {
	f := backendtest.New()
	f.TradeList = []backend.Trade{
		{ID: "l1", Commodity: "GOLD", Side: backend.SideBuy, EntryPrice: 2390, Quantity: 1, Status: backend.StatusOpen},
	}
	h := newHarness(t, f)
	require.NoError(t, h.poller.RefreshTrades(context.Background()))
	f.ResetCalls()

	_, err := h.d.ClosePosition(context.Background(), "l1", Confirmed)
	require.ErrorIs(t, err, ErrNoPrice)
	assert.Equal(t, 0, f.TotalCalls())
	assert.Empty(t, f.Closed)
	assert.Equal(t, notify.LevelError, h.feed.Recent(1)[0].Level)

	tr, ok := h.store.Trade("l1")
	require.True(t, ok)
	assert.True(t, tr.IsOpen())
}

func TestDeleteTradeRequiresConfirmation(t *testing.T) {
	f := backendtest.New()
	f.TradeList = []backend.Trade{{ID: "x", Commodity: "SILVER", Status: backend.StatusClosed}}
	h := newHarness(t, f)
	ctx := context.Background()
	require.NoError(t, h.poller.RefreshTrades(ctx))
	f.ResetCalls()

	var prompt string
	err := h.d.DeleteTrade(ctx, "x", ConfirmFunc(func(p string) bool { prompt = p; return false }))
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.Contains(t, prompt, "SILVER")
	assert.Equal(t, 0, f.TotalCalls())

	require.ErrorIs(t, h.d.DeleteTrade(ctx, "x", nil), ErrNotConfirmed)
	assert.Equal(t, 0, f.TotalCalls())

	require.NoError(t, h.d.DeleteTrade(ctx, "x", Confirmed))
	assert.Equal(t, []string{"x"}, f.Deleted)
	assert.Equal(t, 1, f.Calls("Trades"))
	assert.Empty(t, h.store.Snapshot().Trades.Data)
}

func TestSaveSettingsRefreshesExactlyActiveAccounts(t *testing.T) {
	f := backendtest.New()
	extra := json.RawMessage(`{"nested":true}`)
	f.Record = backend.Settings{
		Mode:                    "MT5",
		AIProvider:              "openai",
		AIModel:                 "gpt-5",
		StopLossPercent:         2,
		TakeProfitPercent:       4,
		MaxPortfolioRiskPercent: 20,
		ActivePlatforms:         []backend.Platform{backend.PlatformMT5Libertex},
		Extra:                   map[string]json.RawMessage{"custom_block": extra},
	}
	for _, p := range backend.AllPlatforms() {
		f.Accounts[p] = backend.AccountSnapshot{Balance: 1000}
	}
	h := newHarness(t, f)
	ctx := context.Background()
	require.NoError(t, h.poller.RefreshAll(ctx))

	libertexBefore := h.store.Snapshot().Accounts[backend.PlatformMT5Libertex]
	require.Equal(t, 1000.0, libertexBefore.Data.Balance)
	f.Update(func(f *backendtest.Fake) {
		f.Accounts[backend.PlatformMT5Libertex] = backend.AccountSnapshot{Balance: 1}
	})
	f.ResetCalls()

	next, loaded := h.store.Settings()
	require.True(t, loaded)
	next.ActivePlatforms = []backend.Platform{backend.PlatformMT5ICMarkets, backend.PlatformBitpanda}

	saved, err := h.d.SaveSettings(ctx, next)
	require.NoError(t, err)

	require.Len(t, f.Saved, 1)
	assert.Equal(t, next, f.Saved[0])
	assert.Equal(t, 2.0, f.Saved[0].StopLossPercent)
	assert.Equal(t, extra, f.Saved[0].Extra["custom_block"])
	assert.Equal(t, next.ActivePlatforms, saved.ActivePlatforms)

	assert.Equal(t, 1, f.Calls("PlatformAccount:MT5_ICMARKETS"))
	assert.Equal(t, 1, f.Calls("PlatformAccount:BITPANDA"))
	assert.Equal(t, 0, f.Calls("PlatformAccount:MT5_LIBERTEX"))
	assert.Equal(t, 3, f.TotalCalls())

	snap := h.store.Snapshot()
	assert.Equal(t, libertexBefore, snap.Accounts[backend.PlatformMT5Libertex])
	assert.Equal(t, next.ActivePlatforms, snap.Settings.Data.ActivePlatforms)
	assert.Equal(t, store.StatusReady, snap.Accounts[backend.PlatformBitpanda].Status)
}

func TestSaveSettingsFailureKeepsStore(t *testing.T) {
	f := backendtest.New()
	f.Record = backend.Settings{ActivePlatforms: []backend.Platform{backend.PlatformBitpanda}}
	h := newHarness(t, f)
	require.NoError(t, h.poller.RefreshSettings(context.Background()))
	f.Fail("SaveSettings", &backend.TransportError{Op: "settings save", Timeout: true, Err: context.DeadlineExceeded})
	f.ResetCalls()

	next, _ := h.store.Settings()
	next.ActivePlatforms = nil
	_, err := h.d.SaveSettings(context.Background(), next)

	require.Error(t, err)
	assert.True(t, backend.IsTimeout(err))
	assert.Equal(t, 1, f.TotalCalls())
	assert.Equal(t, []backend.Platform{backend.PlatformBitpanda}, h.store.ActivePlatforms())
}

func TestSaveSettingsRejectsUnknownPlatform(t *testing.T) {
	h := newHarness(t, backendtest.New())
	_, err := h.d.SaveSettings(context.Background(), backend.Settings{ActivePlatforms: []backend.Platform{"MT4"}})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, 0, h.fake.TotalCalls())
}

func TestResetSettings(t *testing.T) {
	f := backendtest.New()
	f.Record = backend.Settings{ActivePlatforms: []backend.Platform{backend.PlatformBitpanda}}
	f.DefaultRecord = backend.Settings{ActivePlatforms: []backend.Platform{backend.PlatformMT5Libertex}}
	f.Accounts[backend.PlatformMT5Libertex] = backend.AccountSnapshot{Balance: 5}
	h := newHarness(t, f)

	_, err := h.d.ResetSettings(context.Background(), declined)
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, 0, f.TotalCalls())

	reset, err := h.d.ResetSettings(context.Background(), Confirmed)
	require.NoError(t, err)
	assert.Equal(t, []backend.Platform{backend.PlatformMT5Libertex}, reset.ActivePlatforms)
	assert.Equal(t, 1, f.Calls("PlatformAccount:MT5_LIBERTEX"))
	assert.Equal(t, []backend.Platform{backend.PlatformMT5Libertex}, h.store.ActivePlatforms())
}

func TestRefreshMarketsReportsFailure(t *testing.T) {
	f := backendtest.New()
	f.Fail("AllMarkets", errors.New("connection reset"))
	h := newHarness(t, f)

	require.Error(t, h.d.RefreshMarkets(context.Background()))
	assert.Equal(t, notify.LevelError, h.feed.Recent(1)[0].Level)
	assert.Equal(t, store.StatusFailed, h.store.Snapshot().Markets.Status)
}

func TestCloseAll(t *testing.T) {
	f := backendtest.New()
	f.TradeList = []backend.Trade{
		{ID: "a", Commodity: "GOLD", Status: backend.StatusOpen, Platform: backend.PlatformMT5ICMarkets, Ticket: "7"},
		{ID: "b", Commodity: "SILVER", Status: backend.StatusOpen},
		{ID: "c", Commodity: "SILVER", Status: backend.StatusClosed},
	}
	f.Accounts[backend.PlatformMT5ICMarkets] = backend.AccountSnapshot{Balance: 1}
	f.Markets["SILVER"] = backend.MarketSnapshot{Commodity: "SILVER", Price: 31.2}
	h := newHarness(t, f)
	ctx := context.Background()

	outcomes, err := h.d.CloseAll(ctx, Confirmed, true)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Empty(t, f.Closed)
	assert.Empty(t, f.ClosedTicket)

	_, err = h.d.CloseAll(ctx, declined, false)
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.Empty(t, f.Closed)

	outcomes, err = h.d.CloseAll(ctx, Confirmed, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.NoError(t, o.Err, o.Trade.ID)
	}
	assert.Equal(t, []backendtest.ClosedTicket{{Platform: backend.PlatformMT5ICMarkets, Ticket: "7"}}, f.ClosedTicket)
	assert.Equal(t, []backendtest.ClosedTrade{{ID: "b", ExitPrice: 31.2}}, f.Closed)
	assert.Equal(t, 1, f.Calls("AllMarkets"), "markets loaded once for the local trade")
	assert.Equal(t, 1, f.Calls("PlatformAccount:MT5_ICMARKETS"))
}

func TestCloseAllLocalTradeWithoutPriceIsNotSent(t *testing.T) {
	f := backendtest.New()
	f.TradeList = []backend.Trade{
		{ID: "b", Commodity: "SILVER", Status: backend.StatusOpen},
	}
	h := newHarness(t, f)

	outcomes, err := h.d.CloseAll(context.Background(), Confirmed, false)
	require.Error(t, err)
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].Err, ErrNoPrice)
	assert.Equal(t, 0, f.Calls("CloseTrade"))
	assert.Empty(t, f.Closed)
	assert.Equal(t, 1, f.Calls("AllMarkets"))
}

func TestCloseAllReportsPartialFailure(t *testing.T) {
	f := backendtest.New()
	f.TradeList = []backend.Trade{
		{ID: "a", Commodity: "GOLD", Status: backend.StatusOpen, Platform: backend.PlatformBitpanda, Ticket: "1"},
		{ID: "b", Commodity: "SILVER", Status: backend.StatusOpen},
	}
	f.Fail("ClosePlatformPosition:BITPANDA", &backend.APIError{Op: "close position", StatusCode: 502, Detail: "broker offline"})
	f.Markets["SILVER"] = backend.MarketSnapshot{Commodity: "SILVER", Price: 31.2}
	h := newHarness(t, f)

	outcomes, err := h.d.CloseAll(context.Background(), Confirmed, false)
	require.Error(t, err)
	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0].Err)
	assert.NoError(t, outcomes[1].Err)
	assert.Equal(t, []backendtest.ClosedTrade{{ID: "b", ExitPrice: 31.2}}, f.Closed)
}
