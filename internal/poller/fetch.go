package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/metrics"
	"github.com/camuig/rohstoff-dashboard/internal/store"
)

// fetch issues a sequence token, performs get and commits the result under
// that token. Failures are logged, counted and recorded on the slice.
// Results that arrive after ctx is cancelled are dropped.
func fetch[T any](
	ctx context.Context,
	st *store.Store,
	log *logger.Logger,
	source string,
	key store.Key,
	get func(context.Context) (T, error),
	commit func(store.Token, T) bool,
) error {
	tok := st.Begin(key)
	started := time.Now()
	v, err := get(ctx)
	metrics.ObserveFetch(source, started, err, backend.IsTimeout(err))

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		log.Warn("fetch failed", "source", source, "error", err)
		st.Fail(tok, err)
		return err
	}
	commit(tok, v)
	return nil
}

func (p *Poller) marketsTask(refresh bool) task {
	return task{source: "markets", run: func(ctx context.Context) error {
		var refreshErr error
		if refresh {
			started := time.Now()
			refreshErr = p.api.RefreshMarkets(ctx)
			metrics.ObserveFetch("market_refresh", started, refreshErr, backend.IsTimeout(refreshErr))
			if refreshErr != nil && ctx.Err() == nil {
				// The cached snapshots are still worth showing.
				p.logger.Warn("market refresh failed", "error", refreshErr)
			}
		}
		err := fetch(ctx, p.store, p.logger, "markets", store.KeyMarkets, p.api.AllMarkets, p.store.CommitMarkets)
		if err != nil {
			return err
		}
		return refreshErr
	}}
}

func (p *Poller) historyTask() task {
	return task{source: "history", run: func(ctx context.Context) error {
		get := func(ctx context.Context) ([]backend.MarketSnapshot, error) {
			return p.api.History(ctx, p.historyLimit)
		}
		return fetch(ctx, p.store, p.logger, "history", store.KeyHistory, get, p.store.CommitHistory)
	}}
}

func (p *Poller) tradesTask() task {
	return task{source: "trades", run: func(ctx context.Context) error {
		get := func(ctx context.Context) ([]backend.Trade, error) {
			return p.api.Trades(ctx, "")
		}
		return fetch(ctx, p.store, p.logger, "trades", store.KeyTrades, get, p.store.CommitTrades)
	}}
}

func (p *Poller) statsTask() task {
	return task{source: "stats", run: func(ctx context.Context) error {
		return fetch(ctx, p.store, p.logger, "stats", store.KeyStats, p.api.TradeStats, p.store.CommitStats)
	}}
}

func (p *Poller) settingsTask() task {
	return task{source: "settings", run: func(ctx context.Context) error {
		return fetch(ctx, p.store, p.logger, "settings", store.KeySettings, p.api.Settings, p.store.CommitSettings)
	}}
}

func (p *Poller) commoditiesTask() task {
	return task{source: "commodities", run: func(ctx context.Context) error {
		return fetch(ctx, p.store, p.logger, "commodities", store.KeyCommodities, p.api.Commodities, p.store.CommitCommodities)
	}}
}

func (p *Poller) liveTicksTask() task {
	return task{source: "live_ticks", run: func(ctx context.Context) error {
		return fetch(ctx, p.store, p.logger, "live_ticks", store.KeyLiveTicks, p.api.LiveTicks, p.store.CommitLiveTicks)
	}}
}

// accountTask reads the per-platform account endpoint and falls back to the
// legacy single-platform endpoint when the backend does not know the route.
func (p *Poller) accountTask(pl backend.Platform) task {
	source := "account_" + string(pl)
	return task{source: source, run: func(ctx context.Context) error {
		get := func(ctx context.Context) (backend.AccountSnapshot, error) {
			acc, err := p.api.PlatformAccount(ctx, pl)
			if err == nil || !backend.IsNotFound(err) {
				return acc, err
			}
			legacy, legacyErr := p.api.LegacyAccount(ctx, pl)
			if legacyErr != nil {
				return acc, err
			}
			p.logger.Debug("account served by legacy endpoint", "platform", pl)
			return legacy, nil
		}
		return fetch(ctx, p.store, p.logger, source, store.AccountKey(pl), get, p.store.CommitAccount)
	}}
}

func (p *Poller) positionsTask(pl backend.Platform) task {
	source := "positions_" + string(pl)
	return task{source: source, run: func(ctx context.Context) error {
		get := func(ctx context.Context) ([]backend.Position, error) {
			return p.api.PlatformPositions(ctx, pl)
		}
		commit := func(tok store.Token, list []backend.Position) bool {
			return p.store.CommitPositions(pl, tok, list)
		}
		return fetch(ctx, p.store, p.logger, source, store.PositionsKey(pl), get, commit)
	}}
}

func (p *Poller) chartTask(req chartRequest) task {
	source := fmt.Sprintf("chart_%s_%s", req.commodity, req.timeframe)
	return task{source: source, run: func(ctx context.Context) error {
		get := func(ctx context.Context) ([]backend.Candle, error) {
			return p.api.OHLCV(ctx, req.commodity, req.timeframe, req.period)
		}
		return fetch(ctx, p.store, p.logger, source, store.ChartKey(req.commodity, req.timeframe), get, p.store.CommitChart)
	}}
}
