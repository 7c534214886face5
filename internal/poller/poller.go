package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/config"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/store"
)

// maxCharts bounds how many charts the aggregate cycle keeps refreshing.
const maxCharts = 16

var (
	ErrUnknownCommodity = errors.New("unknown commodity")
	ErrChartLimit       = errors.New("too many charts")
)

type task struct {
	source string
	run    func(ctx context.Context) error
}

type chartRequest struct {
	commodity string
	timeframe string
	period    string
}

// Poller keeps the store fresh. It runs an aggregate cycle (markets,
// history, trades, stats, active accounts and their positions) and a
// lighter live-price cycle on independent tickers. Every tick fans its fetches out in the background
// so a slow source never delays the next tick.
type Poller struct {
	api    backend.API
	store  *store.Store
	logger *logger.Logger

	aggregateInterval time.Duration
	liveInterval      time.Duration
	concurrency       int
	historyLimit      int

	mu      sync.Mutex
	live    bool
	running bool
	cancel  context.CancelFunc
	charts    map[store.Key]chartRequest
	maxCharts int

	liveChanged chan struct{}
	wg          sync.WaitGroup
}

func New(api backend.API, st *store.Store, cfg *config.Config, log *logger.Logger) *Poller {
	return &Poller{
		api:               api,
		store:             st,
		logger:            log.Component("poller"),
		aggregateInterval: cfg.AggregateInterval(),
		liveInterval:      cfg.LiveInterval(),
		concurrency:       cfg.Poller.MaxConcurrency,
		historyLimit:      cfg.Poller.HistoryLimit,
		live:              cfg.LiveEnabled(),
		charts:            make(map[store.Key]chartRequest),
		maxCharts:         maxCharts,
		liveChanged:       make(chan struct{}, 1),
	}
}

// Start launches the polling loop. It performs a full load right away,
// then ticks while the live toggle is on.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop cancels the loop and waits for every in-flight fetch to return.
// Results arriving after cancellation are discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("poller stopped")
}

func (p *Poller) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// SetLive switches timer-driven polling. Turning it off stops both tickers.
// Turning it on fires one immediate tick and restarts the tickers; missed
// ticks are not replayed.
func (p *Poller) SetLive(on bool) {
	p.mu.Lock()
	changed := p.live != on
	p.live = on
	p.mu.Unlock()
	if !changed {
		return
	}

	p.logger.Info("live ticker toggled", "enabled", on)
	select {
	case p.liveChanged <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.logger.Info("poller started",
		"aggregate_interval", p.aggregateInterval.String(),
		"live_interval", p.liveInterval.String(),
		"live", p.Live())

	// Initial load, regardless of the live toggle.
	p.launch(ctx, "initial", func(ctx context.Context) error { return p.RefreshAll(ctx) })

	var aggregate, live *time.Ticker
	var aggregateC, liveC <-chan time.Time

	startTickers := func() {
		aggregate = time.NewTicker(p.aggregateInterval)
		live = time.NewTicker(p.liveInterval)
		aggregateC, liveC = aggregate.C, live.C
	}
	stopTickers := func() {
		if aggregate != nil {
			aggregate.Stop()
			live.Stop()
		}
		aggregate, live = nil, nil
		aggregateC, liveC = nil, nil
	}
	defer stopTickers()

	if p.Live() {
		startTickers()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.liveChanged:
			on := p.Live()
			switch {
			case on && aggregate == nil:
				p.launch(ctx, "aggregate", p.aggregateCycle)
				p.launch(ctx, "live", p.liveCycle)
				startTickers()
			case !on && aggregate != nil:
				stopTickers()
			}
		case <-aggregateC:
			p.launch(ctx, "aggregate", p.aggregateCycle)
		case <-liveC:
			p.launch(ctx, "live", p.liveCycle)
		}
	}
}

// launch runs one cycle in the background so the loop never waits on it.
func (p *Poller) launch(ctx context.Context, cycle string, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("panic in poll cycle", "cycle", cycle, "panic", fmt.Sprint(r))
			}
		}()

		started := time.Now()
		err := fn(ctx)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			p.logger.Debug("poll cycle finished with errors", "cycle", cycle, "error", err)
		default:
			p.logger.Debug("poll cycle finished", "cycle", cycle, "duration", time.Since(started).String())
		}
	}()
}

func (p *Poller) aggregateCycle(ctx context.Context) error {
	tasks := []task{
		p.marketsTask(true),
		p.historyTask(),
		p.tradesTask(),
		p.statsTask(),
	}
	if _, loaded := p.store.Settings(); !loaded {
		tasks = append(tasks, p.settingsTask())
	}
	if !p.store.Loaded(store.KeyCommodities) {
		tasks = append(tasks, p.commoditiesTask())
	}
	for _, pl := range p.store.ActivePlatforms() {
		tasks = append(tasks, p.accountTask(pl), p.positionsTask(pl))
	}
	tasks = append(tasks, p.chartTasks()...)
	return p.runTasks(ctx, tasks)
}

func (p *Poller) liveCycle(ctx context.Context) error {
	return p.runTasks(ctx, []task{p.liveTicksTask()})
}

// runTasks fans tasks out with bounded concurrency. A failing task never
// cancels its siblings; all errors are joined.
func (p *Poller) runTasks(ctx context.Context, tasks []task) error {
	var (
		mu   sync.Mutex
		errs []error
		eg   errgroup.Group
	)
	if p.concurrency > 0 {
		eg.SetLimit(p.concurrency)
	}
	for _, t := range tasks {
		t := t
		eg.Go(func() error {
			if err := t.run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.source, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// RefreshAll loads settings first, since they decide which accounts are
// relevant, then everything else concurrently.
func (p *Poller) RefreshAll(ctx context.Context) error {
	settingsErr := p.settingsTask().run(ctx)

	tasks := []task{
		p.commoditiesTask(),
		p.marketsTask(false),
		p.historyTask(),
		p.tradesTask(),
		p.statsTask(),
		p.liveTicksTask(),
	}
	for _, pl := range p.store.ActivePlatforms() {
		tasks = append(tasks, p.accountTask(pl), p.positionsTask(pl))
	}
	return errors.Join(settingsErr, p.runTasks(ctx, tasks))
}

// RefreshMarkets asks the backend to pull fresh prices, then reloads the
// market and history slices.
func (p *Poller) RefreshMarkets(ctx context.Context) error {
	return p.runTasks(ctx, []task{p.marketsTask(true), p.historyTask()})
}

// RefreshTrades reloads the trades list and trade statistics.
func (p *Poller) RefreshTrades(ctx context.Context) error {
	return p.runTasks(ctx, []task{p.tradesTask(), p.statsTask()})
}

func (p *Poller) RefreshSettings(ctx context.Context) error {
	return p.settingsTask().run(ctx)
}

// RefreshAccounts reloads exactly the account slices of the given
// platforms.
func (p *Poller) RefreshAccounts(ctx context.Context, platforms []backend.Platform) error {
	tasks := make([]task, 0, len(platforms))
	for _, pl := range platforms {
		tasks = append(tasks, p.accountTask(pl))
	}
	return p.runTasks(ctx, tasks)
}

// RefreshPositions reloads the broker positions of the given platforms.
func (p *Poller) RefreshPositions(ctx context.Context, platforms []backend.Platform) error {
	tasks := make([]task, 0, len(platforms))
	for _, pl := range platforms {
		tasks = append(tasks, p.positionsTask(pl))
	}
	return p.runTasks(ctx, tasks)
}

// RefreshChart loads OHLCV candles for one commodity and keeps the chart in
// the aggregate cycle from then on. Once the catalog is loaded only listed
// commodities are accepted, and at most maxCharts charts are kept.
func (p *Poller) RefreshChart(ctx context.Context, commodity, timeframe, period string) error {
	if known, loaded := p.store.KnownCommodity(commodity); loaded && !known {
		return fmt.Errorf("%w %q", ErrUnknownCommodity, commodity)
	}

	key := store.ChartKey(commodity, timeframe)
	req := chartRequest{commodity: commodity, timeframe: timeframe, period: period}
	p.mu.Lock()
	if _, ok := p.charts[key]; !ok && len(p.charts) >= p.maxCharts {
		p.mu.Unlock()
		return fmt.Errorf("%w: limit is %d", ErrChartLimit, p.maxCharts)
	}
	p.charts[key] = req
	p.mu.Unlock()
	return p.chartTask(req).run(ctx)
}

func (p *Poller) chartTasks() []task {
	p.mu.Lock()
	defer p.mu.Unlock()
	tasks := make([]task, 0, len(p.charts))
	for _, req := range p.charts {
		tasks = append(tasks, p.chartTask(req))
	}
	return tasks
}
