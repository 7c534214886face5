// Package backendtest provides an in-memory backend.API for tests.
package backendtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
)

// Fake records every call by name ("AllMarkets", "PlatformAccount:BITPANDA",
// ...) and answers from its fields. Errors and delays are keyed the same way.
type Fake struct {
	mu sync.Mutex

	calls  []string
	errs   map[string]error
	delays map[string]time.Duration

	CommodityList  []backend.Commodity
	Markets        map[string]backend.MarketSnapshot
	HistoryRows    []backend.MarketSnapshot
	Candles        []backend.Candle
	Ticks          map[string]backend.LiveTick
	TradeList      []backend.Trade
	Stats          backend.TradeStats
	Record         backend.Settings
	DefaultRecord  backend.Settings
	Accounts       map[backend.Platform]backend.AccountSnapshot
	LegacyAccounts map[backend.Platform]backend.AccountSnapshot
	Positions      map[backend.Platform][]backend.Position
	ChatReply      string

	Executed     []backend.TradeRequest
	Closed       []ClosedTrade
	ClosedTicket []ClosedTicket
	Deleted      []string
	Saved        []backend.Settings
	Chats        []backend.ChatRequest
}

type ClosedTrade struct {
	ID        string
	ExitPrice float64
}

type ClosedTicket struct {
	Platform backend.Platform
	Ticket   string
}

var _ backend.API = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		errs:           make(map[string]error),
		delays:         make(map[string]time.Duration),
		Markets:        make(map[string]backend.MarketSnapshot),
		Ticks:          make(map[string]backend.LiveTick),
		Accounts:       make(map[backend.Platform]backend.AccountSnapshot),
		LegacyAccounts: make(map[backend.Platform]backend.AccountSnapshot),
		Positions:      make(map[backend.Platform][]backend.Position),
	}
}

// Fail makes every later call named name return err. A nil err clears it.
func (f *Fake) Fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, name)
		return
	}
	f.errs[name] = err
}

// Delay makes calls named name block for d or until ctx is done.
func (f *Fake) Delay(name string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[name] = d
}

// Calls counts the recorded calls named name.
func (f *Fake) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

// CallsWithPrefix counts recorded calls whose name starts with prefix.
func (f *Fake) CallsWithPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Update runs fn with the fake locked, for changing canned data while
// pollers are running.
func (f *Fake) Update(fn func(f *Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *Fake) enter(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	err := f.errs[name]
	delay := f.delays[name]
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return &backend.TransportError{Op: name, Timeout: true, Err: ctx.Err()}
		}
	}
	return err
}

func (f *Fake) Commodities(ctx context.Context) ([]backend.Commodity, error) {
	if err := f.enter(ctx, "Commodities"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Commodity(nil), f.CommodityList...), nil
}

func (f *Fake) AllMarkets(ctx context.Context) (map[string]backend.MarketSnapshot, error) {
	if err := f.enter(ctx, "AllMarkets"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]backend.MarketSnapshot, len(f.Markets))
	for k, v := range f.Markets {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) RefreshMarkets(ctx context.Context) error {
	return f.enter(ctx, "RefreshMarkets")
}

func (f *Fake) History(ctx context.Context, limit int) ([]backend.MarketSnapshot, error) {
	if err := f.enter(ctx, "History"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.HistoryRows
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return append([]backend.MarketSnapshot(nil), rows...), nil
}

func (f *Fake) OHLCV(ctx context.Context, commodity, timeframe, period string) ([]backend.Candle, error) {
	if err := f.enter(ctx, "OHLCV:"+commodity); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Candle(nil), f.Candles...), nil
}

func (f *Fake) LiveTicks(ctx context.Context) (map[string]backend.LiveTick, error) {
	if err := f.enter(ctx, "LiveTicks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]backend.LiveTick, len(f.Ticks))
	for k, v := range f.Ticks {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) Trades(ctx context.Context, status backend.TradeStatus) ([]backend.Trade, error) {
	if err := f.enter(ctx, "Trades"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.Trade
	for _, t := range f.TradeList {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *Fake) TradeStats(ctx context.Context) (backend.TradeStats, error) {
	if err := f.enter(ctx, "TradeStats"); err != nil {
		return backend.TradeStats{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Stats, nil
}

// ExecuteTrade opens a trade and appends it to TradeList.
func (f *Fake) ExecuteTrade(ctx context.Context, req backend.TradeRequest) (backend.TradeResult, error) {
	if err := f.enter(ctx, "ExecuteTrade"); err != nil {
		return backend.TradeResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Executed = append(f.Executed, req)
	t := backend.Trade{
		ID:         "trade-" + req.Commodity + "-" + time.Now().Format("150405.000000000"),
		Commodity:  req.Commodity,
		Side:       req.Side,
		Price:      req.Price,
		EntryPrice: req.Price,
		Quantity:   req.Quantity,
		Status:     backend.StatusOpen,
		Platform:   req.Platform,
		Timestamp:  time.Now().UTC(),
	}
	f.TradeList = append(f.TradeList, t)
	return backend.TradeResult{Trade: &t}, nil
}

func (f *Fake) CloseTrade(ctx context.Context, id string, exitPrice float64) (backend.CloseResult, error) {
	if err := f.enter(ctx, "CloseTrade"); err != nil {
		return backend.CloseResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = append(f.Closed, ClosedTrade{ID: id, ExitPrice: exitPrice})
	f.markClosedLocked(func(t backend.Trade) bool { return t.ID == id })
	return backend.CloseResult{}, nil
}

func (f *Fake) DeleteTrade(ctx context.Context, id string) error {
	if err := f.enter(ctx, "DeleteTrade"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, id)
	kept := f.TradeList[:0]
	for _, t := range f.TradeList {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	f.TradeList = kept
	return nil
}

func (f *Fake) Settings(ctx context.Context) (backend.Settings, error) {
	if err := f.enter(ctx, "Settings"); err != nil {
		return backend.Settings{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Record.Clone(), nil
}

func (f *Fake) SaveSettings(ctx context.Context, s backend.Settings) (backend.Settings, error) {
	if err := f.enter(ctx, "SaveSettings"); err != nil {
		return backend.Settings{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Saved = append(f.Saved, s.Clone())
	f.Record = s.Clone()
	return s.Clone(), nil
}

func (f *Fake) ResetSettings(ctx context.Context) (backend.Settings, error) {
	if err := f.enter(ctx, "ResetSettings"); err != nil {
		return backend.Settings{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Record = f.DefaultRecord.Clone()
	return f.Record.Clone(), nil
}

func (f *Fake) PlatformAccount(ctx context.Context, p backend.Platform) (backend.AccountSnapshot, error) {
	if err := f.enter(ctx, "PlatformAccount:"+string(p)); err != nil {
		return backend.AccountSnapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.Accounts[p]
	if !ok {
		return backend.AccountSnapshot{}, &backend.APIError{Op: "platform account", StatusCode: 404, Detail: "Not Found"}
	}
	acc.Platform = p
	return acc, nil
}

func (f *Fake) LegacyAccount(ctx context.Context, p backend.Platform) (backend.AccountSnapshot, error) {
	if err := f.enter(ctx, "LegacyAccount:"+string(p)); err != nil {
		return backend.AccountSnapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.LegacyAccounts[p]
	if !ok {
		return backend.AccountSnapshot{}, &backend.APIError{Op: "legacy account", StatusCode: 404, Detail: "Not Found"}
	}
	acc.Platform = p
	return acc, nil
}

func (f *Fake) PlatformPositions(ctx context.Context, p backend.Platform) ([]backend.Position, error) {
	if err := f.enter(ctx, "PlatformPositions:"+string(p)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Position(nil), f.Positions[p]...), nil
}

func (f *Fake) ClosePlatformPosition(ctx context.Context, p backend.Platform, ticket string) (backend.CloseResult, error) {
	if err := f.enter(ctx, "ClosePlatformPosition:"+string(p)); err != nil {
		return backend.CloseResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClosedTicket = append(f.ClosedTicket, ClosedTicket{Platform: p, Ticket: ticket})
	f.markClosedLocked(func(t backend.Trade) bool { return t.Platform == p && t.Ticket == ticket })
	return backend.CloseResult{Ticket: ticket}, nil
}

func (f *Fake) Chat(ctx context.Context, req backend.ChatRequest) (backend.ChatResponse, error) {
	if err := f.enter(ctx, "Chat"); err != nil {
		return backend.ChatResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Chats = append(f.Chats, req)
	return backend.ChatResponse{Response: f.ChatReply, Provider: req.Provider, Model: req.Model}, nil
}

func (f *Fake) markClosedLocked(match func(backend.Trade) bool) {
	now := time.Now().UTC()
	for i := range f.TradeList {
		if match(f.TradeList[i]) {
			f.TradeList[i].Status = backend.StatusClosed
			f.TradeList[i].ClosedAt = &now
		}
	}
}
