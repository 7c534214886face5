package store

import (
	"sort"
	"sync"
	"time"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/metrics"
)

// Key names an independently refreshed slice of view state.
type Key string

const (
	KeyMarkets     Key = "markets"
	KeyCommodities Key = "commodities"
	KeyTrades      Key = "trades"
	KeyStats       Key = "stats"
	KeySettings    Key = "settings"
	KeyHistory     Key = "history"
	KeyLiveTicks   Key = "live_ticks"
)

func AccountKey(p backend.Platform) Key {
	return Key("account/" + string(p))
}

func PositionsKey(p backend.Platform) Key {
	return Key("positions/" + string(p))
}

func ChartKey(commodity, timeframe string) Key {
	return Key("chart/" + commodity + "/" + timeframe)
}

// Token is the sequence marker handed out by Begin. A commit carrying a
// token older than the last committed one for the same key is dropped.
type Token struct {
	key Key
	seq uint64
}

func (t Token) Key() Key { return t.key }

type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Meta describes the freshness of one slice. UpdatedAt is the time of the
// last successful commit; a failed slice keeps its previous data.
type Meta struct {
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Err       string    `json:"error,omitempty"`
}

// HasData reports whether the slice was ever committed successfully.
func (m Meta) HasData() bool { return !m.UpdatedAt.IsZero() }

type Slice[T any] struct {
	Meta
	Data T `json:"data"`
}

// Snapshot is an immutable copy of the whole view state.
type Snapshot struct {
	Version     uint64                                              `json:"version"`
	Markets     Slice[map[string]backend.MarketSnapshot]            `json:"markets"`
	LiveTicks   Slice[map[string]backend.LiveTick]                  `json:"live_ticks"`
	Commodities Slice[[]backend.Commodity]                          `json:"commodities"`
	Trades      Slice[[]backend.Trade]                              `json:"trades"`
	Stats       Slice[backend.TradeStats]                           `json:"stats"`
	Settings    Slice[backend.Settings]                             `json:"settings"`
	History     Slice[[]backend.MarketSnapshot]                     `json:"history"`
	Charts      map[Key]Slice[[]backend.Candle]                     `json:"charts"`
	Accounts    map[backend.Platform]Slice[backend.AccountSnapshot] `json:"accounts"`
	Positions   map[backend.Platform]Slice[[]backend.Position]      `json:"positions"`
	Derived     Derived                                             `json:"derived"`
}

type Store struct {
	mu        sync.RWMutex
	logger    *logger.Logger
	issued    map[Key]uint64
	committed map[Key]uint64
	meta      map[Key]Meta
	closed    bool
	version   uint64

	markets     map[string]backend.MarketSnapshot
	liveTicks   map[string]backend.LiveTick
	commodities []backend.Commodity
	trades      []backend.Trade
	stats       backend.TradeStats
	settings    backend.Settings
	history     []backend.MarketSnapshot
	charts      map[Key][]backend.Candle
	accounts    map[backend.Platform]backend.AccountSnapshot
	positions   map[backend.Platform][]backend.Position
	derived     Derived

	subs    map[int]func(Key)
	nextSub int
}

func New(log *logger.Logger) *Store {
	return &Store{
		logger:    log.Component("store"),
		issued:    make(map[Key]uint64),
		committed: make(map[Key]uint64),
		meta:      make(map[Key]Meta),
		markets:   make(map[string]backend.MarketSnapshot),
		liveTicks: make(map[string]backend.LiveTick),
		charts:    make(map[Key][]backend.Candle),
		accounts:  make(map[backend.Platform]backend.AccountSnapshot),
		positions: make(map[backend.Platform][]backend.Position),
		derived:   newDerived(),
		subs:      make(map[int]func(Key)),
	}
}

// Begin issues the next sequence token for key. Call it right before the
// request is sent, not when the response arrives.
func (s *Store) Begin(key Key) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued[key]++
	return Token{key: key, seq: s.issued[key]}
}

// Close marks the store as torn down. Every later commit is ignored.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Subscribe registers fn to be called after every accepted change. The
// returned func removes the subscription.
func (s *Store) Subscribe(fn func(Key)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// accept must be called with mu held.
func (s *Store) accept(tok Token) bool {
	if s.closed {
		return false
	}
	if tok.seq <= s.committed[tok.key] {
		metrics.StaleResponses.WithLabelValues(sliceLabel(tok.key)).Inc()
		s.logger.Debug("stale response dropped", "slice", tok.key, "seq", tok.seq, "committed", s.committed[tok.key])
		return false
	}
	s.committed[tok.key] = tok.seq
	return true
}

func (s *Store) commit(tok Token, apply func()) bool {
	s.mu.Lock()
	if !s.accept(tok) {
		s.mu.Unlock()
		return false
	}
	apply()
	s.meta[tok.key] = Meta{Status: StatusReady, UpdatedAt: time.Now()}
	if affectsDerived(tok.key) {
		s.recomputeLocked()
	}
	s.version++
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, tok.key)
	return true
}

// Fail records a failed fetch. The slice keeps its last good data.
func (s *Store) Fail(tok Token, err error) bool {
	s.mu.Lock()
	if !s.accept(tok) {
		s.mu.Unlock()
		return false
	}
	m := s.meta[tok.key]
	m.Status = StatusFailed
	m.Err = backend.Message(err)
	s.meta[tok.key] = m
	s.version++
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, tok.key)
	return true
}

// CommitMarkets replaces the markets slice. Per commodity, a snapshot whose
// timestamp is older than the one on display is ignored and the displayed
// one is kept.
func (s *Store) CommitMarkets(tok Token, markets map[string]backend.MarketSnapshot) bool {
	return s.commit(tok, func() {
		next := make(map[string]backend.MarketSnapshot, len(markets))
		for id, m := range markets {
			cur, ok := s.markets[id]
			if ok && !m.Timestamp.IsZero() && m.Timestamp.Before(cur.Timestamp) {
				metrics.StaleResponses.WithLabelValues("market_timestamp").Inc()
				s.logger.Debug("out-of-order market snapshot ignored", "commodity", id,
					"displayed", cur.Timestamp, "received", m.Timestamp)
				next[id] = cur
				continue
			}
			next[id] = m
		}
		s.markets = next
	})
}

func (s *Store) CommitLiveTicks(tok Token, ticks map[string]backend.LiveTick) bool {
	return s.commit(tok, func() {
		next := make(map[string]backend.LiveTick, len(ticks))
		for id, t := range ticks {
			next[id] = t
		}
		s.liveTicks = next
	})
}

func (s *Store) CommitCommodities(tok Token, list []backend.Commodity) bool {
	return s.commit(tok, func() {
		s.commodities = append([]backend.Commodity(nil), list...)
	})
}

func (s *Store) CommitTrades(tok Token, trades []backend.Trade) bool {
	return s.commit(tok, func() {
		s.trades = cloneTrades(trades)
	})
}

func (s *Store) CommitStats(tok Token, stats backend.TradeStats) bool {
	return s.commit(tok, func() {
		s.stats = stats
	})
}

func (s *Store) CommitSettings(tok Token, settings backend.Settings) bool {
	return s.commit(tok, func() {
		s.settings = settings.Clone()
	})
}

func (s *Store) CommitHistory(tok Token, history []backend.MarketSnapshot) bool {
	return s.commit(tok, func() {
		s.history = append([]backend.MarketSnapshot(nil), history...)
	})
}

func (s *Store) CommitChart(tok Token, candles []backend.Candle) bool {
	return s.commit(tok, func() {
		s.charts[tok.key] = append([]backend.Candle(nil), candles...)
	})
}

// CommitAccount stores the snapshot under its own platform. The token must
// have been issued for AccountKey(acc.Platform).
func (s *Store) CommitAccount(tok Token, acc backend.AccountSnapshot) bool {
	if tok.key != AccountKey(acc.Platform) {
		s.logger.Error("account commit with mismatched token", "slice", tok.key, "platform", acc.Platform)
		return false
	}
	return s.commit(tok, func() {
		s.accounts[acc.Platform] = acc
		metrics.AccountBalance.WithLabelValues(string(acc.Platform)).Set(acc.Balance)
	})
}

// CommitPositions replaces the open broker positions of p. The token must
// have been issued for PositionsKey(p).
func (s *Store) CommitPositions(p backend.Platform, tok Token, list []backend.Position) bool {
	if tok.key != PositionsKey(p) {
		s.logger.Error("positions commit with mismatched token", "slice", tok.key, "platform", p)
		return false
	}
	return s.commit(tok, func() {
		s.positions[p] = clonePositions(list)
	})
}

// ApplyTrade inserts or replaces one trade, typically the trade returned by
// a successful execute, so it shows up before the next trades refresh.
func (s *Store) ApplyTrade(t backend.Trade) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	replaced := false
	for i := range s.trades {
		if s.trades[i].ID == t.ID && t.ID != "" {
			s.trades[i] = cloneTrade(t)
			replaced = true
			break
		}
	}
	if !replaced {
		s.trades = append(s.trades, cloneTrade(t))
	}
	s.recomputeLocked()
	s.version++
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, KeyTrades)
}

// PriceFor resolves the current price of a commodity: the market snapshot
// first, then the live tick.
func (s *Store) PriceFor(commodity string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.markets[commodity]; ok && m.Price > 0 {
		return m.Price, true
	}
	if t, ok := s.liveTicks[commodity]; ok && t.Price > 0 {
		return t.Price, true
	}
	return 0, false
}

func (s *Store) Trade(id string) (backend.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trades {
		if t.ID == id {
			return cloneTrade(t), true
		}
	}
	return backend.Trade{}, false
}

// Loaded reports whether key was ever committed successfully.
func (s *Store) Loaded(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[key].HasData()
}

// KnownCommodity reports whether id is in the commodity catalog. loaded is
// false until a non-empty catalog has been committed.
func (s *Store) KnownCommodity(id string) (known, loaded bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.meta[KeyCommodities].HasData() || len(s.commodities) == 0 {
		return false, false
	}
	for _, c := range s.commodities {
		if c.ID == id {
			return true, true
		}
	}
	return false, true
}

// Settings returns the current settings and whether they were ever loaded.
func (s *Store) Settings() (backend.Settings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone(), s.meta[KeySettings].HasData()
}

// ActivePlatforms is the active platform set from the loaded settings,
// empty until settings arrive.
func (s *Store) ActivePlatforms() []backend.Platform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []backend.Platform
	for _, p := range s.settings.ActivePlatforms {
		if p.Valid() {
			out = append(out, p)
		}
	}
	return out
}

// ChartKeys lists the chart keys that were requested at least once.
func (s *Store) ChartKeys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.charts))
	for k := range s.charts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Version increases on every change to any slice.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version: s.version,
		Derived: s.derived.clone(),
	}

	markets := make(map[string]backend.MarketSnapshot, len(s.markets))
	for k, v := range s.markets {
		markets[k] = v
	}
	snap.Markets = Slice[map[string]backend.MarketSnapshot]{Meta: s.metaLocked(KeyMarkets), Data: markets}

	ticks := make(map[string]backend.LiveTick, len(s.liveTicks))
	for k, v := range s.liveTicks {
		ticks[k] = v
	}
	snap.LiveTicks = Slice[map[string]backend.LiveTick]{Meta: s.metaLocked(KeyLiveTicks), Data: ticks}

	snap.Commodities = Slice[[]backend.Commodity]{
		Meta: s.metaLocked(KeyCommodities),
		Data: append([]backend.Commodity(nil), s.commodities...),
	}
	snap.Trades = Slice[[]backend.Trade]{Meta: s.metaLocked(KeyTrades), Data: cloneTrades(s.trades)}
	snap.Stats = Slice[backend.TradeStats]{Meta: s.metaLocked(KeyStats), Data: s.stats}
	snap.Settings = Slice[backend.Settings]{Meta: s.metaLocked(KeySettings), Data: s.settings.Clone()}
	snap.History = Slice[[]backend.MarketSnapshot]{
		Meta: s.metaLocked(KeyHistory),
		Data: append([]backend.MarketSnapshot(nil), s.history...),
	}

	snap.Charts = make(map[Key]Slice[[]backend.Candle], len(s.charts))
	for k, v := range s.charts {
		snap.Charts[k] = Slice[[]backend.Candle]{Meta: s.metaLocked(k), Data: append([]backend.Candle(nil), v...)}
	}

	snap.Accounts = make(map[backend.Platform]Slice[backend.AccountSnapshot], len(backend.AllPlatforms()))
	for _, p := range backend.AllPlatforms() {
		snap.Accounts[p] = Slice[backend.AccountSnapshot]{Meta: s.metaLocked(AccountKey(p)), Data: s.accounts[p]}
	}

	snap.Positions = make(map[backend.Platform]Slice[[]backend.Position], len(backend.AllPlatforms()))
	for _, p := range backend.AllPlatforms() {
		snap.Positions[p] = Slice[[]backend.Position]{
			Meta: s.metaLocked(PositionsKey(p)),
			Data: clonePositions(s.positions[p]),
		}
	}
	return snap
}

func (s *Store) metaLocked(key Key) Meta {
	m, ok := s.meta[key]
	if !ok {
		return Meta{Status: StatusLoading}
	}
	return m
}

func (s *Store) subscribersLocked() []func(Key) {
	out := make([]func(Key), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(Key), key Key) {
	for _, fn := range subs {
		fn(key)
	}
}

func sliceLabel(k Key) string {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return string(k[:i])
		}
	}
	return string(k)
}

func cloneTrades(in []backend.Trade) []backend.Trade {
	if in == nil {
		return nil
	}
	out := make([]backend.Trade, len(in))
	for i, t := range in {
		out[i] = cloneTrade(t)
	}
	return out
}

func clonePositions(in []backend.Position) []backend.Position {
	if in == nil {
		return nil
	}
	out := make([]backend.Position, len(in))
	for i, p := range in {
		p.StopLoss = copyFloat(p.StopLoss)
		p.TakeProfit = copyFloat(p.TakeProfit)
		out[i] = p
	}
	return out
}

func cloneTrade(t backend.Trade) backend.Trade {
	t.ExitPrice = copyFloat(t.ExitPrice)
	t.CurrentPrice = copyFloat(t.CurrentPrice)
	t.ProfitLoss = copyFloat(t.ProfitLoss)
	t.StopLoss = copyFloat(t.StopLoss)
	t.TakeProfit = copyFloat(t.TakeProfit)
	if t.ClosedAt != nil {
		c := *t.ClosedAt
		t.ClosedAt = &c
	}
	return t
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
