package web

import (
	"sort"
	"strings"
	"time"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/chat"
	"github.com/camuig/rohstoff-dashboard/internal/notify"
	"github.com/camuig/rohstoff-dashboard/internal/store"
)

// PanelState tells the page what a data panel may show. Loading and empty
// are distinct: empty means the backend answered with nothing.
type PanelState string

const (
	PanelLoading PanelState = "loading"
	PanelEmpty   PanelState = "empty"
	PanelReady   PanelState = "ready"
	PanelError   PanelState = "error"
)

// Panel is the freshness header every data panel carries. On error the last
// good data is still attached and Stale is set.
type Panel struct {
	State     PanelState `json:"state"`
	Stale     bool       `json:"stale,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func panelFor(m store.Meta, empty bool) Panel {
	p := Panel{}
	if m.HasData() {
		t := m.UpdatedAt
		p.UpdatedAt = &t
	}
	switch {
	case m.Status == store.StatusFailed:
		p.State = PanelError
		p.Error = m.Err
		p.Stale = m.HasData()
	case !m.HasData():
		p.State = PanelLoading
	case empty:
		p.State = PanelEmpty
	default:
		p.State = PanelReady
	}
	return p
}

// HasData reports whether the panel has rows to render, fresh or stale.
func (p Panel) HasData() bool {
	return p.State == PanelReady || (p.State == PanelError && p.Stale)
}

type View struct {
	Version       uint64                `json:"version"`
	Live          bool                  `json:"live"`
	Markets       MarketsPanel          `json:"markets"`
	History       HistoryPanel          `json:"history"`
	Trades        TradesPanel           `json:"trades"`
	Stats         StatsPanel            `json:"stats"`
	Accounts      []AccountPanel        `json:"accounts"`
	Risk          RiskView              `json:"risk"`
	Settings      SettingsPanel         `json:"settings"`
	Charts        []ChartPanel          `json:"charts"`
	Notifications []notify.Notification `json:"notifications"`
	Chat          []chat.Message        `json:"chat"`
}

type MarketsPanel struct {
	Panel
	Rows []MarketRow `json:"rows"`
}

type MarketRow struct {
	Commodity string         `json:"commodity"`
	Name      string         `json:"name"`
	Category  string         `json:"category,omitempty"`
	Unit      string         `json:"unit,omitempty"`
	Price     string         `json:"price"`
	LivePrice string         `json:"live_price,omitempty"`
	Bid       string         `json:"bid,omitempty"`
	Ask       string         `json:"ask,omitempty"`
	Signal    backend.Signal `json:"signal,omitempty"`
	Trend     backend.Trend  `json:"trend,omitempty"`
	RSI       float64        `json:"rsi"`
	MACD      float64        `json:"macd"`
	SMA20     float64        `json:"sma_20"`
	EMA20     float64        `json:"ema_20"`
	Timestamp time.Time      `json:"timestamp"`
	Tradable  bool           `json:"tradable"`
}

type HistoryPanel struct {
	Panel
	Points []HistoryPoint `json:"points"`
}

type HistoryPoint struct {
	Commodity string    `json:"commodity"`
	Price     float64   `json:"price"`
	Time      time.Time `json:"time"`
}

type TradesPanel struct {
	Panel
	Open   []TradeRow `json:"open"`
	Closed []TradeRow `json:"closed"`
}

type TradeRow struct {
	ID           string              `json:"id"`
	Commodity    string              `json:"commodity"`
	Side         backend.Side        `json:"side"`
	Quantity     float64             `json:"quantity"`
	Entry        string              `json:"entry"`
	Exit         string              `json:"exit,omitempty"`
	Current      string              `json:"current,omitempty"`
	ProfitLoss   string              `json:"profit_loss,omitempty"`
	Status       backend.TradeStatus `json:"status"`
	Platform     backend.Platform    `json:"platform,omitempty"`
	Ticket       string              `json:"ticket,omitempty"`
	BrokerBacked bool                `json:"broker_backed"`
	Opened       time.Time           `json:"opened"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
}

type StatsPanel struct {
	Panel
	Stats backend.TradeStats `json:"stats"`
}

type AccountPanel struct {
	Panel
	Platform  backend.Platform         `json:"platform"`
	Active    bool                     `json:"active"`
	Account   *backend.AccountSnapshot `json:"account,omitempty"`
	Positions PositionsPanel           `json:"positions"`
}

type PositionsPanel struct {
	Panel
	Rows []PositionRow `json:"rows"`
}

type PositionRow struct {
	Ticket  string       `json:"ticket"`
	Symbol  string       `json:"symbol"`
	Side    backend.Side `json:"side"`
	Volume  float64      `json:"volume"`
	Open    string       `json:"open"`
	Current string       `json:"current,omitempty"`
	Profit  string       `json:"profit"`
}

// RiskView is the portfolio risk card. Its state follows the trades slice;
// until trades load the figures stay empty instead of reading 0. With no
// balance loaded it shows no percentage at all rather than 0%.
type RiskView struct {
	Panel
	OpenTrades   int    `json:"open_trades"`
	OpenExposure string `json:"open_exposure"`
	UnrealizedPL string `json:"unrealized_pl"`
	BalanceKnown bool   `json:"balance_known"`
	TotalBalance string `json:"total_balance,omitempty"`
	RiskPercent  string `json:"risk_percent,omitempty"`
	RiskLimit    string `json:"risk_limit,omitempty"`
	Exceeded     bool   `json:"exceeded"`
}

type SettingsPanel struct {
	Panel
	Settings *backend.Settings `json:"settings,omitempty"`
	// Secrets reports which provider keys are set; the values never leave
	// the server.
	Secrets map[string]bool `json:"secrets,omitempty"`
}

type ChartPanel struct {
	Panel
	Commodity string           `json:"commodity"`
	Timeframe string           `json:"timeframe"`
	Candles   []backend.Candle `json:"candles"`
}

// BuildView turns a store snapshot plus the transient feeds into the page
// model. It has no side effects.
func BuildView(snap store.Snapshot, notes []notify.Notification, messages []chat.Message, live bool) View {
	v := View{
		Version:       snap.Version,
		Live:          live,
		Markets:       buildMarkets(snap),
		History:       buildHistory(snap.History),
		Trades:        buildTrades(snap),
		Stats:         StatsPanel{Panel: panelFor(snap.Stats.Meta, false), Stats: snap.Stats.Data},
		Accounts:      buildAccounts(snap),
		Risk:          buildRisk(snap.Trades.Meta, snap.Derived),
		Settings:      buildSettings(snap.Settings),
		Charts:        buildCharts(snap.Charts),
		Notifications: notes,
		Chat:          messages,
	}
	if v.Notifications == nil {
		v.Notifications = []notify.Notification{}
	}
	if v.Chat == nil {
		v.Chat = []chat.Message{}
	}
	return v
}

func buildMarkets(snap store.Snapshot) MarketsPanel {
	catalog := make(map[string]backend.Commodity, len(snap.Commodities.Data))
	order := make(map[string]int, len(snap.Commodities.Data))
	for i, c := range snap.Commodities.Data {
		catalog[c.ID] = c
		order[c.ID] = i
	}

	var active []backend.Platform
	if snap.Settings.HasData() {
		active = snap.Settings.Data.ActivePlatforms
	}

	rows := make([]MarketRow, 0, len(snap.Markets.Data))
	for id, m := range snap.Markets.Data {
		c, known := catalog[id]
		row := MarketRow{
			Commodity: id,
			Name:      id,
			Price:     backend.FormatPrice(m.Price),
			Signal:    m.Signal,
			Trend:     m.Trend,
			RSI:       m.RSI,
			MACD:      m.MACD,
			SMA20:     m.SMA20,
			EMA20:     m.EMA20,
			Timestamp: m.Timestamp,
			Tradable:  m.Price > 0,
		}
		if known {
			if c.Name != "" {
				row.Name = c.Name
			}
			row.Category = c.Category
			row.Unit = c.Unit
			if len(active) > 0 {
				row.Tradable = row.Tradable && tradableOnAny(c, active)
			}
		}
		if m.Bid > 0 {
			row.Bid = backend.FormatPrice(m.Bid)
		}
		if m.Ask > 0 {
			row.Ask = backend.FormatPrice(m.Ask)
		}
		if t, ok := snap.LiveTicks.Data[id]; ok && t.Price > 0 {
			row.LivePrice = backend.FormatPrice(t.Price)
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		oi, iok := order[rows[i].Commodity]
		oj, jok := order[rows[j].Commodity]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		}
		return rows[i].Commodity < rows[j].Commodity
	})

	return MarketsPanel{Panel: panelFor(snap.Markets.Meta, len(rows) == 0), Rows: rows}
}

func tradableOnAny(c backend.Commodity, platforms []backend.Platform) bool {
	if c.MT5Symbol == "" && c.BitpandaSymbol == "" && c.Platform == "" {
		return true
	}
	for _, p := range platforms {
		if c.TradableOn(p) {
			return true
		}
	}
	return false
}

func buildHistory(s store.Slice[[]backend.MarketSnapshot]) HistoryPanel {
	points := make([]HistoryPoint, 0, len(s.Data))
	for _, m := range s.Data {
		points = append(points, HistoryPoint{Commodity: m.Commodity, Price: m.Price, Time: m.Timestamp})
	}
	return HistoryPanel{Panel: panelFor(s.Meta, len(points) == 0), Points: points}
}

func buildTrades(snap store.Snapshot) TradesPanel {
	p := TradesPanel{
		Panel:  panelFor(snap.Trades.Meta, len(snap.Trades.Data) == 0),
		Open:   []TradeRow{},
		Closed: []TradeRow{},
	}
	for _, t := range snap.Trades.Data {
		row := TradeRow{
			ID:           t.ID,
			Commodity:    t.Commodity,
			Side:         t.Side,
			Quantity:     t.Quantity,
			Entry:        backend.FormatPrice(t.EntryPrice),
			Status:       t.Status,
			Platform:     t.Platform,
			Ticket:       t.Ticket,
			BrokerBacked: t.BrokerBacked(),
			Opened:       t.Timestamp,
			ClosedAt:     t.ClosedAt,
		}
		if t.ExitPrice != nil {
			row.Exit = backend.FormatPrice(*t.ExitPrice)
		}
		current := t.CurrentPrice
		if current == nil && t.IsOpen() {
			if m, ok := snap.Markets.Data[t.Commodity]; ok && m.Price > 0 {
				price := m.Price
				current = &price
			}
		}
		if current != nil {
			row.Current = backend.FormatPrice(*current)
		}
		switch {
		case t.ProfitLoss != nil:
			row.ProfitLoss = signed(*t.ProfitLoss)
		case t.IsOpen() && current != nil:
			row.ProfitLoss = signed(unrealized(t, *current))
		}

		if t.IsOpen() {
			p.Open = append(p.Open, row)
		} else {
			p.Closed = append(p.Closed, row)
		}
	}
	sort.SliceStable(p.Closed, func(i, j int) bool { return p.Closed[i].Opened.After(p.Closed[j].Opened) })
	return p
}

func unrealized(t backend.Trade, current float64) float64 {
	diff := current - t.EntryPrice
	if t.Side == backend.SideSell {
		diff = -diff
	}
	return diff * t.Quantity
}

func signed(v float64) string {
	s := backend.FormatPrice(v)
	if v > 0 {
		return "+" + s
	}
	return s
}

func buildAccounts(snap store.Snapshot) []AccountPanel {
	settingsLoaded := snap.Settings.HasData()
	out := make([]AccountPanel, 0, len(snap.Accounts))
	for _, p := range backend.AllPlatforms() {
		s := snap.Accounts[p]
		ap := AccountPanel{
			Panel:    panelFor(s.Meta, false),
			Platform: p,
			Active:   settingsLoaded && snap.Settings.Data.IsActive(p),
		}
		if ap.HasData() {
			acc := s.Data
			ap.Account = &acc
		}
		ap.Positions = buildPositions(snap.Positions[p])
		out = append(out, ap)
	}
	return out
}

func buildPositions(s store.Slice[[]backend.Position]) PositionsPanel {
	p := PositionsPanel{Panel: panelFor(s.Meta, len(s.Data) == 0), Rows: []PositionRow{}}
	for _, pos := range s.Data {
		row := PositionRow{
			Ticket: pos.Ticket,
			Symbol: pos.Symbol,
			Side:   pos.Side,
			Volume: pos.Volume,
			Open:   backend.FormatPrice(pos.OpenPrice),
			Profit: signed(pos.Profit),
		}
		if pos.CurrentPrice > 0 {
			row.Current = backend.FormatPrice(pos.CurrentPrice)
		}
		p.Rows = append(p.Rows, row)
	}
	return p
}

func buildRisk(trades store.Meta, d store.Derived) RiskView {
	r := RiskView{Panel: panelFor(trades, false)}
	if !r.HasData() {
		return r
	}
	r.BalanceKnown = d.BalanceKnown
	r.OpenTrades = d.OpenTrades
	r.OpenExposure = d.OpenExposure.StringFixed(2)
	r.UnrealizedPL = d.UnrealizedPL.StringFixed(2)
	r.Exceeded = d.RiskExceeded
	if d.BalanceKnown {
		r.TotalBalance = d.TotalBalance.StringFixed(2)
		if d.TotalBalance.IsPositive() {
			r.RiskPercent = d.RiskPercent.StringFixed(2)
		}
	}
	if d.RiskLimit.IsPositive() {
		r.RiskLimit = d.RiskLimit.StringFixed(2)
	}
	return r
}

func buildSettings(s store.Slice[backend.Settings]) SettingsPanel {
	p := SettingsPanel{Panel: panelFor(s.Meta, false)}
	if !p.HasData() {
		return p
	}
	redacted, secrets := redactSettings(s.Data)
	p.Settings = &redacted
	p.Secrets = secrets
	return p
}

// redactSettings blanks the provider keys and reports which were set.
func redactSettings(s backend.Settings) (backend.Settings, map[string]bool) {
	out := s.Clone()
	secrets := map[string]bool{
		"openai_api_key":    s.OpenAIAPIKey != "",
		"gemini_api_key":    s.GeminiAPIKey != "",
		"anthropic_api_key": s.AnthropicAPIKey != "",
	}
	out.OpenAIAPIKey, out.GeminiAPIKey, out.AnthropicAPIKey = "", "", ""
	return out, secrets
}

func buildCharts(charts map[store.Key]store.Slice[[]backend.Candle]) []ChartPanel {
	out := make([]ChartPanel, 0, len(charts))
	for k, s := range charts {
		commodity, timeframe := splitChartKey(k)
		out = append(out, ChartPanel{
			Panel:     panelFor(s.Meta, len(s.Data) == 0),
			Commodity: commodity,
			Timeframe: timeframe,
			Candles:   s.Data,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Commodity != out[j].Commodity {
			return out[i].Commodity < out[j].Commodity
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

func splitChartKey(k store.Key) (commodity, timeframe string) {
	parts := strings.SplitN(strings.TrimPrefix(string(k), "chart/"), "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
