package backend

import (
	"encoding/json"
	"time"
)

// Platform identifies a brokerage connection.
type Platform string

const (
	PlatformMT5Libertex  Platform = "MT5_LIBERTEX"
	PlatformMT5ICMarkets Platform = "MT5_ICMARKETS"
	PlatformBitpanda     Platform = "BITPANDA"
)

func AllPlatforms() []Platform {
	return []Platform{PlatformMT5Libertex, PlatformMT5ICMarkets, PlatformBitpanda}
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformMT5Libertex, PlatformMT5ICMarkets, PlatformBitpanda:
		return true
	}
	return false
}

func (p Platform) IsMT5() bool {
	return p == PlatformMT5Libertex || p == PlatformMT5ICMarkets
}

type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

type Trend string

const (
	TrendUp      Trend = "UP"
	TrendDown    Trend = "DOWN"
	TrendNeutral Trend = "NEUTRAL"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type TradeStatus string

const (
	StatusOpen   TradeStatus = "OPEN"
	StatusClosed TradeStatus = "CLOSED"
)

type MarketSnapshot struct {
	Commodity     string    `json:"commodity"`
	Price         float64   `json:"price"`
	Bid           float64   `json:"bid,omitempty"`
	Ask           float64   `json:"ask,omitempty"`
	Volume        float64   `json:"volume,omitempty"`
	Signal        Signal    `json:"signal,omitempty"`
	Trend         Trend     `json:"trend,omitempty"`
	RSI           float64   `json:"rsi,omitempty"`
	MACD          float64   `json:"macd,omitempty"`
	MACDSignal    float64   `json:"macd_signal,omitempty"`
	MACDHistogram float64   `json:"macd_histogram,omitempty"`
	SMA20         float64   `json:"sma_20,omitempty"`
	EMA20         float64   `json:"ema_20,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Commodity struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Symbol         string `json:"symbol,omitempty"`
	Category       string `json:"category,omitempty"`
	Unit           string `json:"unit,omitempty"`
	Platform       string `json:"platform,omitempty"`
	MT5Symbol      string `json:"mt5_symbol,omitempty"`
	BitpandaSymbol string `json:"bitpanda_symbol,omitempty"`
}

// TradableOn reports whether the commodity has a symbol mapping for p.
func (c Commodity) TradableOn(p Platform) bool {
	switch {
	case p.IsMT5():
		return c.MT5Symbol != "" || c.Platform == "MT5"
	case p == PlatformBitpanda:
		return c.BitpandaSymbol != "" || c.Platform == string(PlatformBitpanda)
	}
	return false
}

type Trade struct {
	ID             string      `json:"id"`
	Commodity      string      `json:"commodity"`
	Side           Side        `json:"type"`
	Price          float64     `json:"price"`
	EntryPrice     float64     `json:"entry_price"`
	ExitPrice      *float64    `json:"exit_price,omitempty"`
	CurrentPrice   *float64    `json:"current_price,omitempty"`
	Quantity       float64     `json:"quantity"`
	Status         TradeStatus `json:"status"`
	Mode           string      `json:"mode,omitempty"`
	Platform       Platform    `json:"platform,omitempty"`
	ProfitLoss     *float64    `json:"profit_loss,omitempty"`
	Ticket         string      `json:"mt5_ticket,omitempty"`
	StopLoss       *float64    `json:"stop_loss,omitempty"`
	TakeProfit     *float64    `json:"take_profit,omitempty"`
	StrategySignal string      `json:"strategy_signal,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
}

// BrokerBacked reports whether the trade is tracked by a broker ticket on a
// known platform, as opposed to a locally tracked paper/database trade.
func (t Trade) BrokerBacked() bool {
	return t.Platform.Valid() && t.Ticket != ""
}

func (t Trade) IsOpen() bool {
	return t.Status == StatusOpen
}

type TradeStats struct {
	TotalTrades     int     `json:"total_trades"`
	OpenPositions   int     `json:"open_positions"`
	ClosedPositions int     `json:"closed_positions"`
	TotalProfitLoss float64 `json:"total_profit_loss"`
	WinRate         float64 `json:"win_rate"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
}

type AccountSnapshot struct {
	Platform   Platform `json:"platform"`
	Balance    float64  `json:"balance"`
	Equity     float64  `json:"equity"`
	Margin     float64  `json:"margin"`
	FreeMargin float64  `json:"free_margin"`
	Profit     float64  `json:"profit"`
	Currency   string   `json:"currency"`
	Leverage   float64  `json:"leverage"`
	TradeMode  string   `json:"trade_mode"`
	Broker     string   `json:"broker,omitempty"`
	Connected  bool     `json:"connected"`
}

// Position is an open position reported by a broker platform.
type Position struct {
	Ticket       string   `json:"ticket"`
	Symbol       string   `json:"symbol"`
	Side         Side     `json:"type"`
	Volume       float64  `json:"volume"`
	OpenPrice    float64  `json:"price_open"`
	CurrentPrice float64  `json:"price_current"`
	Profit       float64  `json:"profit"`
	StopLoss     *float64 `json:"sl,omitempty"`
	TakeProfit   *float64 `json:"tp,omitempty"`
	Platform     Platform `json:"platform,omitempty"`
}

type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

type LiveTick struct {
	Commodity string    `json:"commodity"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Settings is the single mutable configuration record. It is always sent
// back whole; fields the dashboard does not model survive in Extra.
type Settings struct {
	Mode                    string     `json:"mode"`
	AutoTrading             bool       `json:"auto_trading"`
	UseAIAnalysis           bool       `json:"use_ai_analysis"`
	AIProvider              string     `json:"ai_provider"`
	AIModel                 string     `json:"ai_model"`
	OpenAIAPIKey            string     `json:"openai_api_key,omitempty"`
	GeminiAPIKey            string     `json:"gemini_api_key,omitempty"`
	AnthropicAPIKey         string     `json:"anthropic_api_key,omitempty"`
	OllamaBaseURL           string     `json:"ollama_base_url,omitempty"`
	OllamaModel             string     `json:"ollama_model,omitempty"`
	StopLossPercent         float64    `json:"stop_loss_percent"`
	TakeProfitPercent       float64    `json:"take_profit_percent"`
	UseTrailingStop         bool       `json:"use_trailing_stop"`
	TrailingStopDistance    float64    `json:"trailing_stop_distance"`
	MaxTradesPerHour        int        `json:"max_trades_per_hour"`
	PositionSize            float64    `json:"position_size"`
	MaxPortfolioRiskPercent float64    `json:"max_portfolio_risk_percent"`
	EnabledCommodities      []string   `json:"enabled_commodities"`
	ActivePlatforms         []Platform `json:"active_platforms"`
	DefaultPlatform         Platform   `json:"default_platform,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type settingsAlias Settings

// settingsKeys are the JSON keys owned by the typed Settings fields.
var settingsKeys = []string{
	"mode", "auto_trading", "use_ai_analysis", "ai_provider", "ai_model",
	"openai_api_key", "gemini_api_key", "anthropic_api_key", "ollama_base_url",
	"ollama_model", "stop_loss_percent", "take_profit_percent", "use_trailing_stop",
	"trailing_stop_distance", "max_trades_per_hour", "position_size",
	"max_portfolio_risk_percent", "enabled_commodities", "active_platforms",
	"default_platform",
}

func (s Settings) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(settingsAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	var alias settingsAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range settingsKeys {
		delete(all, k)
	}

	*s = Settings(alias)
	if len(all) > 0 {
		s.Extra = all
	}
	return nil
}

// IsActive reports whether p is in the active platform set.
func (s Settings) IsActive(p Platform) bool {
	for _, a := range s.ActivePlatforms {
		if a == p {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.EnabledCommodities = append([]string(nil), s.EnabledCommodities...)
	out.ActivePlatforms = append([]Platform(nil), s.ActivePlatforms...)
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

type ChatRequest struct {
	Message  string
	Provider string
	Model    string
}

type ChatResponse struct {
	Response string `json:"response"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// TradeRequest is a manual trade command.
type TradeRequest struct {
	Commodity string
	Side      Side
	Price     float64
	Quantity  float64
	Platform  Platform
}

// TradeResult is what /trades/execute reports back.
type TradeResult struct {
	Trade *Trade `json:"trade,omitempty"`
}

type CloseResult struct {
	ProfitLoss *float64 `json:"profit_loss,omitempty"`
	Ticket     string   `json:"ticket,omitempty"`
}
