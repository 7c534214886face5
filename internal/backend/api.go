package backend

import "context"

// API is the subset of the backend the dashboard depends on. *Client
// implements it; tests substitute fakes.
type API interface {
	Commodities(ctx context.Context) ([]Commodity, error)
	AllMarkets(ctx context.Context) (map[string]MarketSnapshot, error)
	RefreshMarkets(ctx context.Context) error
	History(ctx context.Context, limit int) ([]MarketSnapshot, error)
	OHLCV(ctx context.Context, commodity, timeframe, period string) ([]Candle, error)
	LiveTicks(ctx context.Context) (map[string]LiveTick, error)

	Trades(ctx context.Context, status TradeStatus) ([]Trade, error)
	TradeStats(ctx context.Context) (TradeStats, error)
	ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error)
	CloseTrade(ctx context.Context, id string, exitPrice float64) (CloseResult, error)
	DeleteTrade(ctx context.Context, id string) error

	Settings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) (Settings, error)
	ResetSettings(ctx context.Context) (Settings, error)

	PlatformAccount(ctx context.Context, p Platform) (AccountSnapshot, error)
	LegacyAccount(ctx context.Context, p Platform) (AccountSnapshot, error)
	PlatformPositions(ctx context.Context, p Platform) ([]Position, error)
	ClosePlatformPosition(ctx context.Context, p Platform, ticket string) (CloseResult, error)

	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

var _ API = (*Client)(nil)
