package backend

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Backend payloads are read field by field. A missing or mistyped field
// yields the zero value instead of failing the whole payload.

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		v := r.Int()
		if v > 1e12 {
			return time.UnixMilli(v).UTC()
		}
		return time.Unix(v, 0).UTC()
	case gjson.String:
		s := strings.TrimSpace(r.String())
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func optTime(r gjson.Result) *time.Time {
	t := parseTime(r)
	if t.IsZero() {
		return nil
	}
	return &t
}

func optFloat(r gjson.Result) *float64 {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := r.Float()
	return &v
}

func firstOf(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func parseMarket(id string, r gjson.Result) MarketSnapshot {
	m := MarketSnapshot{
		Commodity:     r.Get("commodity").String(),
		Price:         r.Get("price").Float(),
		Bid:           r.Get("bid").Float(),
		Ask:           r.Get("ask").Float(),
		Volume:        r.Get("volume").Float(),
		Signal:        Signal(strings.ToUpper(r.Get("signal").String())),
		Trend:         Trend(strings.ToUpper(r.Get("trend").String())),
		RSI:           r.Get("rsi").Float(),
		MACD:          r.Get("macd").Float(),
		MACDSignal:    r.Get("macd_signal").Float(),
		MACDHistogram: r.Get("macd_histogram").Float(),
		SMA20:         firstOf(r, "sma_20", "sma20").Float(),
		EMA20:         firstOf(r, "ema_20", "ema20").Float(),
		Timestamp:     parseTime(r.Get("timestamp")),
	}
	if m.Commodity == "" {
		m.Commodity = id
	}
	return m
}

func parseCommodity(id string, r gjson.Result) Commodity {
	c := Commodity{
		ID:             r.Get("id").String(),
		Name:           r.Get("name").String(),
		Symbol:         r.Get("symbol").String(),
		Category:       r.Get("category").String(),
		Unit:           r.Get("unit").String(),
		Platform:       r.Get("platform").String(),
		MT5Symbol:      firstOf(r, "mt5_symbol", "mt5_libertex_symbol", "mt5_icmarkets_symbol").String(),
		BitpandaSymbol: r.Get("bitpanda_symbol").String(),
	}
	if c.ID == "" {
		c.ID = id
	}
	return c
}

func parseTrade(r gjson.Result) Trade {
	t := Trade{
		ID:             r.Get("id").String(),
		Commodity:      r.Get("commodity").String(),
		Side:           Side(strings.ToUpper(firstOf(r, "type", "side").String())),
		Price:          r.Get("price").Float(),
		EntryPrice:     r.Get("entry_price").Float(),
		ExitPrice:      optFloat(r.Get("exit_price")),
		CurrentPrice:   optFloat(r.Get("current_price")),
		Quantity:       firstOf(r, "quantity", "volume").Float(),
		Status:         TradeStatus(strings.ToUpper(r.Get("status").String())),
		Mode:           r.Get("mode").String(),
		Platform:       Platform(strings.ToUpper(r.Get("platform").String())),
		ProfitLoss:     optFloat(firstOf(r, "profit_loss", "profit")),
		Ticket:         firstOf(r, "mt5_ticket", "ticket", "position_id").String(),
		StopLoss:       optFloat(r.Get("stop_loss")),
		TakeProfit:     optFloat(r.Get("take_profit")),
		StrategySignal: r.Get("strategy_signal").String(),
		Timestamp:      parseTime(r.Get("timestamp")),
		ClosedAt:       optTime(r.Get("closed_at")),
	}
	if t.EntryPrice == 0 {
		t.EntryPrice = t.Price
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	return t
}

func parseStats(r gjson.Result) TradeStats {
	return TradeStats{
		TotalTrades:     int(r.Get("total_trades").Int()),
		OpenPositions:   int(r.Get("open_positions").Int()),
		ClosedPositions: int(r.Get("closed_positions").Int()),
		TotalProfitLoss: r.Get("total_profit_loss").Float(),
		WinRate:         r.Get("win_rate").Float(),
		WinningTrades:   int(r.Get("winning_trades").Int()),
		LosingTrades:    int(r.Get("losing_trades").Int()),
	}
}

// parseAccount accepts both the enveloped {"account":{...}} shape of the
// per-platform endpoints and the flat shape of the legacy ones.
func parseAccount(p Platform, r gjson.Result) AccountSnapshot {
	body := r
	if acc := r.Get("account"); acc.Exists() && acc.IsObject() {
		body = acc
	}
	a := AccountSnapshot{
		Platform:   p,
		Balance:    body.Get("balance").Float(),
		Equity:     body.Get("equity").Float(),
		Margin:     body.Get("margin").Float(),
		FreeMargin: firstOf(body, "free_margin", "freeMargin").Float(),
		Profit:     body.Get("profit").Float(),
		Currency:   body.Get("currency").String(),
		Leverage:   body.Get("leverage").Float(),
		TradeMode:  body.Get("trade_mode").String(),
		Broker:     body.Get("broker").String(),
		Connected:  true,
	}
	if c := firstOf(r, "connected", "account.connected"); c.Exists() {
		a.Connected = c.Bool()
	}
	return a
}

func parsePosition(p Platform, r gjson.Result) Position {
	return Position{
		Ticket:       firstOf(r, "ticket", "id", "position_id").String(),
		Symbol:       r.Get("symbol").String(),
		Side:         Side(strings.ToUpper(firstOf(r, "type", "side").String())),
		Volume:       firstOf(r, "volume", "amount", "quantity").Float(),
		OpenPrice:    firstOf(r, "price_open", "openPrice", "entry_price").Float(),
		CurrentPrice: firstOf(r, "price_current", "currentPrice", "current_price").Float(),
		Profit:       firstOf(r, "profit", "profit_loss").Float(),
		StopLoss:     optFloat(firstOf(r, "sl", "stopLoss", "stop_loss")),
		TakeProfit:   optFloat(firstOf(r, "tp", "takeProfit", "take_profit")),
		Platform:     p,
	}
}

func parseCandle(r gjson.Result) Candle {
	return Candle{
		Timestamp: parseTime(firstOf(r, "timestamp", "time", "date")),
		Open:      r.Get("open").Float(),
		High:      r.Get("high").Float(),
		Low:       r.Get("low").Float(),
		Close:     firstOf(r, "close", "price").Float(),
		Volume:    r.Get("volume").Float(),
	}
}

func parseTick(id string, r gjson.Result) LiveTick {
	if r.Type == gjson.Number {
		return LiveTick{Commodity: id, Price: r.Float()}
	}
	t := LiveTick{
		Commodity: r.Get("commodity").String(),
		Price:     r.Get("price").Float(),
		Bid:       r.Get("bid").Float(),
		Ask:       r.Get("ask").Float(),
		Timestamp: parseTime(r.Get("timestamp")),
	}
	if t.Commodity == "" {
		t.Commodity = id
	}
	return t
}

// eachEntry walks either a JSON object (keyed by id) or an array.
func eachEntry(r gjson.Result, fn func(key string, value gjson.Result)) {
	r.ForEach(func(k, v gjson.Result) bool {
		key := ""
		if r.IsObject() {
			key = k.String()
		}
		fn(key, v)
		return true
	})
}
