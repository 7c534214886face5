package backend

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

func (c *Client) Commodities(ctx context.Context) ([]Commodity, error) {
	r, err := c.read(ctx, "commodities", "/commodities", nil)
	if err != nil {
		return nil, err
	}

	list := r.Get("commodities")
	if !list.Exists() {
		list = r
	}
	var out []Commodity
	eachEntry(list, func(id string, v gjson.Result) {
		out = append(out, parseCommodity(id, v))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AllMarkets returns the latest snapshot per enabled commodity.
func (c *Client) AllMarkets(ctx context.Context) (map[string]MarketSnapshot, error) {
	r, err := c.read(ctx, "market all", "/market/all", nil)
	if err != nil {
		return nil, err
	}

	markets := r.Get("markets")
	if !markets.Exists() {
		markets = r
	}
	out := make(map[string]MarketSnapshot)
	eachEntry(markets, func(id string, v gjson.Result) {
		if !v.IsObject() {
			return
		}
		m := parseMarket(id, v)
		if m.Commodity != "" {
			out[m.Commodity] = m
		}
	})
	return out, nil
}

// RefreshMarkets asks the backend to pull fresh prices from upstream.
func (c *Client) RefreshMarkets(ctx context.Context) error {
	_, err := c.command(ctx, "market refresh", http.MethodPost, "/market/refresh", nil, nil)
	return err
}

func (c *Client) History(ctx context.Context, limit int) ([]MarketSnapshot, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	r, err := c.read(ctx, "market history", "/market/history", params)
	if err != nil {
		return nil, err
	}

	var out []MarketSnapshot
	r.Get("data").ForEach(func(_, v gjson.Result) bool {
		out = append(out, parseMarket("", v))
		return true
	})
	return out, nil
}

func (c *Client) OHLCV(ctx context.Context, commodity, timeframe, period string) ([]Candle, error) {
	params := url.Values{}
	if timeframe != "" {
		params.Set("timeframe", timeframe)
	}
	if period != "" {
		params.Set("period", period)
	}
	r, err := c.read(ctx, "market ohlcv", "/market/ohlcv/"+url.PathEscape(commodity), params)
	if err != nil {
		return nil, err
	}
	return parseCandles(r), nil
}

func (c *Client) LiveTicks(ctx context.Context) (map[string]LiveTick, error) {
	r, err := c.read(ctx, "live ticks", "/market/live-ticks", nil)
	if err != nil {
		return nil, err
	}

	ticks := firstOf(r, "live_prices", "ticks", "prices")
	if !ticks.Exists() {
		ticks = r
	}
	out := make(map[string]LiveTick)
	eachEntry(ticks, func(id string, v gjson.Result) {
		t := parseTick(id, v)
		if t.Commodity != "" && t.Price > 0 {
			out[t.Commodity] = t
		}
	})
	return out, nil
}

func parseCandles(r gjson.Result) []Candle {
	data := firstOf(r, "data", "candles")
	if !data.Exists() && r.IsArray() {
		data = r
	}
	var out []Candle
	data.ForEach(func(_, v gjson.Result) bool {
		out = append(out, parseCandle(v))
		return true
	})
	return out
}
