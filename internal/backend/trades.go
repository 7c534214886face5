package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

func (c *Client) Trades(ctx context.Context, status TradeStatus) ([]Trade, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", string(status))
	}
	r, err := c.read(ctx, "trades list", "/trades/list", params)
	if err != nil {
		return nil, err
	}

	list := r.Get("trades")
	if !list.Exists() && r.IsArray() {
		list = r
	}
	out := make([]Trade, 0, len(list.Array()))
	list.ForEach(func(_, v gjson.Result) bool {
		out = append(out, parseTrade(v))
		return true
	})
	return out, nil
}

func (c *Client) TradeStats(ctx context.Context) (TradeStats, error) {
	r, err := c.read(ctx, "trades stats", "/trades/stats", nil)
	if err != nil {
		return TradeStats{}, err
	}
	return parseStats(r), nil
}

// ExecuteTrade places a manual trade. The backend takes the order as query
// parameters, not a JSON body.
func (c *Client) ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	if !req.Side.Valid() {
		return TradeResult{}, fmt.Errorf("execute trade: invalid side %q", req.Side)
	}
	params := url.Values{}
	params.Set("trade_type", string(req.Side))
	params.Set("price", FormatPrice(req.Price))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	params.Set("commodity", req.Commodity)
	if req.Platform != "" {
		params.Set("platform", string(req.Platform))
	}

	r, err := c.command(ctx, "trades execute", http.MethodPost, "/trades/execute", params, nil)
	if err != nil {
		return TradeResult{}, err
	}

	var result TradeResult
	if t := r.Get("trade"); t.Exists() && t.IsObject() {
		trade := parseTrade(t)
		if trade.Commodity == "" {
			trade.Commodity = req.Commodity
		}
		if trade.Platform == "" {
			trade.Platform = req.Platform
		}
		result.Trade = &trade
	}
	return result, nil
}

// CloseTrade closes a locally tracked trade through the generic endpoint.
// The backend requires exit_price, so a non-positive price is refused here.
func (c *Client) CloseTrade(ctx context.Context, id string, exitPrice float64) (CloseResult, error) {
	if exitPrice <= 0 {
		return CloseResult{}, fmt.Errorf("trades close %s: exit price must be positive, got %v", id, exitPrice)
	}
	params := url.Values{"exit_price": {FormatPrice(exitPrice)}}
	r, err := c.command(ctx, "trades close", http.MethodPost, "/trades/close/"+url.PathEscape(id), params, nil)
	if err != nil {
		return CloseResult{}, err
	}
	return CloseResult{ProfitLoss: optFloat(r.Get("profit_loss"))}, nil
}

func (c *Client) DeleteTrade(ctx context.Context, id string) error {
	_, err := c.command(ctx, "trades delete", http.MethodDelete, "/trades/"+url.PathEscape(id), nil, nil)
	return err
}

// FormatPrice renders a price with at least two decimals and no precision
// loss for instruments quoted with more.
func FormatPrice(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	dot := strings.IndexByte(s, '.')
	switch {
	case dot < 0:
		return s + ".00"
	case len(s)-dot-1 < 2:
		return s + strings.Repeat("0", 2-(len(s)-dot-1))
	}
	return s
}
