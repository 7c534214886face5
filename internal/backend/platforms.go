package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

func platformPath(p Platform, rest string) string {
	return "/platforms/" + url.PathEscape(string(p)) + rest
}

func (c *Client) PlatformAccount(ctx context.Context, p Platform) (AccountSnapshot, error) {
	if !p.Valid() {
		return AccountSnapshot{}, fmt.Errorf("platform account: unknown platform %q", p)
	}
	r, err := c.read(ctx, "platform account "+string(p), platformPath(p, "/account"), nil)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return parseAccount(p, r), nil
}

// PlatformPositions lists the broker positions of p. MT5 Libertex falls back
// to the single-platform /mt5/positions route when the backend does not
// know the per-platform one.
func (c *Client) PlatformPositions(ctx context.Context, p Platform) ([]Position, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("platform positions: unknown platform %q", p)
	}
	r, err := c.read(ctx, "platform positions "+string(p), platformPath(p, "/positions"), nil)
	if err != nil && IsNotFound(err) && p == PlatformMT5Libertex {
		c.logger.Debug("positions served by legacy endpoint", "platform", p)
		r, err = c.read(ctx, "mt5 positions", "/mt5/positions", nil)
	}
	if err != nil {
		return nil, err
	}

	list := r.Get("positions")
	if !list.Exists() && r.IsArray() {
		list = r
	}
	var out []Position
	list.ForEach(func(_, v gjson.Result) bool {
		out = append(out, parsePosition(p, v))
		return true
	})
	return out, nil
}

// ClosePlatformPosition closes a broker-held position identified by its
// ticket on the platform that owns it. For MT5 platforms a 404 on the
// per-platform route retries on /mt5/close/{ticket}.
func (c *Client) ClosePlatformPosition(ctx context.Context, p Platform, ticket string) (CloseResult, error) {
	if !p.Valid() {
		return CloseResult{}, fmt.Errorf("close position: unknown platform %q", p)
	}
	if ticket == "" {
		return CloseResult{}, fmt.Errorf("close position: empty ticket")
	}
	path := platformPath(p, "/positions/"+url.PathEscape(ticket)+"/close")
	r, err := c.command(ctx, "close position "+string(p), http.MethodPost, path, nil, nil)
	if err != nil && IsNotFound(err) && p.IsMT5() {
		c.logger.Info("closing through legacy mt5 endpoint", "platform", p, "ticket", ticket)
		r, err = c.command(ctx, "mt5 close", http.MethodPost, "/mt5/close/"+url.PathEscape(ticket), nil, nil)
	}
	if err != nil {
		return CloseResult{}, err
	}
	return CloseResult{ProfitLoss: optFloat(r.Get("profit_loss")), Ticket: ticket}, nil
}

// LegacyMT5Account reads the single-platform MT5 endpoint. The account is
// reported as the primary MT5 connection.
func (c *Client) LegacyMT5Account(ctx context.Context) (AccountSnapshot, error) {
	r, err := c.read(ctx, "mt5 account", "/mt5/account", nil)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return parseAccount(PlatformMT5Libertex, r), nil
}

func (c *Client) LegacyBitpandaAccount(ctx context.Context) (AccountSnapshot, error) {
	r, err := c.read(ctx, "bitpanda account", "/bitpanda/account", nil)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return parseAccount(PlatformBitpanda, r), nil
}

// LegacyAccount reads the older single-platform endpoint for p, for
// backends that predate the per-platform routes. MT5_ICMARKETS never had one.
func (c *Client) LegacyAccount(ctx context.Context, p Platform) (AccountSnapshot, error) {
	switch p {
	case PlatformMT5Libertex:
		return c.LegacyMT5Account(ctx)
	case PlatformBitpanda:
		return c.LegacyBitpandaAccount(ctx)
	}
	return AccountSnapshot{}, fmt.Errorf("legacy account: no legacy endpoint for %q", p)
}
