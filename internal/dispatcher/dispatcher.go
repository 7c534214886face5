package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/metrics"
	"github.com/camuig/rohstoff-dashboard/internal/notify"
	"github.com/camuig/rohstoff-dashboard/internal/store"
)

// Local validation failures. They are returned before any backend call.
var (
	ErrNoPrice      = errors.New("no current price for commodity")
	ErrNotConfirmed = errors.New("action not confirmed")
	ErrUnknownTrade = errors.New("unknown trade")
	ErrNotOpen      = errors.New("trade is not open")
	ErrInvalidOrder = errors.New("invalid order")
)

// Refresher is the set of refresh paths shared with the poller.
type Refresher interface {
	RefreshMarkets(ctx context.Context) error
	RefreshTrades(ctx context.Context) error
	RefreshAccounts(ctx context.Context, platforms []backend.Platform) error
	RefreshPositions(ctx context.Context, platforms []backend.Platform) error
}

// Confirmer asks the user to approve a destructive action.
type Confirmer interface {
	Confirm(prompt string) bool
}

type ConfirmFunc func(prompt string) bool

func (f ConfirmFunc) Confirm(prompt string) bool { return f(prompt) }

// Confirmed approves everything. Used when the caller already collected
// the confirmation, e.g. an explicit confirm=true request parameter.
var Confirmed Confirmer = ConfirmFunc(func(string) bool { return true })

// Dispatcher turns user intents into backend commands and then runs the
// same refresh paths the poller uses.
type Dispatcher struct {
	api       backend.API
	store     *store.Store
	refresher Refresher
	feed      *notify.Feed
	logger    *logger.Logger
}

func New(api backend.API, st *store.Store, refresher Refresher, feed *notify.Feed, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		api:       api,
		store:     st,
		refresher: refresher,
		feed:      feed,
		logger:    log.Component("dispatcher"),
	}
}

// TradeRequest is a manual buy or sell. The price is never supplied by the
// caller; it is resolved from the store.
type TradeRequest struct {
	Commodity string
	Side      backend.Side
	Quantity  float64
	Platform  backend.Platform
}

func (r TradeRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Commodity) == "":
		return fmt.Errorf("%w: commodity is required", ErrInvalidOrder)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidOrder, r.Side)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case r.Platform != "" && !r.Platform.Valid():
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidOrder, r.Platform)
	}
	return nil
}

// run wraps a command with panic recovery and the command metric.
func (d *Dispatcher) run(command string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in command", "command", command, "panic", fmt.Sprint(r))
			err = fmt.Errorf("%s: internal error: %v", command, r)
			d.feed.Error(commandTitle(command), err)
		}
		metrics.ObserveCommand(command, err)
	}()
	return fn()
}

// ManualTrade places a market order at the cached price.
func (d *Dispatcher) ManualTrade(ctx context.Context, req TradeRequest) (backend.Trade, error) {
	var trade backend.Trade
	err := d.run("trade", func() error {
		req.Commodity = strings.ToUpper(strings.TrimSpace(req.Commodity))
		req.Side = backend.Side(strings.ToUpper(string(req.Side)))
		if err := req.validate(); err != nil {
			d.feed.Error("Trade rejected", err)
			return err
		}

		price, ok := d.store.PriceFor(req.Commodity)
		if !ok {
			err := fmt.Errorf("%w %s", ErrNoPrice, req.Commodity)
			d.logger.Info("trade rejected locally", "commodity", req.Commodity, "reason", "no price")
			d.feed.Errorf("Trade rejected", "No current price for %s. Wait for the next market update.", req.Commodity)
			return err
		}

		res, err := d.api.ExecuteTrade(ctx, backend.TradeRequest{
			Commodity: req.Commodity,
			Side:      req.Side,
			Price:     price,
			Quantity:  req.Quantity,
			Platform:  req.Platform,
		})
		if err != nil {
			d.logger.Error("execute trade", "commodity", req.Commodity, "side", req.Side, "error", err)
			d.feed.Errorf("Trade failed", "%s %s: %s", req.Side, req.Commodity, backend.Message(err))
			return err
		}

		if res.Trade != nil {
			trade = *res.Trade
			d.store.ApplyTrade(trade)
		}
		d.logger.Info("trade executed", "commodity", req.Commodity, "side", req.Side,
			"price", backend.FormatPrice(price), "quantity", req.Quantity, "id", trade.ID)
		d.feed.Success("Trade opened", "%s %g %s @ %s", req.Side, req.Quantity, req.Commodity, backend.FormatPrice(price))

		d.refresh(ctx, "trades", d.refresher.RefreshTrades)
		return nil
	})
	return trade, err
}

// ClosePosition closes an open trade. Broker-backed trades go to their
// platform's position close endpoint, local trades to the generic one.
func (d *Dispatcher) ClosePosition(ctx context.Context, tradeID string, confirm Confirmer) (backend.CloseResult, error) {
	var result backend.CloseResult
	err := d.run("close", func() error {
		t, ok := d.store.Trade(tradeID)
		if !ok {
			err := fmt.Errorf("%w %q", ErrUnknownTrade, tradeID)
			d.feed.Error("Close rejected", err)
			return err
		}
		if !t.IsOpen() {
			err := fmt.Errorf("%w: %s", ErrNotOpen, tradeID)
			d.feed.Error("Close rejected", err)
			return err
		}
		if confirm == nil || !confirm.Confirm(fmt.Sprintf("Close %s %g %s?", t.Side, t.Quantity, t.Commodity)) {
			return ErrNotConfirmed
		}

		var err error
		result, err = d.closeTrade(ctx, t)
		if err != nil {
			d.feed.Errorf("Close failed", "%s %s: %s", t.Side, t.Commodity, backend.Message(err))
			return err
		}

		d.feed.Success("Position closed", "%s %g %s%s", t.Side, t.Quantity, t.Commodity, formatPL(result.ProfitLoss))
		d.afterClose(ctx, t)
		return nil
	})
	return result, err
}

func (d *Dispatcher) closeTrade(ctx context.Context, t backend.Trade) (backend.CloseResult, error) {
	if t.BrokerBacked() {
		d.logger.Info("closing broker position", "trade", t.ID, "platform", t.Platform, "ticket", t.Ticket)
		return d.api.ClosePlatformPosition(ctx, t.Platform, t.Ticket)
	}

	exitPrice, ok := d.store.PriceFor(t.Commodity)
	if !ok {
		d.logger.Info("close rejected locally", "trade", t.ID, "commodity", t.Commodity, "reason", "no price")
		return backend.CloseResult{}, fmt.Errorf("%w %s", ErrNoPrice, t.Commodity)
	}
	d.logger.Info("closing local trade", "trade", t.ID, "exit_price", exitPrice)
	return d.api.CloseTrade(ctx, t.ID, exitPrice)
}

// needsPrice reports whether closing t requires a cached price that the
// store does not have yet.
func (d *Dispatcher) needsPrice(t backend.Trade) bool {
	if t.BrokerBacked() {
		return false
	}
	_, ok := d.store.PriceFor(t.Commodity)
	return !ok
}

func (d *Dispatcher) afterClose(ctx context.Context, t backend.Trade) {
	d.refresh(ctx, "trades", d.refresher.RefreshTrades)
	if t.Platform.Valid() {
		d.refresh(ctx, "accounts", func(ctx context.Context) error {
			return d.refresher.RefreshAccounts(ctx, []backend.Platform{t.Platform})
		})
	}
	if t.BrokerBacked() {
		d.refresh(ctx, "positions", func(ctx context.Context) error {
			return d.refresher.RefreshPositions(ctx, []backend.Platform{t.Platform})
		})
	}
}

// DeleteTrade removes a trade record outright. It is not a close.
func (d *Dispatcher) DeleteTrade(ctx context.Context, tradeID string, confirm Confirmer) error {
	return d.run("delete", func() error {
		if strings.TrimSpace(tradeID) == "" {
			return fmt.Errorf("%w: empty id", ErrUnknownTrade)
		}
		label := tradeID
		if t, ok := d.store.Trade(tradeID); ok {
			label = fmt.Sprintf("%s %s (%s)", t.Side, t.Commodity, t.ID)
		}
		if confirm == nil || !confirm.Confirm("Delete trade "+label+"? This cannot be undone.") {
			return ErrNotConfirmed
		}

		if err := d.api.DeleteTrade(ctx, tradeID); err != nil {
			d.feed.Errorf("Delete failed", "%s: %s", label, backend.Message(err))
			return err
		}
		d.feed.Success("Trade deleted", "%s", label)
		d.refresh(ctx, "trades", d.refresher.RefreshTrades)
		return nil
	})
}

// SaveSettings sends the whole settings record and then reloads exactly the
// accounts of the saved active platform set.
func (d *Dispatcher) SaveSettings(ctx context.Context, s backend.Settings) (backend.Settings, error) {
	var saved backend.Settings
	err := d.run("settings_save", func() error {
		for _, p := range s.ActivePlatforms {
			if !p.Valid() {
				err := fmt.Errorf("%w: unknown platform %q", ErrInvalidOrder, p)
				d.feed.Error("Settings rejected", err)
				return err
			}
		}

		tok := d.store.Begin(store.KeySettings)
		var err error
		saved, err = d.api.SaveSettings(ctx, s)
		if err != nil {
			d.feed.Errorf("Settings not saved", "%s", backend.Message(err))
			return err
		}
		d.afterSettings(ctx, tok, saved)
		d.feed.Success("Settings saved", "Active platforms: %s", platformList(saved.ActivePlatforms))
		return nil
	})
	return saved, err
}

// ResetSettings restores the backend defaults and follows up like a save.
func (d *Dispatcher) ResetSettings(ctx context.Context, confirm Confirmer) (backend.Settings, error) {
	var reset backend.Settings
	err := d.run("settings_reset", func() error {
		if confirm == nil || !confirm.Confirm("Reset all settings to defaults?") {
			return ErrNotConfirmed
		}
		tok := d.store.Begin(store.KeySettings)
		var err error
		reset, err = d.api.ResetSettings(ctx)
		if err != nil {
			d.feed.Errorf("Settings not reset", "%s", backend.Message(err))
			return err
		}
		d.afterSettings(ctx, tok, reset)
		d.feed.Success("Settings reset", "Active platforms: %s", platformList(reset.ActivePlatforms))
		return nil
	})
	return reset, err
}

func (d *Dispatcher) afterSettings(ctx context.Context, tok store.Token, s backend.Settings) {
	d.store.CommitSettings(tok, s)
	platforms := uniquePlatforms(s.ActivePlatforms)
	if len(platforms) == 0 {
		return
	}
	d.refresh(ctx, "accounts", func(ctx context.Context) error {
		return d.refresher.RefreshAccounts(ctx, platforms)
	})
}

// RefreshMarkets is the user-triggered market refresh.
func (d *Dispatcher) RefreshMarkets(ctx context.Context) error {
	return d.run("refresh_markets", func() error {
		if err := d.refresher.RefreshMarkets(ctx); err != nil {
			d.feed.Errorf("Market refresh failed", "%s", backend.Message(err))
			return err
		}
		d.feed.Info("Markets refreshed", "Prices updated")
		return nil
	})
}

// refresh runs a follow-up refresh. The command already succeeded, so a
// failure is only logged; the slice itself records the error.
func (d *Dispatcher) refresh(ctx context.Context, what string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		d.logger.Warn("refresh after command failed", "what", what, "error", err)
	}
}

func commandTitle(command string) string {
	switch command {
	case "trade":
		return "Trade failed"
	case "close":
		return "Close failed"
	case "delete":
		return "Delete failed"
	}
	return "Command failed"
}

func formatPL(pl *float64) string {
	if pl == nil {
		return ""
	}
	return fmt.Sprintf(", P/L %.2f", *pl)
}

func platformList(ps []backend.Platform) string {
	if len(ps) == 0 {
		return "none"
	}
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func uniquePlatforms(ps []backend.Platform) []backend.Platform {
	seen := make(map[backend.Platform]bool, len(ps))
	var out []backend.Platform
	for _, p := range ps {
		if p.Valid() && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
