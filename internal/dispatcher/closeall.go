package dispatcher

import (
	"context"
	"fmt"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
)

// CloseOutcome is the result of closing one trade during CloseAll.
type CloseOutcome struct {
	Trade  backend.Trade
	Result backend.CloseResult
	Err    error
}

// CloseAll closes every OPEN trade one by one, reading the list straight
// from the backend. Markets are loaded first when a local trade has no
// cached exit price. With dryRun set it only reports what would be closed.
// A failure on one trade does not stop the others.
func (d *Dispatcher) CloseAll(ctx context.Context, confirm Confirmer, dryRun bool) ([]CloseOutcome, error) {
	var outcomes []CloseOutcome
	err := d.run("close_all", func() error {
		open, err := d.api.Trades(ctx, backend.StatusOpen)
		if err != nil {
			d.feed.Errorf("Close all failed", "%s", backend.Message(err))
			return err
		}
		outcomes = make([]CloseOutcome, 0, len(open))
		for _, t := range open {
			if t.IsOpen() {
				outcomes = append(outcomes, CloseOutcome{Trade: t})
			}
		}
		if dryRun || len(outcomes) == 0 {
			return nil
		}
		if confirm == nil || !confirm.Confirm(fmt.Sprintf("Close %d open trade(s)?", len(outcomes))) {
			return ErrNotConfirmed
		}

		for _, o := range outcomes {
			if d.needsPrice(o.Trade) {
				d.refresh(ctx, "markets", d.refresher.RefreshMarkets)
				break
			}
		}

		platforms := make(map[backend.Platform]bool)
		var closed, failed int
		for i := range outcomes {
			t := outcomes[i].Trade
			res, err := d.closeTrade(ctx, t)
			outcomes[i].Result, outcomes[i].Err = res, err
			if err != nil {
				failed++
				d.logger.Error("close trade", "trade", t.ID, "commodity", t.Commodity, "error", err)
				continue
			}
			closed++
			if t.Platform.Valid() {
				platforms[t.Platform] = true
			}
		}

		d.refresh(ctx, "trades", d.refresher.RefreshTrades)
		if len(platforms) > 0 {
			list := make([]backend.Platform, 0, len(platforms))
			for _, p := range backend.AllPlatforms() {
				if platforms[p] {
					list = append(list, p)
				}
			}
			d.refresh(ctx, "accounts", func(ctx context.Context) error {
				return d.refresher.RefreshAccounts(ctx, list)
			})
			d.refresh(ctx, "positions", func(ctx context.Context) error {
				return d.refresher.RefreshPositions(ctx, list)
			})
		}

		if failed > 0 {
			d.feed.Errorf("Close all", "%d closed, %d failed", closed, failed)
			return fmt.Errorf("close all: %d of %d trades failed", failed, len(outcomes))
		}
		d.feed.Success("Close all", "%d trade(s) closed", closed)
		return nil
	})
	return outcomes, err
}
