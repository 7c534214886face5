package store

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/metrics"
)

var hundred = decimal.NewFromInt(100)

// Derived holds values computed from the trades, accounts and settings
// slices. It is rebuilt on every change to any of them.
type Derived struct {
	OpenTrades         int                                  `json:"open_trades"`
	OpenExposure       decimal.Decimal                      `json:"open_exposure"`
	ExposureByPlatform map[backend.Platform]decimal.Decimal `json:"exposure_by_platform"`
	UnrealizedPL       decimal.Decimal                      `json:"unrealized_pl"`

	// BalanceKnown is false until at least one relevant account has loaded.
	BalanceKnown bool            `json:"balance_known"`
	TotalBalance decimal.Decimal `json:"total_balance"`
	RiskPercent  decimal.Decimal `json:"risk_percent"`
	RiskLimit    decimal.Decimal `json:"risk_limit"`
	RiskExceeded bool            `json:"risk_exceeded"`
}

func newDerived() Derived {
	return Derived{ExposureByPlatform: make(map[backend.Platform]decimal.Decimal)}
}

func (d Derived) clone() Derived {
	out := d
	out.ExposureByPlatform = make(map[backend.Platform]decimal.Decimal, len(d.ExposureByPlatform))
	for k, v := range d.ExposureByPlatform {
		out.ExposureByPlatform[k] = v
	}
	return out
}

func affectsDerived(k Key) bool {
	return k == KeyTrades || k == KeySettings || strings.HasPrefix(string(k), "account/")
}

// recomputeLocked must be called with mu held.
func (s *Store) recomputeLocked() {
	s.derived = computeDerived(s.trades, s.accounts, s.settings, s.meta[KeySettings].HasData(), s.accountLoadedLocked)
	f, _ := s.derived.OpenExposure.Float64()
	metrics.OpenExposure.Set(f)
}

func (s *Store) accountLoadedLocked(p backend.Platform) bool {
	return s.meta[AccountKey(p)].HasData()
}

// computeDerived sums open exposure as entry price times quantity and
// relates it to the balance of the active accounts. Before settings load,
// every loaded account counts.
func computeDerived(
	trades []backend.Trade,
	accounts map[backend.Platform]backend.AccountSnapshot,
	settings backend.Settings,
	settingsLoaded bool,
	loaded func(backend.Platform) bool,
) Derived {
	d := newDerived()

	for _, t := range trades {
		if !t.IsOpen() {
			continue
		}
		d.OpenTrades++
		exposure := decimal.NewFromFloat(t.EntryPrice).Mul(decimal.NewFromFloat(t.Quantity))
		d.OpenExposure = d.OpenExposure.Add(exposure)
		d.ExposureByPlatform[t.Platform] = d.ExposureByPlatform[t.Platform].Add(exposure)
		if t.ProfitLoss != nil {
			d.UnrealizedPL = d.UnrealizedPL.Add(decimal.NewFromFloat(*t.ProfitLoss))
		}
	}

	for _, p := range backend.AllPlatforms() {
		if !loaded(p) {
			continue
		}
		if settingsLoaded && !settings.IsActive(p) {
			continue
		}
		d.BalanceKnown = true
		d.TotalBalance = d.TotalBalance.Add(decimal.NewFromFloat(accounts[p].Balance))
	}

	if d.BalanceKnown && d.TotalBalance.IsPositive() {
		d.RiskPercent = d.OpenExposure.Div(d.TotalBalance).Mul(hundred).Round(2)
	}
	if settings.MaxPortfolioRiskPercent > 0 {
		d.RiskLimit = decimal.NewFromFloat(settings.MaxPortfolioRiskPercent)
		d.RiskExceeded = d.BalanceKnown && d.RiskPercent.GreaterThan(d.RiskLimit)
	}
	return d
}
