package totals

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Defaults fill configuration values left empty by the caller. Previews and
// stored documents go through the same Apply so both price identically.
type Defaults struct {
	Currency     string
	StampDuty    decimal.Decimal
	FodecRatePct decimal.Decimal
}

// Apply returns cfg with the currency set and with enabled stamp duty or FODEC
// carrying the default amount when left at zero.
func (d Defaults) Apply(cfg Config) Config {
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = d.Currency
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if cfg.StampDuty.Enabled && cfg.StampDuty.Amount.IsZero() {
		cfg.StampDuty.Amount = d.StampDuty
	}
	if cfg.Fodec.Enabled && cfg.Fodec.RatePct.IsZero() {
		cfg.Fodec.RatePct = d.FodecRatePct
	}
	return cfg
}
