package totals

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/facturation-api/internal/money"
)

// Line is a priced document line. Amounts are pre-tax and expressed in the
// document currency; percentages range from 0 to 100.
type Line struct {
	Designation     string          `json:"designation"`
	Quantity        decimal.Decimal `json:"quantity" validate:"gte=0"`
	UnitPriceHT     decimal.Decimal `json:"unitPriceHT" validate:"gte=0"`
	LineDiscountPct decimal.Decimal `json:"lineDiscountPct" validate:"gte=0,lte=100"`
	VATPct          decimal.Decimal `json:"vatPct" validate:"gte=0,lte=100"`
}

// Fodec configures the parafiscal surcharge applied to the net HT base.
type Fodec struct {
	Enabled bool            `json:"enabled"`
	RatePct decimal.Decimal `json:"ratePct" validate:"gte=0,lte=100"`
}

// StampDuty configures the flat amount added once per document.
type StampDuty struct {
	Enabled bool            `json:"enabled"`
	Amount  decimal.Decimal `json:"amount" validate:"gte=0"`
}

// Config holds the document-level toggles. Compute never mutates it.
type Config struct {
	GlobalDiscountPct decimal.Decimal `json:"globalDiscountPct" validate:"gte=0,lte=100"`
	Fodec             Fodec           `json:"fodec"`
	StampDuty         StampDuty       `json:"stampDuty"`
	Currency          string          `json:"currency"`
}

// LineBreakdown itemises the contribution of a single line.
type LineBreakdown struct {
	Index            int             `json:"index"`
	Designation      string          `json:"designation"`
	HTBeforeDiscount decimal.Decimal `json:"htBeforeDiscount"`
	DiscountAmount   decimal.Decimal `json:"discountAmount"`
	NetHT            decimal.Decimal `json:"netHT"`
	NetAfterGlobal   decimal.Decimal `json:"netAfterGlobal"`
	FodecShare       decimal.Decimal `json:"fodecShare"`
	VATBase          decimal.Decimal `json:"vatBase"`
	VATPct           decimal.Decimal `json:"vatPct"`
	VATAmount        decimal.Decimal `json:"vatAmount"`
}

// VATRate groups the VAT base and amount of every line sharing a rate.
type VATRate struct {
	RatePct decimal.Decimal `json:"ratePct"`
	Base    decimal.Decimal `json:"base"`
	Amount  decimal.Decimal `json:"amount"`
}

// Breakdown is the itemised result of Compute. It is always recomputable from
// the lines and configuration it was derived from.
type Breakdown struct {
	HTBeforeLineDiscount decimal.Decimal `json:"htBeforeLineDiscount"`
	LineDiscountTotal    decimal.Decimal `json:"lineDiscountTotal"`
	HTAfterLineDiscount  decimal.Decimal `json:"htAfterLineDiscount"`
	GlobalDiscountAmount decimal.Decimal `json:"globalDiscountAmount"`
	NetHT                decimal.Decimal `json:"netHT"`
	FodecAmount          decimal.Decimal `json:"fodecAmount"`
	VATTotal             decimal.Decimal `json:"vatTotal"`
	StampDutyAmount      decimal.Decimal `json:"stampDutyAmount"`
	GrandTotalTTC        decimal.Decimal `json:"grandTotalTTC"`
	Currency             string          `json:"currency"`
	Lines                []LineBreakdown `json:"lines"`
	VATByRate            []VATRate       `json:"vatByRate"`
}

// Compute runs the totals cascade: line discount, global discount, FODEC,
// per-line VAT, stamp duty, grand total. The stage order must not change.
//
// Inputs are assumed validated (see Validate). Negative quantities and prices
// contribute zero and percentages are clamped into [0, 100] so a malformed
// line never poisons the whole document. Rounding to money.Scale happens only
// on the returned figures.
func Compute(lines []Line, cfg Config) Breakdown {
	globalPct := money.ClampPercent(cfg.GlobalDiscountPct)
	globalFactor := money.Complement(globalPct)
	fodecRate := decimal.Zero
	if cfg.Fodec.Enabled {
		fodecRate = money.ClampPercent(cfg.Fodec.RatePct)
	}

	var (
		htBefore = decimal.Zero
		htAfter  = decimal.Zero
		vatTotal = decimal.Zero
		perLine  = make([]LineBreakdown, 0, len(lines))
		byRate   = map[string]*rateAccumulator{}
	)
	for i, l := range lines {
		gross := money.NonNegative(l.Quantity).Mul(money.NonNegative(l.UnitPriceHT))
		net := gross.Mul(money.Complement(money.ClampPercent(l.LineDiscountPct)))
		afterGlobal := net.Mul(globalFactor)
		fodecShare := decimal.Zero
		if cfg.Fodec.Enabled {
			fodecShare = money.Percent(afterGlobal, fodecRate)
		}
		base := afterGlobal.Add(fodecShare)
		vatPct := money.ClampPercent(l.VATPct)
		vat := money.Percent(base, vatPct)

		htBefore = htBefore.Add(gross)
		htAfter = htAfter.Add(net)
		vatTotal = vatTotal.Add(vat)

		key := vatPct.String()
		acc, ok := byRate[key]
		if !ok {
			acc = &rateAccumulator{rate: vatPct, base: decimal.Zero, amount: decimal.Zero}
			byRate[key] = acc
		}
		acc.base = acc.base.Add(base)
		acc.amount = acc.amount.Add(vat)

		perLine = append(perLine, LineBreakdown{
			Index:            i,
			Designation:      l.Designation,
			HTBeforeDiscount: money.Round(gross),
			DiscountAmount:   money.Round(gross.Sub(net)),
			NetHT:            money.Round(net),
			NetAfterGlobal:   money.Round(afterGlobal),
			FodecShare:       money.Round(fodecShare),
			VATBase:          money.Round(base),
			VATPct:           vatPct,
			VATAmount:        money.Round(vat),
		})
	}

	globalAmount := money.Percent(htAfter, globalPct)
	netHT := htAfter.Sub(globalAmount)
	fodec := decimal.Zero
	if cfg.Fodec.Enabled {
		fodec = money.Percent(netHT, fodecRate)
	}
	stamp := decimal.Zero
	if cfg.StampDuty.Enabled {
		stamp = money.NonNegative(cfg.StampDuty.Amount)
	}
	grand := money.Sum(netHT, fodec, vatTotal, stamp)

	return Breakdown{
		HTBeforeLineDiscount: money.Round(htBefore),
		LineDiscountTotal:    money.Round(htBefore.Sub(htAfter)),
		HTAfterLineDiscount:  money.Round(htAfter),
		GlobalDiscountAmount: money.Round(globalAmount),
		NetHT:                money.Round(netHT),
		FodecAmount:          money.Round(fodec),
		VATTotal:             money.Round(vatTotal),
		StampDutyAmount:      money.Round(stamp),
		GrandTotalTTC:        money.Round(grand),
		Currency:             cfg.Currency,
		Lines:                perLine,
		VATByRate:            sortedRates(byRate),
	}
}

type rateAccumulator struct {
	rate   decimal.Decimal
	base   decimal.Decimal
	amount decimal.Decimal
}

func sortedRates(byRate map[string]*rateAccumulator) []VATRate {
	out := make([]VATRate, 0, len(byRate))
	for _, acc := range byRate {
		out = append(out, VATRate{
			RatePct: acc.rate,
			Base:    money.Round(acc.base),
			Amount:  money.Round(acc.amount),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RatePct.LessThan(out[j].RatePct) })
	return out
}
