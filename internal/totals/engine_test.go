package totals

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "expected %s, got %s", want, got)
}

func line(qty, price, discount, vat string) Line {
	return Line{Quantity: dec(qty), UnitPriceHT: dec(price), LineDiscountPct: dec(discount), VATPct: dec(vat)}
}

func TestComputeEndToEnd(t *testing.T) {
	lines := []Line{
		line("2", "50", "0", "19"),
		line("1", "200", "5", "19"),
	}
	cfg := Config{StampDuty: StampDuty{Enabled: true, Amount: dec("1")}, Currency: "TND"}

	got := Compute(lines, cfg)

	requireAmount(t, "300", got.HTBeforeLineDiscount)
	requireAmount(t, "10", got.LineDiscountTotal)
	requireAmount(t, "290", got.HTAfterLineDiscount)
	requireAmount(t, "0", got.GlobalDiscountAmount)
	requireAmount(t, "290", got.NetHT)
	requireAmount(t, "0", got.FodecAmount)
	requireAmount(t, "55.1", got.VATTotal)
	requireAmount(t, "1", got.StampDutyAmount)
	requireAmount(t, "346.1", got.GrandTotalTTC)
	require.Equal(t, "TND", got.Currency)

	require.Len(t, got.Lines, 2)
	requireAmount(t, "19", got.Lines[0].VATAmount)
	requireAmount(t, "36.1", got.Lines[1].VATAmount)
	requireAmount(t, "10", got.Lines[1].DiscountAmount)
	require.Len(t, got.VATByRate, 1)
	requireAmount(t, "290", got.VATByRate[0].Base)
	requireAmount(t, "55.1", got.VATByRate[0].Amount)
}

func TestDiscountsComposeMultiplicatively(t *testing.T) {
	got := Compute([]Line{line("1", "100", "10", "0")}, Config{GlobalDiscountPct: dec("10")})
	requireAmount(t, "81", got.NetHT)
	requireAmount(t, "9", got.GlobalDiscountAmount)
	requireAmount(t, "10", got.LineDiscountTotal)
}

func TestFodecFeedsVATBase(t *testing.T) {
	cfg := Config{
		Fodec:     Fodec{Enabled: true, RatePct: dec("1")},
		StampDuty: StampDuty{Enabled: true, Amount: dec("1")},
	}
	got := Compute([]Line{line("1", "100", "0", "19")}, cfg)
	requireAmount(t, "100", got.NetHT)
	requireAmount(t, "1", got.FodecAmount)
	requireAmount(t, "19.19", got.VATTotal)
	requireAmount(t, "121.19", got.GrandTotalTTC)
	requireAmount(t, "101", got.Lines[0].VATBase)
	requireAmount(t, "1", got.Lines[0].FodecShare)
}

func TestFodecDisabledIgnoresRate(t *testing.T) {
	got := Compute([]Line{line("1", "100", "0", "19")}, Config{Fodec: Fodec{RatePct: dec("1")}})
	requireAmount(t, "0", got.FodecAmount)
	requireAmount(t, "19", got.VATTotal)
}

func TestPerLineVATRates(t *testing.T) {
	lines := []Line{
		line("1", "100", "0", "19"),
		line("1", "100", "0", "7"),
		line("2", "50", "0", "19"),
	}
	got := Compute(lines, Config{GlobalDiscountPct: dec("50")})
	requireAmount(t, "150", got.NetHT)
	// 50*0.19 + 50*0.07 + 50*0.19
	requireAmount(t, "22.5", got.VATTotal)
	require.Len(t, got.VATByRate, 2)
	requireAmount(t, "7", got.VATByRate[0].RatePct)
	requireAmount(t, "3.5", got.VATByRate[0].Amount)
	requireAmount(t, "19", got.VATByRate[1].RatePct)
	requireAmount(t, "100", got.VATByRate[1].Base)
}

func TestStampDutyIndependentOfPrices(t *testing.T) {
	cfg := Config{StampDuty: StampDuty{Enabled: true, Amount: dec("0.6")}}
	base := []Line{line("3", "12.5", "0", "19"), line("1", "40", "10", "7")}
	doubled := make([]Line, len(base))
	for i, l := range base {
		l.UnitPriceHT = l.UnitPriceHT.Mul(decimal.NewFromInt(2))
		doubled[i] = l
	}
	a := Compute(base, cfg)
	b := Compute(doubled, cfg)
	requireAmount(t, "0.6", a.StampDutyAmount)
	require.True(t, a.StampDutyAmount.Equal(b.StampDutyAmount))
	require.False(t, a.GrandTotalTTC.Equal(b.GrandTotalTTC))
}

func TestNoLinesOnlyStampDuty(t *testing.T) {
	got := Compute(nil, Config{StampDuty: StampDuty{Enabled: true, Amount: dec("1")}})
	requireAmount(t, "0", got.HTBeforeLineDiscount)
	requireAmount(t, "0", got.NetHT)
	requireAmount(t, "0", got.VATTotal)
	requireAmount(t, "1", got.StampDutyAmount)
	requireAmount(t, "1", got.GrandTotalTTC)
	require.Empty(t, got.Lines)
}

func TestZeroLinesAreKept(t *testing.T) {
	got := Compute([]Line{line("0", "10", "0", "19"), line("4", "0", "0", "19"), line("1", "10", "0", "19")}, Config{})
	require.Len(t, got.Lines, 3)
	requireAmount(t, "0", got.Lines[0].HTBeforeDiscount)
	requireAmount(t, "0", got.Lines[1].VATAmount)
	requireAmount(t, "11.9", got.GrandTotalTTC)
}

func TestMalformedInputIsClamped(t *testing.T) {
	lines := []Line{
		line("-2", "50", "0", "19"),
		line("1", "-10", "0", "19"),
		line("1", "100", "150", "19"),
		line("1", "100", "-20", "-5"),
	}
	got := Compute(lines, Config{GlobalDiscountPct: dec("-10"), StampDuty: StampDuty{Enabled: true, Amount: dec("-1")}})
	requireAmount(t, "200", got.HTBeforeLineDiscount)
	requireAmount(t, "100", got.HTAfterLineDiscount)
	requireAmount(t, "100", got.NetHT)
	requireAmount(t, "0", got.VATTotal)
	requireAmount(t, "0", got.StampDutyAmount)
	require.False(t, got.GrandTotalTTC.IsNegative())
}

func TestRoundingOnlyOnOutput(t *testing.T) {
	// Three lines of 0.3335 each: rounding per line would give 1.002, the
	// cascade keeps full precision and rounds the sum once.
	lines := []Line{line("1", "0.3335", "0", "0"), line("1", "0.3335", "0", "0"), line("1", "0.3335", "0", "0")}
	got := Compute(lines, Config{})
	requireAmount(t, "1.001", got.NetHT)
	requireAmount(t, "0.334", got.Lines[0].NetHT)
}

func TestComputeIsIdempotent(t *testing.T) {
	lines := []Line{line("3", "33.333", "7.5", "19"), line("2", "12", "0", "7"), line("1", "5", "0", "13")}
	cfg := Config{
		GlobalDiscountPct: dec("2.5"),
		Fodec:             Fodec{Enabled: true, RatePct: dec("1")},
		StampDuty:         StampDuty{Enabled: true, Amount: dec("1")},
		Currency:          "TND",
	}
	first, err := json.Marshal(Compute(lines, cfg))
	require.NoError(t, err)
	second, err := json.Marshal(Compute(lines, cfg))
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
	require.True(t, dec("2.5").Equal(cfg.GlobalDiscountPct))
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	lines := []Line{line("-1", "10", "0", "19"), line("1", "10", "120", "19")}
	err := Validate(lines, Config{GlobalDiscountPct: dec("101")})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidInput))

	var inputErr *InputError
	require.True(t, errors.As(err, &inputErr))
	fields := make([]string, 0, len(inputErr.Fields))
	for _, f := range inputErr.Fields {
		fields = append(fields, f.Field)
	}
	require.ElementsMatch(t, []string{
		"lines[0].quantity",
		"lines[1].lineDiscountPct",
		"config.globalDiscountPct",
	}, fields)
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	lines := []Line{line("2", "50", "0", "19"), line("0", "0", "100", "0")}
	cfg := Config{Fodec: Fodec{Enabled: true, RatePct: dec("1")}, StampDuty: StampDuty{Enabled: true, Amount: dec("1")}}
	require.NoError(t, Validate(lines, cfg))
	require.NoError(t, Validate(nil, Config{}))
}
