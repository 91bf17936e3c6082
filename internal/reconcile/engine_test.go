package reconcile

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "expected %s, got %s", want, got)
}

func TestRemainingBalance(t *testing.T) {
	entries := []LedgerEntry{{AmountApplied: dec("100")}, {AmountApplied: dec("46.1")}}
	requireAmount(t, "200", RemainingBalance(dec("346.1"), entries))
	requireAmount(t, "346.1", RemainingBalance(dec("346.1"), nil))
}

func TestRemainingBalanceFloorsAtZero(t *testing.T) {
	entries := []LedgerEntry{{AmountApplied: dec("346.1")}, {AmountApplied: dec("0.0004")}}
	got := RemainingBalance(dec("346.1"), entries)
	require.True(t, got.IsZero())
	require.False(t, got.IsNegative())

	got = RemainingBalance(dec("10"), []LedgerEntry{{AmountApplied: dec("12")}})
	require.True(t, got.IsZero())
}

func TestRemainingFromUnpaid(t *testing.T) {
	open := uuid.New()
	settled := uuid.New()
	unpaid := []UnpaidDocument{{DocumentID: open, GrandTotal: dec("346.1"), Remaining: dec("146.1")}}

	requireAmount(t, "146.1", RemainingFromUnpaid(open, unpaid))
	require.True(t, RemainingFromUnpaid(settled, unpaid).IsZero())
	require.True(t, RemainingFromUnpaid(open, nil).IsZero())
}

func TestValidatePaymentRules(t *testing.T) {
	cases := []struct {
		name      string
		proposed  string
		remaining string
		advance   AdvanceRequest
		wantErr   error
		wantPaid  string
		wantAdv   string
	}{
		{name: "zero amount", proposed: "0", remaining: "100", wantErr: ErrAmountMustBePositive},
		{name: "negative amount", proposed: "-5", remaining: "100", wantErr: ErrAmountMustBePositive},
		{name: "positive checked before balance", proposed: "0", remaining: "0", wantErr: ErrAmountMustBePositive},
		{name: "below one minor unit", proposed: "0.0004", remaining: "100", wantErr: ErrAmountMustBePositive},
		{name: "rounds up to one minor unit", proposed: "0.0005", remaining: "100", wantPaid: "0.001", wantAdv: "0"},
		{name: "exceeds remaining", proposed: "100.01", remaining: "100", wantErr: ErrExceedsRemainingBalance},
		{name: "sub-unit drift accepted", proposed: "100.0004", remaining: "100", wantPaid: "100", wantAdv: "0"},
		{name: "partial cash", proposed: "40", remaining: "100", wantPaid: "40", wantAdv: "0"},
		{name: "full cash", proposed: "100", remaining: "100", wantPaid: "100", wantAdv: "0"},
		{
			name: "no advance available", proposed: "10", remaining: "100",
			advance: AdvanceRequest{UseAdvance: true, Available: dec("0")},
			wantErr: ErrInsufficientAdvanceBalance,
		},
		{
			name: "advance capped by remaining", proposed: "30", remaining: "30",
			advance:  AdvanceRequest{UseAdvance: true, Available: dec("50")},
			wantPaid: "30", wantAdv: "30",
		},
		{
			name: "advance capped by availability", proposed: "20", remaining: "30",
			advance:  AdvanceRequest{UseAdvance: true, Available: dec("20")},
			wantPaid: "20", wantAdv: "20",
		},
		{
			name: "advance mismatch", proposed: "25", remaining: "30",
			advance: AdvanceRequest{UseAdvance: true, Available: dec("50")},
			wantErr: ErrAmountMismatchWithAdvance,
		},
		{
			name: "advance within tolerance", proposed: "29.999", remaining: "30",
			advance:  AdvanceRequest{UseAdvance: true, Available: dec("50")},
			wantPaid: "30", wantAdv: "30",
		},
		{
			name: "advance outside tolerance", proposed: "29.998", remaining: "30",
			advance: AdvanceRequest{UseAdvance: true, Available: dec("50")},
			wantErr: ErrAmountMismatchWithAdvance,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidatePayment(dec(tc.proposed), dec(tc.remaining), tc.advance)
			if tc.wantErr != nil {
				require.Error(t, err)
				require.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				return
			}
			require.NoError(t, err)
			requireAmount(t, tc.wantPaid, got.AmountApplied)
			requireAmount(t, tc.wantAdv, got.AdvanceConsumed)
			require.Equal(t, tc.advance.UseAdvance, got.UsedAdvanceBalance)
		})
	}
}

func TestAdvanceForcesExactAmount(t *testing.T) {
	advance := AdvanceRequest{UseAdvance: true, Available: dec("50")}
	got, err := ValidatePayment(dec("30"), dec("30"), advance)
	require.NoError(t, err)
	require.Equal(t, "30.000", got.AmountApplied.StringFixed(3))
	require.True(t, got.AmountApplied.Equal(got.AdvanceConsumed))

	for _, proposed := range []string{"10", "29", "29.99"} {
		_, err := ValidatePayment(dec(proposed), dec("30"), advance)
		require.ErrorIs(t, err, ErrAmountMismatchWithAdvance, proposed)
	}
	_, err = ValidatePayment(dec("30.002"), dec("30"), advance)
	require.Error(t, err)
}

func TestValidationErrorCarriesFigures(t *testing.T) {
	_, err := ValidatePayment(dec("120"), dec("100.5"), AdvanceRequest{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "EXCEEDS_REMAINING_BALANCE", verr.Code())
	require.Equal(t, map[string]string{"proposed": "120.000", "remaining": "100.500"}, verr.Details())
	require.Contains(t, verr.Error(), "remaining 100.500")

	_, err = ValidatePayment(dec("25"), dec("30"), AdvanceRequest{UseAdvance: true, Available: dec("50")})
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "AMOUNT_MISMATCH_WITH_ADVANCE", verr.Code())
	require.Equal(t, "30.000", verr.Details()["expected"])
}

func TestSuggestAdvanceAmount(t *testing.T) {
	requireAmount(t, "30", SuggestAdvanceAmount(dec("30"), dec("50")))
	requireAmount(t, "12.5", SuggestAdvanceAmount(dec("30"), dec("12.5")))
	require.True(t, SuggestAdvanceAmount(dec("30"), dec("-1")).IsZero())
}
