package promo

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/ledger"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

func limit(n int) *int {
	return &n
}

type mockUsage struct {
	usage ledger.Usage
	err   error
	calls int
}

func (m *mockUsage) Usage(context.Context, string, string) (ledger.Usage, error) {
	m.calls++
	return m.usage, m.err
}

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func snapshot(codes ...catalog.Code) *catalog.Catalog {
	for i := range codes {
		codes[i].Active = true
		codes[i].StartsAt = now.Add(-time.Hour)
	}
	return catalog.New(catalog.Definitions{Organization: catalog.Organization{ID: "org"}, Codes: codes}, now)
}

func TestValidator_Validate(t *testing.T) {
	expired := now.Add(-time.Minute)
	summer := catalog.Code{ID: "summer", Code: "SUMMER10", DiscountType: discount.TypePercent, Value: d("10"), MaxDiscountAmount: dp("50")}
	fixed := catalog.Code{ID: "fixed", Code: "TAKE500", DiscountType: discount.TypeFixed, Value: d("500")}
	limited := catalog.Code{ID: "limited", Code: "ONCE", DiscountType: discount.TypeFixed, Value: d("5"), MaxUsesTotal: limit(1), MaxUsesPerCustomer: limit(1)}
	minimum := catalog.Code{ID: "min", Code: "BIG", DiscountType: discount.TypeFixed, Value: d("5"), MinOrderAmount: d("1000")}
	vip := catalog.Code{ID: "vip", Code: "VIP", DiscountType: discount.TypeFixed, Value: d("5"), Tiers: []string{"gold"}}
	named := catalog.Code{ID: "named", Code: "ALICE", DiscountType: discount.TypeFixed, Value: d("5"), Customers: []string{"alice@example.com"}}
	svc := catalog.Code{ID: "svc", Code: "WINDOWS", DiscountType: discount.TypeFixed, Value: d("5"), Services: []string{"windows"}}

	cat := snapshot(summer, fixed, limited, minimum, vip, named, svc)
	gone := catalog.New(catalog.Definitions{Codes: []catalog.Code{{ID: "old", Code: "OLD", Active: true, StartsAt: now.Add(-time.Hour), ExpiresAt: &expired}}}, now)

	tests := []struct {
		name       string
		cat        *catalog.Catalog
		usage      ledger.Usage
		in         Input
		wantKind   discount.Kind
		wantAmount string
	}{
		{name: "percent capped at max discount", cat: cat, in: Input{Code: "summer10", OrderAmount: d("600")}, wantAmount: "50"},
		{name: "percent under cap", cat: cat, in: Input{Code: "SUMMER10", OrderAmount: d("300")}, wantAmount: "30"},
		{name: "fixed never exceeds order", cat: cat, in: Input{Code: "TAKE500", OrderAmount: d("120")}, wantAmount: "120"},
		{name: "unknown code", cat: cat, in: Input{Code: "NOPE", OrderAmount: d("100")}, wantKind: discount.KindCodeNotFound},
		{name: "expired code", cat: gone, in: Input{Code: "old", OrderAmount: d("100")}, wantKind: discount.KindCodeExpired},
		{
			name: "usage exhausted", cat: cat, usage: ledger.Usage{Committed: 1},
			in: Input{Code: "ONCE", OrderAmount: d("100")}, wantKind: discount.KindUsageLimitExceeded,
		},
		{
			name: "held usage does not deny validation", cat: cat, usage: ledger.Usage{Held: 1},
			in: Input{Code: "ONCE", OrderAmount: d("100")}, wantAmount: "5",
		},
		{
			name: "customer exhausted", cat: cat, usage: ledger.Usage{CustomerCommitted: 1},
			in: Input{Code: "ONCE", CustomerID: "c1", OrderAmount: d("100")}, wantKind: discount.KindCustomerLimitExceeded,
		},
		{
			name: "total checked before customer", cat: cat, usage: ledger.Usage{Committed: 1, CustomerCommitted: 1},
			in: Input{Code: "ONCE", CustomerID: "c1", OrderAmount: d("100")}, wantKind: discount.KindUsageLimitExceeded,
		},
		{name: "minimum not met", cat: cat, in: Input{Code: "BIG", OrderAmount: d("999.99")}, wantKind: discount.KindMinimumOrderNotMet},
		{name: "minimum met exactly", cat: cat, in: Input{Code: "BIG", OrderAmount: d("1000")}, wantAmount: "5"},
		{name: "tier restriction", cat: cat, in: Input{Code: "VIP", CustomerTier: "silver", OrderAmount: d("100")}, wantKind: discount.KindRestrictionNotMet},
		{name: "tier restriction met", cat: cat, in: Input{Code: "VIP", CustomerTier: "Gold", OrderAmount: d("100")}, wantAmount: "5"},
		{name: "customer restriction by email", cat: cat, in: Input{Code: "ALICE", CustomerEmail: "Alice@Example.com", OrderAmount: d("100")}, wantAmount: "5"},
		{name: "customer restriction", cat: cat, in: Input{Code: "ALICE", CustomerID: "bob", OrderAmount: d("100")}, wantKind: discount.KindRestrictionNotMet},
		{name: "service restriction", cat: cat, in: Input{Code: "WINDOWS", Services: []string{"carpet"}, OrderAmount: d("100")}, wantKind: discount.KindRestrictionNotMet},
		{name: "service restriction met", cat: cat, in: Input{Code: "WINDOWS", Services: []string{"carpet", "windows"}, OrderAmount: d("100")}, wantAmount: "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(&mockUsage{usage: tt.usage})
			got, err := v.Validate(context.Background(), tt.cat, tt.in)
			require.NoError(t, err)

			if tt.wantKind != "" {
				assert.False(t, got.Valid)
				assert.Equal(t, tt.wantKind, got.Kind)
				assert.Nil(t, got.Candidate())
				return
			}
			require.True(t, got.Valid, "kind %s", got.Kind)
			assert.True(t, d(tt.wantAmount).Equal(got.Amount), "got %s", got.Amount)
			assert.True(t, got.Amount.LessThanOrEqual(tt.in.OrderAmount))

			c := got.Candidate()
			require.NotNil(t, c)
			assert.Equal(t, discount.SourcePromoCode, c.Source)
		})
	}
}

func TestValidator_SkipsUsageForUnlimitedCodes(t *testing.T) {
	u := &mockUsage{}
	cat := snapshot(catalog.Code{ID: "x", Code: "FREE", DiscountType: discount.TypeFixed, Value: d("1")})

	got, err := NewValidator(u).Validate(context.Background(), cat, Input{Code: "FREE", OrderAmount: d("10")})
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.Zero(t, u.calls)
}

func TestValidator_UsageError(t *testing.T) {
	boom := errors.New("boom")
	cat := snapshot(catalog.Code{ID: "x", Code: "ONCE", DiscountType: discount.TypeFixed, Value: d("1"), MaxUsesTotal: limit(1)})

	_, err := NewValidator(&mockUsage{err: boom}).Validate(context.Background(), cat, Input{Code: "ONCE", OrderAmount: d("10")})
	require.ErrorIs(t, err, boom)
}
