package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func ids(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Rule.ID
	}
	return out
}

func TestEvaluate_NonStackableShortCircuit(t *testing.T) {
	rules := []Rule{
		{
			ID: "first-order", Condition: FirstOrder{},
			DiscountType: discount.TypePercent, Value: d("3"), Priority: 5, Stackable: true,
		},
		{
			ID: "big-order", Condition: OrderMinimum{MinAmount: d("5000")},
			DiscountType: discount.TypePercent, Value: d("5"), Priority: 10, Stackable: false,
		},
	}
	order := discount.Order{Amount: d("6000"), IsNewCustomer: true}

	got := Evaluate(rules, order)

	require.Len(t, got, 1)
	assert.Equal(t, "big-order", got[0].Rule.ID)
	assert.True(t, d("300").Equal(got[0].Amount))
}

func TestEvaluate(t *testing.T) {
	monday := time.Date(2025, time.June, 16, 10, 0, 0, 0, time.UTC)

	stack := func(id string, prio int, c Condition) Rule {
		return Rule{ID: id, Condition: c, DiscountType: discount.TypeFixed, Value: d("10"), Priority: prio, Stackable: true}
	}
	solo := func(id string, prio int, c Condition) Rule {
		r := stack(id, prio, c)
		r.Stackable = false
		return r
	}

	tests := []struct {
		name  string
		rules []Rule
		order discount.Order
		want  []string
	}{
		{
			name:  "no rules",
			order: discount.Order{Amount: d("100")},
			want:  []string{},
		},
		{
			name: "stackable matches accumulate in priority order",
			rules: []Rule{
				stack("a", 1, OrderMinimum{MinAmount: d("10")}),
				stack("b", 3, DayOfWeek{Days: []time.Weekday{time.Monday}}),
				stack("c", 2, Seasonal{Months: []time.Month{time.June}}),
			},
			order: discount.Order{Amount: d("100"), At: monday},
			want:  []string{"b", "c", "a"},
		},
		{
			name: "non-stackable after stackable returns itself alone",
			rules: []Rule{
				stack("a", 9, OrderMinimum{MinAmount: d("10")}),
				solo("b", 5, BulkVolume{MinQuantity: 3}),
				stack("c", 1, FirstOrder{}),
			},
			order: discount.Order{
				Amount:        d("100"),
				IsNewCustomer: true,
				Services:      []discount.ServiceLine{{ServiceID: "s", Quantity: 4}},
			},
			want: []string{"b"},
		},
		{
			name: "non-matching non-stackable does not stop evaluation",
			rules: []Rule{
				solo("a", 9, OrderMinimum{MinAmount: d("1000")}),
				stack("b", 5, Referral{}),
			},
			order: discount.Order{Amount: d("100"), ReferralCode: "FRIEND"},
			want:  []string{"b"},
		},
		{
			name: "equal priority breaks ties by id",
			rules: []Rule{
				stack("z", 1, OrderMinimum{MinAmount: d("1")}),
				stack("m", 1, OrderMinimum{MinAmount: d("1")}),
				solo("a", 1, OrderMinimum{MinAmount: d("1")}),
			},
			order: discount.Order{Amount: d("100")},
			want:  []string{"a"},
		},
		{
			name: "service conditions",
			rules: []Rule{
				stack("combo", 3, ServiceCombo{ServiceIDs: []string{"roof", "gutter"}}),
				stack("qty", 2, ServiceQuantity{ServiceID: "roof", MinQuantity: 2}),
				stack("missing", 1, ServiceCombo{ServiceIDs: []string{"roof", "paint"}}),
			},
			order: discount.Order{
				Amount: d("100"),
				Services: []discount.ServiceLine{
					{ServiceID: "roof", Quantity: 2},
					{ServiceID: "gutter", Quantity: 1},
				},
			},
			want: []string{"combo", "qty"},
		},
		{
			name: "repeat customer",
			rules: []Rule{
				stack("repeat", 1, RepeatCustomer{MinPreviousOrders: 3}),
			},
			order: discount.Order{Amount: d("100"), PreviousOrders: 2},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.rules, tt.order)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	rules := []Rule{
		{ID: "r3", Condition: OrderMinimum{MinAmount: d("1")}, DiscountType: discount.TypeFixed, Value: d("1"), Priority: 2, Stackable: true},
		{ID: "r1", Condition: OrderMinimum{MinAmount: d("1")}, DiscountType: discount.TypeFixed, Value: d("1"), Priority: 2, Stackable: true},
		{ID: "r2", Condition: FirstOrder{}, DiscountType: discount.TypeFixed, Value: d("1"), Priority: 1, Stackable: false},
		{ID: "r0", Condition: OrderMinimum{MinAmount: d("1")}, DiscountType: discount.TypeFixed, Value: d("1"), Priority: 0, Stackable: true},
	}
	order := discount.Order{Amount: d("50"), IsNewCustomer: true}

	first := ids(Evaluate(rules, order))
	for range 50 {
		assert.Equal(t, first, ids(Evaluate(rules, order)))
	}
	assert.Equal(t, []string{"r2"}, first)
	assert.Equal(t, "r3", rules[0].ID, "input must not be reordered")
}

func TestMatch_Candidate(t *testing.T) {
	m := Match{
		Rule:   Rule{ID: "ref", Name: "Referral", Condition: Referral{}, DiscountType: discount.TypeFixed, Value: d("25"), Stackable: true},
		Amount: d("25"),
	}

	c := m.Candidate()

	assert.Equal(t, discount.SourceReferral, c.Source)
	assert.Equal(t, "ref", c.SourceID)
	assert.True(t, c.Stackable)
}

func TestRule_ActiveAt(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	end := now.Add(time.Hour)

	assert.True(t, Rule{Active: true, StartsAt: now}.ActiveAt(now))
	assert.False(t, Rule{Active: false, StartsAt: now}.ActiveAt(now))
	assert.False(t, Rule{Active: true, StartsAt: now.Add(time.Minute)}.ActiveAt(now))
	assert.False(t, Rule{Active: true, StartsAt: now.Add(-time.Hour), ExpiresAt: &now}.ActiveAt(now))
	assert.True(t, Rule{Active: true, StartsAt: now.Add(-time.Hour), ExpiresAt: &end}.ActiveAt(now))
}

func TestDecodeCondition(t *testing.T) {
	c, err := DecodeCondition(TypeOrderMinimum, []byte(`{"min_amount":"5000"}`))
	require.NoError(t, err)
	assert.True(t, c.Matches(discount.Order{Amount: d("5000")}))

	c, err = DecodeCondition(TypeDayOfWeek, []byte(`{"days":[0,6]}`))
	require.NoError(t, err)
	assert.Equal(t, DayOfWeek{Days: []time.Weekday{time.Sunday, time.Saturday}}, c)

	c, err = DecodeCondition(TypeFirstOrder, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeFirstOrder, c.Type())

	_, err = DecodeCondition(Type("lottery"), []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeCondition(TypeBulkVolume, []byte(`{"min_quantity":"many"}`))
	require.Error(t, err)
}
