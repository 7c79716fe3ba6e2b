// Package rules evaluates automatic discount rules against an order.
package rules

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
)

// Type names a rule condition variant.
type Type string

const (
	TypeOrderMinimum    Type = "order_minimum"
	TypeServiceQuantity Type = "service_quantity"
	TypeServiceCombo    Type = "service_combo"
	TypeFirstOrder      Type = "first_order"
	TypeRepeatCustomer  Type = "repeat_customer"
	TypeReferral        Type = "referral"
	TypeSeasonal        Type = "seasonal"
	TypeDayOfWeek       Type = "day_of_week"
	TypeBulkVolume      Type = "bulk_volume"
)

// Types lists every condition variant.
var Types = []Type{
	TypeOrderMinimum, TypeServiceQuantity, TypeServiceCombo, TypeFirstOrder,
	TypeRepeatCustomer, TypeReferral, TypeSeasonal, TypeDayOfWeek, TypeBulkVolume,
}

// Condition is a typed rule predicate. The set of implementations is closed:
// only types in this package satisfy it.
type Condition interface {
	Type() Type
	Matches(o discount.Order) bool
	sealed()
}

// OrderMinimum matches orders of at least MinAmount.
type OrderMinimum struct {
	MinAmount decimal.Decimal `json:"min_amount"`
}

// ServiceQuantity matches when one service is ordered at least MinQuantity times.
type ServiceQuantity struct {
	ServiceID   string `json:"service_id"`
	MinQuantity int    `json:"min_quantity"`
}

// ServiceCombo matches when every listed service is on the order.
type ServiceCombo struct {
	ServiceIDs []string `json:"service_ids"`
}

// FirstOrder matches new customers.
type FirstOrder struct{}

// RepeatCustomer matches customers with at least MinPreviousOrders orders.
type RepeatCustomer struct {
	MinPreviousOrders int `json:"min_previous_orders"`
}

// Referral matches orders carrying a referral code.
type Referral struct{}

// Seasonal matches orders placed in one of Months.
type Seasonal struct {
	Months []time.Month `json:"months"`
}

// DayOfWeek matches orders placed on one of Days.
type DayOfWeek struct {
	Days []time.Weekday `json:"days"`
}

// BulkVolume matches orders whose total quantity reaches MinQuantity.
type BulkVolume struct {
	MinQuantity int `json:"min_quantity"`
}

func (OrderMinimum) Type() Type    { return TypeOrderMinimum }
func (ServiceQuantity) Type() Type { return TypeServiceQuantity }
func (ServiceCombo) Type() Type    { return TypeServiceCombo }
func (FirstOrder) Type() Type      { return TypeFirstOrder }
func (RepeatCustomer) Type() Type  { return TypeRepeatCustomer }
func (Referral) Type() Type        { return TypeReferral }
func (Seasonal) Type() Type        { return TypeSeasonal }
func (DayOfWeek) Type() Type       { return TypeDayOfWeek }
func (BulkVolume) Type() Type      { return TypeBulkVolume }

func (c OrderMinimum) Matches(o discount.Order) bool {
	return o.Amount.GreaterThanOrEqual(c.MinAmount)
}

func (c ServiceQuantity) Matches(o discount.Order) bool {
	return c.MinQuantity > 0 && o.ServiceQuantity(c.ServiceID) >= c.MinQuantity
}

func (c ServiceCombo) Matches(o discount.Order) bool {
	if len(c.ServiceIDs) == 0 {
		return false
	}
	for _, id := range c.ServiceIDs {
		if !o.HasService(id) {
			return false
		}
	}
	return true
}

func (FirstOrder) Matches(o discount.Order) bool {
	return o.IsNewCustomer
}

func (c RepeatCustomer) Matches(o discount.Order) bool {
	return !o.IsNewCustomer && o.PreviousOrders >= max(c.MinPreviousOrders, 1)
}

func (Referral) Matches(o discount.Order) bool {
	return o.HasReferral()
}

func (c Seasonal) Matches(o discount.Order) bool {
	return slices.Contains(c.Months, o.At.Month())
}

func (c DayOfWeek) Matches(o discount.Order) bool {
	return slices.Contains(c.Days, o.At.Weekday())
}

func (c BulkVolume) Matches(o discount.Order) bool {
	return c.MinQuantity > 0 && o.TotalQuantity() >= c.MinQuantity
}

func (OrderMinimum) sealed()    {}
func (ServiceQuantity) sealed() {}
func (ServiceCombo) sealed()    {}
func (FirstOrder) sealed()      {}
func (RepeatCustomer) sealed()  {}
func (Referral) sealed()        {}
func (Seasonal) sealed()        {}
func (DayOfWeek) sealed()       {}
func (BulkVolume) sealed()      {}
