package discount

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceLine is one service on a candidate order.
type ServiceLine struct {
	ServiceID string
	Quantity  int
}

// Order is the context every resolver evaluates against.
type Order struct {
	OrgID          string
	CustomerID     string
	CustomerEmail  string
	CustomerTier   string
	Amount         decimal.Decimal
	Services       []ServiceLine
	IsNewCustomer  bool
	PreviousOrders int
	ReferralCode   string
	SquareFootage  decimal.Decimal
	At             time.Time
}

// TotalQuantity sums the quantity of every service line.
func (o Order) TotalQuantity() int {
	var n int
	for _, s := range o.Services {
		n += s.Quantity
	}
	return n
}

// ServiceQuantity returns the summed quantity for one service.
func (o Order) ServiceQuantity(serviceID string) int {
	var n int
	for _, s := range o.Services {
		if s.ServiceID == serviceID {
			n += s.Quantity
		}
	}
	return n
}

// HasService reports whether the order contains the service.
func (o Order) HasService(serviceID string) bool {
	return o.ServiceQuantity(serviceID) > 0
}

// ServiceIDs lists the distinct services on the order.
func (o Order) ServiceIDs() []string {
	seen := make(map[string]struct{}, len(o.Services))
	ids := make([]string, 0, len(o.Services))
	for _, s := range o.Services {
		if _, ok := seen[s.ServiceID]; ok {
			continue
		}
		seen[s.ServiceID] = struct{}{}
		ids = append(ids, s.ServiceID)
	}
	return ids
}

// HasReferral reports whether the order was placed with a referral code.
func (o Order) HasReferral() bool {
	return strings.TrimSpace(o.ReferralCode) != ""
}
