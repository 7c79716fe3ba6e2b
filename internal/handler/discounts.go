package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/engine"
)

type serviceLine struct {
	ServiceID string `json:"serviceId"`
	Quantity  int    `json:"quantity"`
}

func (s serviceLine) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ServiceID, validation.Required),
		validation.Field(&s.Quantity, validation.Required, validation.Min(1)),
	)
}

type evaluateRequest struct {
	OrgID          string          `json:"orgId"`
	OrderID        string          `json:"orderId"`
	CustomerID     string          `json:"customerId"`
	CustomerEmail  string          `json:"customerEmail"`
	CustomerTier   string          `json:"tier"`
	OrderAmount    decimal.Decimal `json:"orderAmount"`
	Services       []serviceLine   `json:"services"`
	IsNewCustomer  bool            `json:"isNewCustomer"`
	PreviousOrders int             `json:"previousOrders"`
	ReferralCode   string          `json:"referralCode"`
	SquareFootage  decimal.Decimal `json:"squareFootage"`
	PromoCode      string          `json:"promoCode"`
	RequesterID    string          `json:"requesterId"`
	RequesterRole  string          `json:"requesterRole"`
	Reason         string          `json:"reason"`
}

func (req *evaluateRequest) fields() fieldDecoders {
	return fieldDecoders{
		"orgId":         str(&req.OrgID),
		"orderId":       str(&req.OrderID),
		"customerId":    str(&req.CustomerID),
		"customerEmail": str(&req.CustomerEmail),
		"tier":          str(&req.CustomerTier),
		"customerTier":  str(&req.CustomerTier),
		"orderAmount":   dec(&req.OrderAmount),
		"services": func(d *jx.Decoder) error {
			return d.Arr(func(d *jx.Decoder) error {
				var s serviceLine
				if err := decodeObject(d, fieldDecoders{
					"serviceId": str(&s.ServiceID),
					"quantity":  integer(&s.Quantity),
				}); err != nil {
					return err
				}
				req.Services = append(req.Services, s)
				return nil
			})
		},
		"isNewCustomer":  boolean(&req.IsNewCustomer),
		"previousOrders": integer(&req.PreviousOrders),
		"referralCode":   str(&req.ReferralCode),
		"squareFootage":  dec(&req.SquareFootage),
		"promoCode":      str(&req.PromoCode),
		"requesterId":    str(&req.RequesterID),
		"requesterRole":  str(&req.RequesterRole),
		"reason":         str(&req.Reason),
	}
}

func nonNegative(value any) error {
	if v, _ := value.(decimal.Decimal); v.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

func (req *evaluateRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.CustomerID, validation.Required, validation.Length(1, 128)),
		validation.Field(&req.OrderAmount, validation.By(nonNegative)),
		validation.Field(&req.Services),
		validation.Field(&req.PreviousOrders, validation.Min(0)),
		validation.Field(&req.SquareFootage, validation.By(nonNegative)),
		validation.Field(&req.RequesterID, validation.When(req.OrderID != "", validation.Required)),
		validation.Field(&req.RequesterRole, validation.When(req.OrderID != "", validation.Required)),
	)
}

func (req *evaluateRequest) domain(orgID string) engine.Request {
	services := make([]discount.ServiceLine, 0, len(req.Services))
	for _, s := range req.Services {
		services = append(services, discount.ServiceLine{ServiceID: s.ServiceID, Quantity: s.Quantity})
	}
	return engine.Request{
		OrgID:          orgID,
		OrderID:        req.OrderID,
		CustomerID:     req.CustomerID,
		CustomerEmail:  req.CustomerEmail,
		CustomerTier:   req.CustomerTier,
		OrderAmount:    req.OrderAmount,
		Services:       services,
		IsNewCustomer:  req.IsNewCustomer,
		PreviousOrders: req.PreviousOrders,
		ReferralCode:   req.ReferralCode,
		SquareFootage:  req.SquareFootage,
		PromoCode:      req.PromoCode,
		RequesterID:    req.RequesterID,
		RequesterRole:  req.RequesterRole,
		Reason:         req.Reason,
	}
}

// Evaluate handles POST /discounts/evaluate. Without orderId it returns a
// quote, with orderId it applies the discount or opens an approval.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := h.readObject(w, r, req.fields()); err != nil {
		fail(w, r, err)
		return
	}
	orgID, err := orgOf(r, req.OrgID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.engine.Evaluate(r.Context(), req.domain(orgID))
	if err != nil {
		fail(w, r, err)
		return
	}
	code := http.StatusOK
	if !res.Quote && !res.RequiresApproval {
		code = http.StatusCreated
	}
	writeJSON(w, code, func(e *jx.Encoder) { encodeResult(e, res) })
}

// Applied handles GET /discounts/orders/{orderId}/applied.
func (h *Handler) Applied(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgOf(r, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	rows, err := h.engine.Applied(r.Context(), orgID, chi.URLParam(r, "orderId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeApplied(e, rows) })
}

func encodeCandidate(e *jx.Encoder, c discount.Candidate) {
	strField(e, "source", string(c.Source))
	optStrField(e, "sourceId", c.SourceID)
	optStrField(e, "label", c.Label)
	strField(e, "type", string(c.Type))
	decimalField(e, "value", c.Value)
	decimalField(e, "amount", c.Amount)
	boolField(e, "stackable", c.Stackable)
}

func encodeResult(e *jx.Encoder, res *engine.Result) {
	c := res.Composed
	e.Obj(func(e *jx.Encoder) {
		boolField(e, "quote", res.Quote)
		decimalField(e, "orderAmount", c.OrderAmount)
		decimalField(e, "totalDiscountAmount", c.TotalAmount)
		decimalField(e, "discountPercent", c.Percent)
		decimalField(e, "finalAmount", c.OrderAmount.Sub(c.TotalAmount))
		e.Field("sources", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, s := range c.Sources {
					e.Obj(func(e *jx.Encoder) { encodeCandidate(e, s) })
				}
			})
		})
		e.Field("skipped", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, s := range c.Skipped {
					e.Obj(func(e *jx.Encoder) {
						encodeCandidate(e, s.Candidate)
						strField(e, "reason", string(s.Reason))
					})
				}
			})
		})
		if p := res.Promo; p != nil {
			e.Field("promo", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					strField(e, "code", p.Code)
					boolField(e, "valid", p.Valid)
					optStrField(e, "reason", string(p.Kind))
				})
			})
		}
		boolField(e, "requiresApproval", res.RequiresApproval)
		optStrField(e, "approvalRequestId", res.ApprovalRequestID)
		if len(res.Applied) > 0 {
			e.Field("applied", func(e *jx.Encoder) { encodeApplied(e, res.Applied) })
		}
	})
}

func encodeApplied(e *jx.Encoder, rows []discount.Applied) {
	e.Arr(func(e *jx.Encoder) {
		for _, a := range rows {
			e.Obj(func(e *jx.Encoder) {
				strField(e, "id", a.ID)
				strField(e, "orderId", a.OrderID)
				strField(e, "sourceType", string(a.Source))
				optStrField(e, "sourceId", a.SourceID)
				optStrField(e, "label", a.Label)
				strField(e, "type", string(a.Type))
				decimalField(e, "value", a.Value)
				decimalField(e, "amount", a.Amount)
				optStrField(e, "approvalRequestId", a.ApprovalRequestID)
				timeField(e, "createdAt", a.CreatedAt)
			})
		}
	})
}
