package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/xenking/proposal-discounts/internal/domain/engine"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
)

// LoyaltyAccount handles GET /discounts/loyalty/{customerId}.
func (h *Handler) LoyaltyAccount(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgOf(r, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	s, err := h.engine.LoyaltySummary(r.Context(), orgID, chi.URLParam(r, "customerId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeLoyalty(e, s) })
}

type pointsRequest struct {
	Delta   int64  `json:"delta"`
	Reason  string `json:"reason"`
	OrderID string `json:"orderId"`
}

// RecordPoints handles POST /discounts/loyalty/{customerId}/transactions.
func (h *Handler) RecordPoints(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgOf(r, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req pointsRequest
	if err := h.readObject(w, r, fieldDecoders{
		"delta":   integer64(&req.Delta),
		"reason":  str(&req.Reason),
		"orderId": str(&req.OrderID),
	}); err != nil {
		fail(w, r, err)
		return
	}
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.Delta, validation.Required),
		validation.Field(&req.Reason, validation.Required, validation.Length(1, 255)),
	); err != nil {
		fail(w, r, err)
		return
	}

	tx, err := h.engine.RecordPoints(r.Context(), loyalty.Transaction{
		OrgID:      orgID,
		CustomerID: chi.URLParam(r, "customerId"),
		Delta:      req.Delta,
		Reason:     req.Reason,
		OrderID:    req.OrderID,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			strField(e, "id", tx.ID)
			strField(e, "customerId", tx.CustomerID)
			intField(e, "seq", tx.Seq)
			intField(e, "delta", tx.Delta)
			intField(e, "balanceAfter", tx.BalanceAfter)
			strField(e, "reason", tx.Reason)
			optStrField(e, "orderId", tx.OrderID)
			timeField(e, "createdAt", tx.CreatedAt)
		})
	})
}

func encodeLoyalty(e *jx.Encoder, s *engine.LoyaltySummary) {
	e.Obj(func(e *jx.Encoder) {
		strField(e, "customerId", s.Account.CustomerID)
		intField(e, "currentPoints", s.Account.CurrentPoints)
		intField(e, "lifetimePoints", s.Account.LifetimePoints)
		e.Field("currentTier", func(e *jx.Encoder) {
			if s.Tier == nil {
				e.Null()
				return
			}
			e.Obj(func(e *jx.Encoder) {
				strField(e, "name", s.Tier.Name)
				intField(e, "minPoints", s.Tier.MinPoints)
				decimalField(e, "discountPercent", s.Tier.DiscountPercent)
				strsField(e, "perks", s.Tier.Perks)
			})
		})
		e.Field("reconciliation", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				intField(e, "balance", s.Reconciliation.Balance)
				intField(e, "transactionSum", s.Reconciliation.Sum)
				boolField(e, "consistent", s.Reconciliation.Consistent)
			})
		})
		timeField(e, "updatedAt", s.Account.UpdatedAt)
	})
}
