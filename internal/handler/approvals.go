package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/approval"
)

// ListApprovals handles GET /discounts/approvals?status=&limit=.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgOf(r, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	q := r.URL.Query()

	status := approval.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		fail(w, r, badRequest(errors.Errorf("unknown status %q", status)))
		return
	}
	limit := h.limit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			fail(w, r, badRequest(errors.Errorf("limit must be a positive integer")))
			return
		}
		limit = min(n, h.limit)
	}

	list, err := h.engine.Approvals(r.Context(), orgID, status, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range list {
				encodeApproval(e, &list[i])
			}
		})
	})
}

// GetApproval handles GET /discounts/approvals/{id}.
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgOf(r, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	req, err := h.engine.Approval(r.Context(), orgID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeApproval(e, req) })
}

type counterOffer struct {
	Percent *decimal.Decimal `json:"percent"`
	Amount  *decimal.Decimal `json:"amount"`
}

type decisionRequest struct {
	ReviewerID   string        `json:"reviewerId"`
	ReviewerRole string        `json:"reviewerRole"`
	Notes        string        `json:"notes"`
	CounterOffer *counterOffer `json:"counterOffer"`
}

func (req *decisionRequest) fields() fieldDecoders {
	return fieldDecoders{
		"reviewerId":   str(&req.ReviewerID),
		"reviewerRole": str(&req.ReviewerRole),
		"notes":        str(&req.Notes),
		"counterOffer": func(d *jx.Decoder) error {
			if isNull, err := null(d); isNull || err != nil {
				return err
			}
			var o counterOffer
			if err := decodeObject(d, fieldDecoders{
				"percent": optDec(&o.Percent),
				"amount":  optDec(&o.Amount),
			}); err != nil {
				return err
			}
			req.CounterOffer = &o
			return nil
		},
	}
}

func (req *decisionRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.ReviewerID, validation.Required),
		validation.Field(&req.ReviewerRole, validation.Required),
		validation.Field(&req.Notes, validation.Length(0, 2000)),
	)
}

func (req *decisionRequest) reviewer() approval.Reviewer {
	return approval.Reviewer{ID: req.ReviewerID, Role: req.ReviewerRole}
}

func (req *decisionRequest) offer() *approval.CounterOffer {
	if req.CounterOffer == nil {
		return nil
	}
	return &approval.CounterOffer{Percent: req.CounterOffer.Percent, Amount: req.CounterOffer.Amount}
}

// Approve handles POST /discounts/approvals/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(orgID, id string, req *decisionRequest) (*approval.Request, error) {
		return h.engine.Approve(r.Context(), orgID, id, req.reviewer(), req.offer(), req.Notes)
	})
}

// Reject handles POST /discounts/approvals/{id}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(orgID, id string, req *decisionRequest) (*approval.Request, error) {
		if req.CounterOffer != nil {
			return nil, badRequest(errors.New("counter-offer is only valid when approving"))
		}
		return h.engine.Reject(r.Context(), orgID, id, req.reviewer(), req.Notes)
	})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, do func(orgID, id string, req *decisionRequest) (*approval.Request, error)) {
	orgID, err := orgOf(r, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req decisionRequest
	if err := h.readObject(w, r, req.fields()); err != nil {
		fail(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		fail(w, r, err)
		return
	}
	out, err := do(orgID, chi.URLParam(r, "id"), &req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeApproval(e, out) })
}

type cancelRequest struct {
	RequesterID string `json:"requesterId"`
}

// Cancel handles POST /discounts/approvals/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgOf(r, "")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req cancelRequest
	if err := h.readObject(w, r, fieldDecoders{"requesterId": str(&req.RequesterID)}); err != nil {
		fail(w, r, err)
		return
	}
	if err := validation.ValidateStruct(&req, validation.Field(&req.RequesterID, validation.Required)); err != nil {
		fail(w, r, err)
		return
	}
	out, err := h.engine.Cancel(r.Context(), orgID, chi.URLParam(r, "id"), req.RequesterID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeApproval(e, out) })
}

func encodeApproval(e *jx.Encoder, r *approval.Request) {
	e.Obj(func(e *jx.Encoder) {
		strField(e, "id", r.ID)
		strField(e, "orderId", r.OrderID)
		optStrField(e, "customerId", r.CustomerID)
		strField(e, "requesterId", r.RequesterID)
		optStrField(e, "requesterRole", r.RequesterRole)
		decimalField(e, "requestedDiscountPercent", r.RequestedPercent)
		decimalField(e, "requestedDiscountAmount", r.RequestedAmount)
		optStrField(e, "reason", r.Reason)
		strField(e, "status", string(r.Status))
		optStrField(e, "assignedTo", r.AssignedTo)
		optStrField(e, "escalatedTo", r.EscalatedTo)
		optTimeField(e, "escalatedAt", r.EscalatedAt)
		optStrField(e, "reviewerId", r.ReviewerID)
		optStrField(e, "reviewNotes", r.ReviewNotes)
		optTimeField(e, "decidedAt", r.DecidedAt)
		if o := r.CounterOffer; o != nil {
			e.Field("counterOffer", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					optDecimalField(e, "percent", o.Percent)
					optDecimalField(e, "amount", o.Amount)
				})
			})
		}
		optDecimalField(e, "approvedAmount", r.ApprovedAmount)
		optTimeField(e, "escalateAt", r.EscalateAt)
		timeField(e, "expiresAt", r.ExpiresAt)
		timeField(e, "createdAt", r.CreatedAt)
		timeField(e, "updatedAt", r.UpdatedAt)
	})
}
