// Package handler serves the discount HTTP API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/proposal-discounts/internal/domain/approval"
	"github.com/xenking/proposal-discounts/internal/domain/auth"
	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/engine"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
	"github.com/xenking/proposal-discounts/internal/domain/volume"
)

// Engine is the subset of *engine.Engine the API calls.
type Engine interface {
	Evaluate(ctx context.Context, req engine.Request) (*engine.Result, error)
	Approval(ctx context.Context, orgID, id string) (*approval.Request, error)
	Approvals(ctx context.Context, orgID string, status approval.Status, limit int) ([]approval.Request, error)
	Approve(ctx context.Context, orgID, id string, rv approval.Reviewer, offer *approval.CounterOffer, notes string) (*approval.Request, error)
	Reject(ctx context.Context, orgID, id string, rv approval.Reviewer, notes string) (*approval.Request, error)
	Cancel(ctx context.Context, orgID, id, requesterID string) (*approval.Request, error)
	Applied(ctx context.Context, orgID, orderID string) ([]discount.Applied, error)
	LoyaltySummary(ctx context.Context, orgID, customerID string) (*engine.LoyaltySummary, error)
	RecordPoints(ctx context.Context, tx loyalty.Transaction) (*loyalty.Transaction, error)
}

// Admin is the subset of *catalog.Manager the API calls.
type Admin interface {
	CreateCode(ctx context.Context, c catalog.Code) (*catalog.Code, error)
	ReplaceVolumeTiers(ctx context.Context, orgID string, tiers []volume.Tier) ([]volume.Tier, error)
}

var (
	_ Engine = (*engine.Engine)(nil)
	_ Admin  = (*catalog.Manager)(nil)
)

// Config holds non-dependency handler settings.
type Config struct {
	// MaxBodyBytes bounds request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
	// ListLimit caps approval listings. Zero means 100.
	ListLimit int
}

// Handler implements the discount API on top of the engine and the
// catalog manager.
type Handler struct {
	engine  Engine
	admin   Admin
	keys    *Security
	maxBody int64
	limit   int
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, e Engine, admin Admin, keys *Security) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	return &Handler{
		engine:  e,
		admin:   admin,
		keys:    keys,
		maxBody: cfg.MaxBodyBytes,
		limit:   cfg.ListLimit,
	}
}

// Router returns the /discounts routes. Every route requires an API key
// with the listed scope.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/discounts", func(r chi.Router) {
		r.Use(h.keys.Authenticate)

		r.With(RequireScope(auth.ScopeEvaluate)).Post("/evaluate", h.Evaluate)
		r.With(RequireScope(auth.ScopeEvaluate)).Get("/orders/{orderId}/applied", h.Applied)

		r.Route("/approvals", func(r chi.Router) {
			r.With(RequireScope(auth.ScopeReview)).Get("/", h.ListApprovals)
			r.With(RequireScope(auth.ScopeReview)).Get("/{id}", h.GetApproval)
			r.With(RequireScope(auth.ScopeReview)).Post("/{id}/approve", h.Approve)
			r.With(RequireScope(auth.ScopeReview)).Post("/{id}/reject", h.Reject)
			r.With(RequireScope(auth.ScopeEvaluate)).Post("/{id}/cancel", h.Cancel)
		})

		r.Route("/loyalty/{customerId}", func(r chi.Router) {
			r.With(RequireScope(auth.ScopeEvaluate)).Get("/", h.LoyaltyAccount)
			r.With(RequireScope(auth.ScopeLoyaltyWrite)).Post("/transactions", h.RecordPoints)
		})

		r.With(RequireScope(auth.ScopeAdmin)).Post("/codes", h.CreateCode)
		r.With(RequireScope(auth.ScopeAdmin)).Put("/volume-tiers", h.ReplaceVolumeTiers)
	})
	return r
}
