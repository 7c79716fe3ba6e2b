package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/xenking/proposal-discounts/internal/domain/approval"
	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/engine"
	"github.com/xenking/proposal-discounts/internal/domain/ledger"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
	"github.com/xenking/proposal-discounts/internal/domain/volume"
	"github.com/xenking/proposal-discounts/pkg/httpmiddleware"
)

var errUnauthenticated = errors.New("unauthenticated")

// requestError is a malformed request body or parameter.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return "invalid request: " + e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{err: err}
}

// statuses maps domain sentinels to HTTP codes. The first match wins.
var statuses = []struct {
	err  error
	code int
}{
	{volume.ErrInvalidTiers, http.StatusBadRequest},
	{approval.ErrInvalidCounterOffer, http.StatusBadRequest},
	{engine.ErrRequesterRequired, http.StatusBadRequest},
	{loyalty.ErrZeroDelta, http.StatusBadRequest},

	{errUnauthenticated, http.StatusUnauthorized},

	{errForeignOrg, http.StatusForbidden},
	{approval.ErrNotRequester, http.StatusForbidden},
	{approval.ErrNotAssignee, http.StatusForbidden},

	{catalog.ErrOrganizationNotFound, http.StatusNotFound},
	{approval.ErrNotFound, http.StatusNotFound},
	{loyalty.ErrAccountNotFound, http.StatusNotFound},
	{ledger.ErrReservationNotFound, http.StatusNotFound},

	{approval.ErrInvalidStateTransition, http.StatusConflict},
	{approval.ErrActiveRequestExists, http.StatusConflict},
	{approval.ErrStatusChanged, http.StatusConflict},
	{engine.ErrAlreadyApplied, http.StatusConflict},
	{ledger.ErrConcurrentUsageConflict, http.StatusConflict},
	{ledger.ErrUsageLimitExceeded, http.StatusConflict},
	{ledger.ErrCustomerLimitExceeded, http.StatusConflict},
	{ledger.ErrReservationResolved, http.StatusConflict},
	{loyalty.ErrInsufficientPoints, http.StatusConflict},
	{catalog.ErrCodeExists, http.StatusConflict},
}

// mapError returns the status code for err.
func mapError(err error) int {
	var (
		reqErr *requestError
		fields validation.Errors
	)
	if errors.As(err, &reqErr) || errors.As(err, &fields) {
		return http.StatusBadRequest
	}
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return http.StatusInternalServerError
}

// fail writes err as an error response. Internal errors are logged and
// their text is not exposed.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code := mapError(err)
	if code >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, message string) {
	httpmiddleware.WriteError(w, code, message)
}
