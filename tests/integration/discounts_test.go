//go:build integration

package integration

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder() string { return "order-" + uuid.NewString()[:8] }

func newCustomer() string { return "cust-" + uuid.NewString()[:8] }

func TestEvaluate_Auth(t *testing.T) {
	body := evaluateRequest{CustomerID: newCustomer(), OrderAmount: "100"}

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"NoKey", "", http.StatusUnauthorized},
		{"UnknownKey", "wrong-key", http.StatusUnauthorized},
		{"Valid", salesKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, "/discounts/evaluate", tt.key, body)
			defer resp.Body.Close()
			require.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestEvaluate_ForeignOrganization(t *testing.T) {
	resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, map[string]any{
		"orgId":       "someone-else",
		"customerId":  newCustomer(),
		"orderAmount": "100",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEvaluate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"MissingCustomer", evaluateRequest{OrderAmount: "100"}},
		{"NegativeAmount", evaluateRequest{CustomerID: newCustomer(), OrderAmount: "-1"}},
		{"OrderWithoutRequester", evaluateRequest{CustomerID: newCustomer(), OrderAmount: "100", OrderID: newOrder()}},
		{"BadQuantity", evaluateRequest{
			CustomerID:  newCustomer(),
			OrderAmount: "100",
			Services:    []serviceLine{{ServiceID: "carpet", Quantity: 0}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, tt.body)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestEvaluate_Quote(t *testing.T) {
	resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, evaluateRequest{
		CustomerID:  newCustomer(),
		OrderAmount: "500",
		PromoCode:   "save10",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decodeJSON[evaluateResponse](t, resp)
	assert.True(t, res.Quote)
	assert.InDelta(t, 50, res.TotalDiscountAmount, 0.001)
	assert.InDelta(t, 450, res.FinalAmount, 0.001)
	assert.InDelta(t, 10, res.DiscountPercent, 0.001)
	require.NotNil(t, res.Promo)
	assert.True(t, res.Promo.Valid)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "promo_code", res.Sources[0].Source)
}

func TestEvaluate_UnknownPromo(t *testing.T) {
	resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, evaluateRequest{
		CustomerID:  newCustomer(),
		OrderAmount: "500",
		PromoCode:   "NOPE",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decodeJSON[evaluateResponse](t, resp)
	require.NotNil(t, res.Promo)
	assert.False(t, res.Promo.Valid)
	assert.NotEmpty(t, res.Promo.Reason)
	assert.Zero(t, res.TotalDiscountAmount)
}

func TestEvaluate_Apply(t *testing.T) {
	orderID := newOrder()
	body := evaluateRequest{
		OrderID:       orderID,
		CustomerID:    newCustomer(),
		OrderAmount:   "500",
		PromoCode:     "SAVE10",
		RequesterID:   "rep-1",
		RequesterRole: "sales",
	}

	resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeJSON[evaluateResponse](t, resp)
	assert.False(t, res.Quote)
	assert.False(t, res.RequiresApproval)

	t.Run("Applied", func(t *testing.T) {
		resp := do(t, http.MethodGet, "/discounts/orders/"+orderID+"/applied", salesKey, nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		rows := decodeJSON[[]appliedRow](t, resp)
		require.Len(t, rows, 1)
		assert.Equal(t, "promo_code", rows[0].SourceType)
		assert.InDelta(t, 50, rows[0].Amount, 0.001)

		require.Len(t, res.Applied, 1)
		assert.NotEmpty(t, res.Applied[0].ID)
		assert.Equal(t, res.Applied[0].ID, rows[0].ID)
	})
	t.Run("AppliedTwice", func(t *testing.T) {
		resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, body)
		defer resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestApprovalFlow(t *testing.T) {
	orderID := newOrder()
	resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, evaluateRequest{
		OrderID:       orderID,
		CustomerID:    newCustomer(),
		OrderAmount:   "1000",
		PromoCode:     "BIG20",
		RequesterID:   "rep-1",
		RequesterRole: "sales",
		Reason:        "competitor quote",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decodeJSON[evaluateResponse](t, resp)
	require.True(t, res.RequiresApproval)
	require.NotEmpty(t, res.ApprovalRequestID)
	path := "/discounts/approvals/" + res.ApprovalRequestID

	t.Run("ReviewScopeRequired", func(t *testing.T) {
		resp := do(t, http.MethodGet, path, salesKey, nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("Pending", func(t *testing.T) {
		resp := do(t, http.MethodGet, path, fullKey, nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		a := decodeJSON[approvalResponse](t, resp)
		assert.Equal(t, "pending", a.Status)
		assert.Equal(t, orderID, a.OrderID)
		assert.Equal(t, "manager", a.AssignedTo)
		assert.InDelta(t, 20, a.RequestedDiscountPercent, 0.001)
	})
	t.Run("Listed", func(t *testing.T) {
		resp := do(t, http.MethodGet, "/discounts/approvals?status=pending", fullKey, nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		list := decodeJSON[[]approvalResponse](t, resp)
		ids := make([]string, 0, len(list))
		for _, a := range list {
			ids = append(ids, a.ID)
		}
		assert.Contains(t, ids, res.ApprovalRequestID)
	})
	t.Run("SecondRequestBlocked", func(t *testing.T) {
		resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, evaluateRequest{
			OrderID:       orderID,
			CustomerID:    newCustomer(),
			OrderAmount:   "1000",
			RequesterID:   "rep-1",
			RequesterRole: "sales",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})
	t.Run("ReviewerRequired", func(t *testing.T) {
		resp := do(t, http.MethodPost, path+"/approve", fullKey, map[string]any{})
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("WrongReviewerRole", func(t *testing.T) {
		resp := do(t, http.MethodPost, path+"/approve", fullKey, map[string]any{
			"reviewerId":   "rep-9",
			"reviewerRole": "sales",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("Approve", func(t *testing.T) {
		resp := do(t, http.MethodPost, path+"/approve", fullKey, map[string]any{
			"reviewerId":   "mgr-1",
			"reviewerRole": "manager",
			"notes":        "matched competitor",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		a := decodeJSON[approvalResponse](t, resp)
		assert.Equal(t, "approved", a.Status)
		assert.Equal(t, "mgr-1", a.ReviewerID)
		assert.InDelta(t, 200, a.ApprovedAmount, 0.001)
	})
	t.Run("AppliedWithApproval", func(t *testing.T) {
		resp := do(t, http.MethodGet, "/discounts/orders/"+orderID+"/applied", salesKey, nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		rows := decodeJSON[[]appliedRow](t, resp)
		require.NotEmpty(t, rows)
		assert.Equal(t, res.ApprovalRequestID, rows[0].ApprovalRequestID)
	})
	t.Run("DecidedTwice", func(t *testing.T) {
		resp := do(t, http.MethodPost, path+"/reject", fullKey, map[string]any{"reviewerId": "mgr-2", "reviewerRole": "manager"})
		defer resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestApprovalCancel(t *testing.T) {
	resp := do(t, http.MethodPost, "/discounts/evaluate", salesKey, evaluateRequest{
		OrderID:       newOrder(),
		CustomerID:    newCustomer(),
		OrderAmount:   "800",
		PromoCode:     "BIG20",
		RequesterID:   "rep-2",
		RequesterRole: "sales",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeJSON[evaluateResponse](t, resp)
	require.True(t, res.RequiresApproval)
	path := "/discounts/approvals/" + res.ApprovalRequestID + "/cancel"

	t.Run("NotRequester", func(t *testing.T) {
		resp := do(t, http.MethodPost, path, salesKey, map[string]any{"requesterId": "rep-9"})
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("Requester", func(t *testing.T) {
		resp := do(t, http.MethodPost, path, salesKey, map[string]any{"requesterId": "rep-2"})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		a := decodeJSON[approvalResponse](t, resp)
		assert.Equal(t, "cancelled", a.Status)
	})
}

func TestApproval_NotFound(t *testing.T) {
	resp := do(t, http.MethodGet, "/discounts/approvals/"+uuid.NewString(), fullKey, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoyalty(t *testing.T) {
	customer := newCustomer()
	path := "/discounts/loyalty/" + customer

	t.Run("NoAccount", func(t *testing.T) {
		resp := do(t, http.MethodGet, path, salesKey, nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
	t.Run("WriteScopeRequired", func(t *testing.T) {
		resp := do(t, http.MethodPost, path+"/transactions", salesKey, map[string]any{"delta": 10, "reason": "x"})
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("Earn", func(t *testing.T) {
		resp := do(t, http.MethodPost, path+"/transactions", fullKey, map[string]any{
			"delta":   1500,
			"reason":  "booking",
			"orderId": "order-1",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	})
	t.Run("Overdraw", func(t *testing.T) {
		resp := do(t, http.MethodPost, path+"/transactions", fullKey, map[string]any{"delta": -2000, "reason": "redeem"})
		defer resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})
	t.Run("Summary", func(t *testing.T) {
		resp := do(t, http.MethodGet, path, salesKey, nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		s := decodeJSON[loyaltyResponse](t, resp)
		assert.EqualValues(t, 1500, s.CurrentPoints)
		assert.EqualValues(t, 1500, s.LifetimePoints)
		require.NotNil(t, s.CurrentTier)
		assert.Equal(t, "Gold", s.CurrentTier.Name)
		assert.True(t, s.Reconciliation.Consistent)
	})
}

func TestAdmin(t *testing.T) {
	code := map[string]any{
		"code":          "SPRING" + uuid.NewString()[:4],
		"discountType":  "fixed",
		"discountValue": "30",
	}

	t.Run("AdminScopeRequired", func(t *testing.T) {
		resp := do(t, http.MethodPost, "/discounts/codes", salesKey, code)
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("CreateCode", func(t *testing.T) {
		resp := do(t, http.MethodPost, "/discounts/codes", fullKey, code)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	})
	t.Run("DuplicateCode", func(t *testing.T) {
		resp := do(t, http.MethodPost, "/discounts/codes", fullKey, code)
		defer resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})
	t.Run("InvalidCode", func(t *testing.T) {
		resp := do(t, http.MethodPost, "/discounts/codes", fullKey, map[string]any{
			"code":          "BAD CODE",
			"discountType":  "percent",
			"discountValue": "150",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("ReplaceVolumeTiers", func(t *testing.T) {
		resp := do(t, http.MethodPut, "/discounts/volume-tiers", fullKey, map[string]any{
			"tiers": []map[string]any{
				{"name": "Large", "measurement": "sqft", "min": "3000", "max": "6000", "discountPercent": "3"},
				{"name": "Estate", "measurement": "sqft", "min": "6000", "discountPercent": "5"},
			},
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
	t.Run("OverlappingTiers", func(t *testing.T) {
		resp := do(t, http.MethodPut, "/discounts/volume-tiers", fullKey, map[string]any{
			"tiers": []map[string]any{
				{"measurement": "sqft", "min": "1000", "max": "5000", "discountPercent": "3"},
				{"measurement": "sqft", "min": "4000", "discountPercent": "5"},
			},
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
