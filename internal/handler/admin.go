package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/volume"
)

func codeFields(c *catalog.Code) fieldDecoders {
	return fieldDecoders{
		"orgId":              str(&c.OrgID),
		"code":               str(&c.Code),
		"description":        str(&c.Description),
		"discountType":       func(d *jx.Decoder) error { return str((*string)(&c.DiscountType))(d) },
		"discountValue":      dec(&c.Value),
		"maxDiscountAmount":  optDec(&c.MaxDiscountAmount),
		"minOrderAmount":     dec(&c.MinOrderAmount),
		"maxUsesTotal":       optInteger(&c.MaxUsesTotal),
		"maxUsesPerCustomer": optInteger(&c.MaxUsesPerCustomer),
		"customers":          strs(&c.Customers),
		"services":           strs(&c.Services),
		"tiers":              strs(&c.Tiers),
		"startsAt":           timestamp(&c.StartsAt),
		"expiresAt":          optTimestamp(&c.ExpiresAt),
		"isActive":           boolean(&c.Active),
	}
}

// CreateCode handles POST /discounts/codes.
func (h *Handler) CreateCode(w http.ResponseWriter, r *http.Request) {
	c := catalog.Code{Active: true}
	if err := h.readObject(w, r, codeFields(&c)); err != nil {
		fail(w, r, err)
		return
	}
	orgID, err := orgOf(r, c.OrgID)
	if err != nil {
		fail(w, r, err)
		return
	}
	c.OrgID = orgID

	created, err := h.admin.CreateCode(r.Context(), c)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCode(e, created) })
}

func encodeCode(e *jx.Encoder, c *catalog.Code) {
	e.Obj(func(e *jx.Encoder) {
		strField(e, "id", c.ID)
		strField(e, "code", c.Code)
		optStrField(e, "description", c.Description)
		strField(e, "discountType", string(c.DiscountType))
		decimalField(e, "discountValue", c.Value)
		optDecimalField(e, "maxDiscountAmount", c.MaxDiscountAmount)
		decimalField(e, "minOrderAmount", c.MinOrderAmount)
		if c.MaxUsesTotal != nil {
			intField(e, "maxUsesTotal", int64(*c.MaxUsesTotal))
		}
		if c.MaxUsesPerCustomer != nil {
			intField(e, "maxUsesPerCustomer", int64(*c.MaxUsesPerCustomer))
		}
		strsField(e, "customers", c.Customers)
		strsField(e, "services", c.Services)
		strsField(e, "tiers", c.Tiers)
		timeField(e, "startsAt", c.StartsAt)
		optTimeField(e, "expiresAt", c.ExpiresAt)
		boolField(e, "isActive", c.Active)
		intField(e, "timesUsed", int64(c.TimesUsed))
		decimalField(e, "totalDiscountGiven", c.TotalDiscountGiven)
		timeField(e, "createdAt", c.CreatedAt)
	})
}

// ReplaceVolumeTiers handles PUT /discounts/volume-tiers. The body's tiers
// replace the organization's whole set.
func (h *Handler) ReplaceVolumeTiers(w http.ResponseWriter, r *http.Request) {
	var (
		orgID string
		tiers []volume.Tier
	)
	if err := h.readObject(w, r, fieldDecoders{
		"orgId": str(&orgID),
		"tiers": func(d *jx.Decoder) error {
			return d.Arr(func(d *jx.Decoder) error {
				var t volume.Tier
				if err := decodeObject(d, fieldDecoders{
					"id":              str(&t.ID),
					"name":            str(&t.Name),
					"measurement":     func(d *jx.Decoder) error { return str((*string)(&t.Measurement))(d) },
					"min":             dec(&t.Min),
					"max":             optDec(&t.Max),
					"discountPercent": optDec(&t.DiscountPercent),
					"discountFixed":   optDec(&t.DiscountFixed),
					"priority":        integer(&t.Priority),
					"stackable":       boolean(&t.Stackable),
				}); err != nil {
					return err
				}
				tiers = append(tiers, t)
				return nil
			})
		},
	}); err != nil {
		fail(w, r, err)
		return
	}
	orgID, err := orgOf(r, orgID)
	if err != nil {
		fail(w, r, err)
		return
	}

	saved, err := h.admin.ReplaceVolumeTiers(r.Context(), orgID, tiers)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("tiers", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, t := range saved {
						encodeTier(e, t)
					}
				})
			})
		})
	})
}

func encodeTier(e *jx.Encoder, t volume.Tier) {
	e.Obj(func(e *jx.Encoder) {
		strField(e, "id", t.ID)
		optStrField(e, "name", t.Name)
		strField(e, "measurement", string(t.Measurement))
		decimalField(e, "min", t.Min)
		optDecimalField(e, "max", t.Max)
		optDecimalField(e, "discountPercent", t.DiscountPercent)
		optDecimalField(e, "discountFixed", t.DiscountFixed)
		intField(e, "priority", int64(t.Priority))
		boolField(e, "stackable", t.Stackable)
	})
}
