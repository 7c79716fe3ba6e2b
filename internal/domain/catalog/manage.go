package catalog

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/volume"
)

// ErrCodeExists is returned when an organization already has a code with the
// same (case-insensitive) text.
var ErrCodeExists = errors.New("discount code already exists")

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var hundred = decimal.NewFromInt(100)

// ValidCodeText reports whether s uses only the characters allowed in a code.
func ValidCodeText(s string) bool {
	return codePattern.MatchString(s)
}

func positiveDecimal(value any) error {
	v, _ := value.(decimal.Decimal)
	if !v.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

func nonNegativeDecimal(value any) error {
	switch v := value.(type) {
	case decimal.Decimal:
		if v.IsNegative() {
			return errors.New("must not be negative")
		}
	case *decimal.Decimal:
		if v != nil && v.IsNegative() {
			return errors.New("must not be negative")
		}
	}
	return nil
}

func positiveLimit(value any) error {
	if v, _ := value.(*int); v != nil && *v < 1 {
		return errors.New("must be at least 1")
	}
	return nil
}

// ValidateCode checks a code definition. Failures are validation.Errors
// keyed by field.
func ValidateCode(c Code) error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.OrgID, validation.Required),
		validation.Field(&c.Code,
			validation.Required,
			validation.Length(3, 64),
			validation.Match(codePattern).Error("must contain only letters, digits, '-' and '_'"),
		),
		validation.Field(&c.DiscountType,
			validation.Required,
			validation.In(discount.TypePercent, discount.TypeFixed),
		),
		validation.Field(&c.Value,
			validation.By(positiveDecimal),
			validation.When(c.DiscountType == discount.TypePercent, validation.By(func(any) error {
				if c.Value.GreaterThan(hundred) {
					return errors.New("percent must not exceed 100")
				}
				return nil
			})),
		),
		validation.Field(&c.MaxDiscountAmount, validation.By(nonNegativeDecimal)),
		validation.Field(&c.MinOrderAmount, validation.By(nonNegativeDecimal)),
		validation.Field(&c.MaxUsesTotal, validation.By(positiveLimit)),
		validation.Field(&c.MaxUsesPerCustomer, validation.By(positiveLimit)),
		validation.Field(&c.StartsAt, validation.Required),
		validation.Field(&c.ExpiresAt, validation.When(c.ExpiresAt != nil, validation.By(func(any) error {
			if !c.ExpiresAt.After(c.StartsAt) {
				return errors.New("must be after startsAt")
			}
			return nil
		}))),
	)
}

// Writer persists administrator changes to definitions.
type Writer interface {
	CreateCode(ctx context.Context, c Code) error
	ReplaceVolumeTiers(ctx context.Context, orgID string, tiers []volume.Tier) error
}

// Manager applies validated administrator changes.
type Manager struct {
	w   Writer
	now func() time.Time
}

// NewManager returns a Manager writing through w.
func NewManager(w Writer) *Manager {
	return &Manager{w: w, now: time.Now}
}

// CreateCode validates and stores a new code. The code text is stored
// upper-cased and the usage counters start at zero.
func (m *Manager) CreateCode(ctx context.Context, c Code) (*Code, error) {
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	if c.StartsAt.IsZero() {
		c.StartsAt = m.now()
	}
	if err := ValidateCode(c); err != nil {
		return nil, err
	}

	c.ID = uuid.NewString()
	c.TimesUsed = 0
	c.TotalDiscountGiven = decimal.Zero
	c.CreatedAt = m.now()
	if err := m.w.CreateCode(ctx, c); err != nil {
		if errors.Is(err, ErrCodeExists) {
			return nil, ErrCodeExists
		}
		return nil, errors.Wrap(err, "create code")
	}
	return &c, nil
}

// ReplaceVolumeTiers validates tiers and replaces the organization's whole
// tier set.
func (m *Manager) ReplaceVolumeTiers(ctx context.Context, orgID string, tiers []volume.Tier) ([]volume.Tier, error) {
	if err := volume.Validate(tiers); err != nil {
		return nil, err
	}
	for i := range tiers {
		if tiers[i].ID == "" {
			tiers[i].ID = uuid.NewString()
		}
	}
	if err := m.w.ReplaceVolumeTiers(ctx, orgID, tiers); err != nil {
		return nil, errors.Wrap(err, "replace volume tiers")
	}
	return tiers, nil
}
