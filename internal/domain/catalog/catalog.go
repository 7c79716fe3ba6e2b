// Package catalog loads an organization's discount definitions as an
// immutable snapshot taken at one instant.
package catalog

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
	"github.com/xenking/proposal-discounts/internal/domain/rules"
	"github.com/xenking/proposal-discounts/internal/domain/seasonal"
	"github.com/xenking/proposal-discounts/internal/domain/volume"
)

// ErrOrganizationNotFound is returned when the organization does not exist.
var ErrOrganizationNotFound = errors.New("organization not found")

// RoleLimit is the largest discount a role may grant without approval.
// A nil MaxAmount leaves the absolute amount unbounded.
type RoleLimit struct {
	MaxPercent decimal.Decimal
	MaxAmount  *decimal.Decimal
}

// Exceeded reports whether c goes beyond the limit.
func (l RoleLimit) Exceeded(c discount.Composed) bool {
	if !c.TotalAmount.IsPositive() {
		return false
	}
	if c.Percent.GreaterThan(l.MaxPercent) {
		return true
	}
	return l.MaxAmount != nil && c.TotalAmount.GreaterThan(*l.MaxAmount)
}

// Policy is the organization's discount and approval policy.
type Policy struct {
	AllowStacking      bool
	MaxCombinedPercent decimal.Decimal
	EscalationAfter    time.Duration
	AutoRejectAfter    time.Duration
	RoleLimits         map[string]RoleLimit
}

// Composition returns the composer's view of the policy.
func (p Policy) Composition() discount.Policy {
	return discount.Policy{
		AllowStacking:      p.AllowStacking,
		MaxCombinedPercent: p.MaxCombinedPercent,
	}
}

// Limit returns the role's limit. Unknown roles may not grant any discount.
func (p Policy) Limit(role string) RoleLimit {
	if l, ok := p.RoleLimits[strings.ToLower(role)]; ok {
		return l
	}
	return RoleLimit{MaxPercent: decimal.Zero, MaxAmount: &decimal.Zero}
}

// Organization is a tenant.
type Organization struct {
	ID     string
	Name   string
	Policy Policy
}

// Code is a promo code definition.
type Code struct {
	ID                 string
	OrgID              string
	Code               string
	Description        string
	DiscountType       discount.Type
	Value              decimal.Decimal
	MaxDiscountAmount  *decimal.Decimal
	MinOrderAmount     decimal.Decimal
	MaxUsesTotal       *int
	MaxUsesPerCustomer *int
	Customers          []string
	Services           []string
	Tiers              []string
	StartsAt           time.Time
	ExpiresAt          *time.Time
	Active             bool
	TimesUsed          int
	TotalDiscountGiven decimal.Decimal
	CreatedAt          time.Time
}

// ActiveAt reports whether the code is enabled and within its validity window.
func (c Code) ActiveAt(t time.Time) bool {
	if !c.Active || t.Before(c.StartsAt) {
		return false
	}
	return c.ExpiresAt == nil || t.Before(*c.ExpiresAt)
}

// Definitions is everything configured for an organization, unfiltered.
type Definitions struct {
	Organization Organization
	Codes        []Code
	Rules        []rules.Rule
	Loyalty      *loyalty.Program
	VolumeTiers  []volume.Tier
	Campaigns    []seasonal.Campaign
}

// Repository reads raw definitions. It returns ErrOrganizationNotFound when
// the organization is unknown.
type Repository interface {
	Definitions(ctx context.Context, orgID string) (*Definitions, error)
}

// CodeState is the outcome of a code lookup.
type CodeState int

const (
	CodeMissing CodeState = iota
	CodeActive
	CodeInactive
)

// Catalog is an immutable snapshot of the definitions valid at AsOf.
type Catalog struct {
	org       Organization
	asOf      time.Time
	codes     map[string]Code
	inactive  map[string]Code
	rules     []rules.Rule
	loyalty   *loyalty.Program
	tiers     []volume.Tier
	campaigns []seasonal.Campaign
}

// New builds a snapshot of defs at asOf, dropping every definition that is
// inactive or outside its validity window.
func New(defs Definitions, asOf time.Time) *Catalog {
	c := &Catalog{
		org:      defs.Organization,
		asOf:     asOf,
		codes:    make(map[string]Code, len(defs.Codes)),
		inactive: make(map[string]Code),
	}
	for _, code := range defs.Codes {
		key := normalizeCode(code.Code)
		if code.ActiveAt(asOf) {
			c.codes[key] = code
		} else {
			c.inactive[key] = code
		}
	}
	for _, r := range defs.Rules {
		if r.ActiveAt(asOf) {
			c.rules = append(c.rules, r)
		}
	}
	if defs.Loyalty != nil && defs.Loyalty.Active {
		p := *defs.Loyalty
		p.Tiers = slices.Clone(p.Tiers)
		c.loyalty = &p
	}
	c.tiers = slices.Clone(defs.VolumeTiers)
	for _, camp := range defs.Campaigns {
		if camp.ActiveAt(asOf) {
			c.campaigns = append(c.campaigns, camp)
		}
	}
	return c
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// OrgID returns the organization the snapshot belongs to.
func (c *Catalog) OrgID() string { return c.org.ID }

// AsOf returns the snapshot instant.
func (c *Catalog) AsOf() time.Time { return c.asOf }

// Policy returns the organization policy.
func (c *Catalog) Policy() Policy { return c.org.Policy }

// LookupCode finds a code case-insensitively. Codes that exist but are not
// usable at AsOf are reported as CodeInactive.
func (c *Catalog) LookupCode(code string) (Code, CodeState) {
	key := normalizeCode(code)
	if v, ok := c.codes[key]; ok {
		return v, CodeActive
	}
	if v, ok := c.inactive[key]; ok {
		return v, CodeInactive
	}
	return Code{}, CodeMissing
}

// Rules returns the active automatic rules.
func (c *Catalog) Rules() []rules.Rule { return slices.Clone(c.rules) }

// Loyalty returns the active loyalty program, or nil.
func (c *Catalog) Loyalty() *loyalty.Program {
	if c.loyalty == nil {
		return nil
	}
	p := *c.loyalty
	p.Tiers = slices.Clone(p.Tiers)
	return &p
}

// VolumeTiers returns the volume tiers.
func (c *Catalog) VolumeTiers() []volume.Tier { return slices.Clone(c.tiers) }

// Campaigns returns the seasonal campaigns active at AsOf.
func (c *Catalog) Campaigns() []seasonal.Campaign { return slices.Clone(c.campaigns) }

// Loader produces catalog snapshots from a Repository.
type Loader struct {
	repo Repository
}

// NewLoader returns a Loader reading from repo.
func NewLoader(repo Repository) *Loader {
	return &Loader{repo: repo}
}

// Load returns the snapshot of orgID's definitions at asOf. An organization
// without definitions yields an empty catalog.
func (l *Loader) Load(ctx context.Context, orgID string, asOf time.Time) (*Catalog, error) {
	defs, err := l.repo.Definitions(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrOrganizationNotFound) {
			return nil, ErrOrganizationNotFound
		}
		return nil, errors.Wrap(err, "load definitions")
	}
	return New(*defs, asOf), nil
}
