package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
	"github.com/xenking/proposal-discounts/internal/domain/rules"
	"github.com/xenking/proposal-discounts/internal/domain/seasonal"
	"github.com/xenking/proposal-discounts/internal/domain/volume"
)

var (
	_ catalog.Repository = (*CatalogRepository)(nil)
	_ catalog.Writer     = (*CatalogRepository)(nil)
)

const codeUniqueIndex = "discount_codes_org_code_idx"

// CatalogRepository reads and writes discount definitions.
type CatalogRepository struct {
	tm *TxManager
}

// NewCatalogRepository returns a CatalogRepository.
func NewCatalogRepository(tm *TxManager) *CatalogRepository {
	return &CatalogRepository{tm: tm}
}

type organizationRow struct {
	ID                 string          `db:"id"`
	Name               string          `db:"name"`
	AllowStacking      bool            `db:"allow_stacking"`
	MaxCombinedPercent decimal.Decimal `db:"max_combined_percent"`
	EscalationHours    int             `db:"escalation_hours"`
	AutoRejectHours    int             `db:"auto_reject_hours"`
}

type roleLimitRow struct {
	Role       string           `db:"role"`
	MaxPercent decimal.Decimal  `db:"max_percent"`
	MaxAmount  *decimal.Decimal `db:"max_amount"`
}

var codeColumns = []string{
	"id", "org_id", "code", "description", "discount_type", "discount_value",
	"max_discount_amount", "min_order_amount", "max_uses_total", "max_uses_per_customer",
	"customer_ids", "service_ids", "customer_tiers", "starts_at", "expires_at",
	"is_active", "times_used", "total_discount_given", "created_at",
}

type codeRow struct {
	ID                 string           `db:"id"`
	OrgID              string           `db:"org_id"`
	Code               string           `db:"code"`
	Description        string           `db:"description"`
	DiscountType       string           `db:"discount_type"`
	DiscountValue      decimal.Decimal  `db:"discount_value"`
	MaxDiscountAmount  *decimal.Decimal `db:"max_discount_amount"`
	MinOrderAmount     decimal.Decimal  `db:"min_order_amount"`
	MaxUsesTotal       *int             `db:"max_uses_total"`
	MaxUsesPerCustomer *int             `db:"max_uses_per_customer"`
	CustomerIDs        []string         `db:"customer_ids"`
	ServiceIDs         []string         `db:"service_ids"`
	CustomerTiers      []string         `db:"customer_tiers"`
	StartsAt           time.Time        `db:"starts_at"`
	ExpiresAt          *time.Time       `db:"expires_at"`
	IsActive           bool             `db:"is_active"`
	TimesUsed          int              `db:"times_used"`
	TotalDiscountGiven decimal.Decimal  `db:"total_discount_given"`
	CreatedAt          time.Time        `db:"created_at"`
}

func (r codeRow) domain() catalog.Code {
	return catalog.Code{
		ID:                 r.ID,
		OrgID:              r.OrgID,
		Code:               r.Code,
		Description:        r.Description,
		DiscountType:       discount.Type(r.DiscountType),
		Value:              r.DiscountValue,
		MaxDiscountAmount:  r.MaxDiscountAmount,
		MinOrderAmount:     r.MinOrderAmount,
		MaxUsesTotal:       r.MaxUsesTotal,
		MaxUsesPerCustomer: r.MaxUsesPerCustomer,
		Customers:          r.CustomerIDs,
		Services:           r.ServiceIDs,
		Tiers:              r.CustomerTiers,
		StartsAt:           r.StartsAt,
		ExpiresAt:          r.ExpiresAt,
		Active:             r.IsActive,
		TimesUsed:          r.TimesUsed,
		TotalDiscountGiven: r.TotalDiscountGiven,
		CreatedAt:          r.CreatedAt,
	}
}

type ruleRow struct {
	ID                string           `db:"id"`
	Name              string           `db:"name"`
	RuleType          string           `db:"rule_type"`
	Conditions        []byte           `db:"conditions"`
	DiscountType      string           `db:"discount_type"`
	DiscountValue     decimal.Decimal  `db:"discount_value"`
	MaxDiscountAmount *decimal.Decimal `db:"max_discount_amount"`
	Priority          int              `db:"priority"`
	Stackable         bool             `db:"stackable"`
	StartsAt          time.Time        `db:"starts_at"`
	ExpiresAt         *time.Time       `db:"expires_at"`
	IsActive          bool             `db:"is_active"`
}

type programRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Stackable bool   `db:"stackable"`
	IsActive  bool   `db:"is_active"`
}

type loyaltyTierRow struct {
	Name            string          `db:"name"`
	MinPoints       int64           `db:"min_points"`
	DiscountPercent decimal.Decimal `db:"discount_percent"`
	Perks           []string        `db:"perks"`
}

type volumeTierRow struct {
	ID              string           `db:"id"`
	Name            string           `db:"name"`
	Measurement     string           `db:"measurement"`
	MinValue        decimal.Decimal  `db:"min_value"`
	MaxValue        *decimal.Decimal `db:"max_value"`
	DiscountPercent *decimal.Decimal `db:"discount_percent"`
	DiscountFixed   *decimal.Decimal `db:"discount_fixed"`
	Priority        int              `db:"priority"`
	Stackable       bool             `db:"stackable"`
}

type campaignRow struct {
	ID                string           `db:"id"`
	Name              string           `db:"name"`
	StartsAt          time.Time        `db:"starts_at"`
	EndsAt            time.Time        `db:"ends_at"`
	Recurring         bool             `db:"recurring"`
	DiscountType      string           `db:"discount_type"`
	DiscountValue     decimal.Decimal  `db:"discount_value"`
	MaxDiscountAmount *decimal.Decimal `db:"max_discount_amount"`
	PromoCodeID       string           `db:"promo_code_id"`
	Priority          int              `db:"priority"`
	Stackable         bool             `db:"stackable"`
	IsActive          bool             `db:"is_active"`
}

// Definitions loads every definition of the organization. Filtering by
// validity window happens in the catalog.
func (r *CatalogRepository) Definitions(ctx context.Context, orgID string) (*catalog.Definitions, error) {
	q := r.tm.Querier(ctx)

	org, err := r.organization(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defs := &catalog.Definitions{Organization: *org}

	var codes []codeRow
	if err := selectWhere(ctx, q, &codes, "discount_codes", codeColumns, orgID, "code"); err != nil {
		return nil, fmt.Errorf("loading discount codes: %w", err)
	}
	for _, c := range codes {
		defs.Codes = append(defs.Codes, c.domain())
	}

	if defs.Rules, err = r.rules(ctx, q, orgID); err != nil {
		return nil, err
	}
	if defs.Loyalty, err = r.loyaltyProgram(ctx, q, orgID); err != nil {
		return nil, err
	}
	if defs.VolumeTiers, err = r.volumeTiers(ctx, q, orgID); err != nil {
		return nil, err
	}
	if defs.Campaigns, err = r.campaigns(ctx, q, orgID); err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *CatalogRepository) organization(ctx context.Context, q Querier, orgID string) (*catalog.Organization, error) {
	sql, args, err := builder.
		Select("id", "name", "allow_stacking", "max_combined_percent", "escalation_hours", "auto_reject_hours").
		From("organizations").
		Where(squirrel.Eq{"id": orgID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build organization query: %w", err)
	}
	var row organizationRow
	if err := pgxscan.Get(ctx, q, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, catalog.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("loading organization: %w", err)
	}

	var limits []roleLimitRow
	if err := selectWhere(ctx, q, &limits, "role_limits", []string{"role", "max_percent", "max_amount"}, orgID, "role"); err != nil {
		return nil, fmt.Errorf("loading role limits: %w", err)
	}
	policy := catalog.Policy{
		AllowStacking:      row.AllowStacking,
		MaxCombinedPercent: row.MaxCombinedPercent,
		EscalationAfter:    time.Duration(row.EscalationHours) * time.Hour,
		AutoRejectAfter:    time.Duration(row.AutoRejectHours) * time.Hour,
		RoleLimits:         make(map[string]catalog.RoleLimit, len(limits)),
	}
	for _, l := range limits {
		policy.RoleLimits[strings.ToLower(l.Role)] = catalog.RoleLimit{MaxPercent: l.MaxPercent, MaxAmount: l.MaxAmount}
	}
	return &catalog.Organization{ID: row.ID, Name: row.Name, Policy: policy}, nil
}

func (r *CatalogRepository) rules(ctx context.Context, q Querier, orgID string) ([]rules.Rule, error) {
	var rows []ruleRow
	cols := []string{
		"id", "name", "rule_type", "conditions", "discount_type", "discount_value",
		"max_discount_amount", "priority", "stackable", "starts_at", "expires_at", "is_active",
	}
	if err := selectWhere(ctx, q, &rows, "discount_rules", cols, orgID, "id"); err != nil {
		return nil, fmt.Errorf("loading discount rules: %w", err)
	}

	out := make([]rules.Rule, 0, len(rows))
	for _, row := range rows {
		cond, err := rules.DecodeCondition(rules.Type(row.RuleType), row.Conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", row.ID, err)
		}
		out = append(out, rules.Rule{
			ID:                row.ID,
			Name:              row.Name,
			Condition:         cond,
			DiscountType:      discount.Type(row.DiscountType),
			Value:             row.DiscountValue,
			MaxDiscountAmount: row.MaxDiscountAmount,
			Priority:          row.Priority,
			Stackable:         row.Stackable,
			StartsAt:          row.StartsAt,
			ExpiresAt:         row.ExpiresAt,
			Active:            row.IsActive,
		})
	}
	return out, nil
}

func (r *CatalogRepository) loyaltyProgram(ctx context.Context, q Querier, orgID string) (*loyalty.Program, error) {
	var programs []programRow
	if err := selectWhere(ctx, q, &programs, "loyalty_programs", []string{"id", "name", "stackable", "is_active"}, orgID, "id"); err != nil {
		return nil, fmt.Errorf("loading loyalty program: %w", err)
	}
	if len(programs) == 0 {
		return nil, nil
	}
	p := programs[0]

	sql, args, err := builder.
		Select("name", "min_points", "discount_percent", "perks").
		From("loyalty_tiers").
		Where(squirrel.Eq{"program_id": p.ID}).
		OrderBy("min_points").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build loyalty tiers query: %w", err)
	}
	var tiers []loyaltyTierRow
	if err := pgxscan.Select(ctx, q, &tiers, sql, args...); err != nil {
		return nil, fmt.Errorf("loading loyalty tiers: %w", err)
	}

	program := &loyalty.Program{ID: p.ID, Name: p.Name, Stackable: p.Stackable, Active: p.IsActive}
	for _, t := range tiers {
		program.Tiers = append(program.Tiers, loyalty.Tier{
			Name:            t.Name,
			MinPoints:       t.MinPoints,
			DiscountPercent: t.DiscountPercent,
			Perks:           t.Perks,
		})
	}
	return program, nil
}

var volumeTierColumns = []string{
	"id", "name", "measurement", "min_value", "max_value",
	"discount_percent", "discount_fixed", "priority", "stackable",
}

func (r *CatalogRepository) volumeTiers(ctx context.Context, q Querier, orgID string) ([]volume.Tier, error) {
	var rows []volumeTierRow
	if err := selectWhere(ctx, q, &rows, "volume_tiers", volumeTierColumns, orgID, "measurement, min_value"); err != nil {
		return nil, fmt.Errorf("loading volume tiers: %w", err)
	}
	out := make([]volume.Tier, 0, len(rows))
	for _, row := range rows {
		out = append(out, volume.Tier{
			ID:              row.ID,
			Name:            row.Name,
			Measurement:     volume.Measurement(row.Measurement),
			Min:             row.MinValue,
			Max:             row.MaxValue,
			DiscountPercent: row.DiscountPercent,
			DiscountFixed:   row.DiscountFixed,
			Priority:        row.Priority,
			Stackable:       row.Stackable,
		})
	}
	return out, nil
}

func (r *CatalogRepository) campaigns(ctx context.Context, q Querier, orgID string) ([]seasonal.Campaign, error) {
	var rows []campaignRow
	cols := []string{
		"id", "name", "starts_at", "ends_at", "recurring", "discount_type", "discount_value",
		"max_discount_amount", "promo_code_id", "priority", "stackable", "is_active",
	}
	if err := selectWhere(ctx, q, &rows, "seasonal_campaigns", cols, orgID, "id"); err != nil {
		return nil, fmt.Errorf("loading seasonal campaigns: %w", err)
	}
	out := make([]seasonal.Campaign, 0, len(rows))
	for _, row := range rows {
		out = append(out, seasonal.Campaign{
			ID:                row.ID,
			Name:              row.Name,
			StartsAt:          row.StartsAt,
			EndsAt:            row.EndsAt,
			Recurring:         row.Recurring,
			DiscountType:      discount.Type(row.DiscountType),
			Value:             row.DiscountValue,
			MaxDiscountAmount: row.MaxDiscountAmount,
			PromoCodeID:       row.PromoCodeID,
			Priority:          row.Priority,
			Stackable:         row.Stackable,
			Active:            row.IsActive,
		})
	}
	return out, nil
}

// CreateCode inserts a code. A duplicate code text within the organization
// fails with catalog.ErrCodeExists.
func (r *CatalogRepository) CreateCode(ctx context.Context, c catalog.Code) error {
	sql, args, err := builder.
		Insert("discount_codes").
		Columns(codeColumns...).
		Values(
			c.ID, c.OrgID, c.Code, c.Description, string(c.DiscountType), c.Value,
			c.MaxDiscountAmount, c.MinOrderAmount, c.MaxUsesTotal, c.MaxUsesPerCustomer,
			nonNil(c.Customers), nonNil(c.Services), nonNil(c.Tiers), c.StartsAt, c.ExpiresAt,
			c.Active, c.TimesUsed, c.TotalDiscountGiven, c.CreatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert code: %w", err)
	}
	if _, err := r.tm.Querier(ctx).Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err, codeUniqueIndex) {
			return catalog.ErrCodeExists
		}
		return fmt.Errorf("inserting code: %w", err)
	}
	return nil
}

// ReplaceVolumeTiers swaps the organization's tier set in one transaction.
func (r *CatalogRepository) ReplaceVolumeTiers(ctx context.Context, orgID string, tiers []volume.Tier) error {
	return r.tm.RunInTx(ctx, func(ctx context.Context) error {
		q := r.tm.Querier(ctx)
		if _, err := q.Exec(ctx, "DELETE FROM volume_tiers WHERE org_id = $1", orgID); err != nil {
			return fmt.Errorf("deleting volume tiers: %w", err)
		}
		if len(tiers) == 0 {
			return nil
		}

		ins := builder.Insert("volume_tiers").Columns(append([]string{"org_id"}, volumeTierColumns...)...)
		for _, t := range tiers {
			ins = ins.Values(
				orgID, t.ID, t.Name, string(t.Measurement), t.Min, t.Max,
				t.DiscountPercent, t.DiscountFixed, t.Priority, t.Stackable,
			)
		}
		sql, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert volume tiers: %w", err)
		}
		if _, err := q.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting volume tiers: %w", err)
		}
		return nil
	})
}

// selectWhere scans every row of table belonging to orgID into dst.
func selectWhere(ctx context.Context, q Querier, dst any, table string, cols []string, orgID, orderBy string) error {
	sql, args, err := builder.
		Select(cols...).
		From(table).
		Where(squirrel.Eq{"org_id": orgID}).
		OrderBy(orderBy).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return pgxscan.Select(ctx, q, dst, sql, args...)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
