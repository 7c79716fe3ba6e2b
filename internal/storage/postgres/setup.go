package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
	"github.com/xenking/proposal-discounts/internal/domain/rules"
	"github.com/xenking/proposal-discounts/internal/domain/seasonal"
)

// The upserts below are used by the offline seed and import commands. They
// are idempotent so the commands can be re-run against a populated database.

// UpsertOrganization writes the organization and replaces its role limits.
func (r *CatalogRepository) UpsertOrganization(ctx context.Context, org catalog.Organization) error {
	return r.tm.RunInTx(ctx, func(ctx context.Context) error {
		q := r.tm.Querier(ctx)
		p := org.Policy
		if _, err := q.Exec(ctx, `
			INSERT INTO organizations (id, name, allow_stacking, max_combined_percent, escalation_hours, auto_reject_hours)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				allow_stacking = EXCLUDED.allow_stacking,
				max_combined_percent = EXCLUDED.max_combined_percent,
				escalation_hours = EXCLUDED.escalation_hours,
				auto_reject_hours = EXCLUDED.auto_reject_hours`,
			org.ID, org.Name, p.AllowStacking, p.MaxCombinedPercent,
			int(p.EscalationAfter.Hours()), int(p.AutoRejectAfter.Hours()),
		); err != nil {
			return fmt.Errorf("upserting organization: %w", err)
		}

		if _, err := q.Exec(ctx, "DELETE FROM role_limits WHERE org_id = $1", org.ID); err != nil {
			return fmt.Errorf("deleting role limits: %w", err)
		}
		if len(p.RoleLimits) == 0 {
			return nil
		}
		ins := builder.Insert("role_limits").Columns("org_id", "role", "max_percent", "max_amount")
		for role, l := range p.RoleLimits {
			ins = ins.Values(org.ID, role, l.MaxPercent, l.MaxAmount)
		}
		sql, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert role limits: %w", err)
		}
		if _, err := q.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting role limits: %w", err)
		}
		return nil
	})
}

// UpsertRule writes a rule, storing its condition as JSON.
func (r *CatalogRepository) UpsertRule(ctx context.Context, orgID string, rule rules.Rule) error {
	cond, err := rules.EncodeCondition(rule.Condition)
	if err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	sql, args, err := builder.
		Insert("discount_rules").
		Columns(
			"id", "org_id", "name", "rule_type", "conditions", "discount_type", "discount_value",
			"max_discount_amount", "priority", "stackable", "starts_at", "expires_at", "is_active",
		).
		Values(
			rule.ID, orgID, rule.Name, string(rule.Condition.Type()), cond, string(rule.DiscountType), rule.Value,
			rule.MaxDiscountAmount, rule.Priority, rule.Stackable, rule.StartsAt, rule.ExpiresAt, rule.Active,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, rule_type = EXCLUDED.rule_type, conditions = EXCLUDED.conditions,
			discount_type = EXCLUDED.discount_type, discount_value = EXCLUDED.discount_value,
			max_discount_amount = EXCLUDED.max_discount_amount, priority = EXCLUDED.priority,
			stackable = EXCLUDED.stackable, starts_at = EXCLUDED.starts_at,
			expires_at = EXCLUDED.expires_at, is_active = EXCLUDED.is_active`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert rule: %w", err)
	}
	if _, err := r.tm.Querier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upserting rule: %w", err)
	}
	return nil
}

// UpsertLoyaltyProgram writes the organization's program and replaces its tiers.
func (r *CatalogRepository) UpsertLoyaltyProgram(ctx context.Context, orgID string, p loyalty.Program) error {
	return r.tm.RunInTx(ctx, func(ctx context.Context) error {
		q := r.tm.Querier(ctx)
		var id string
		if err := q.QueryRow(ctx, `
			INSERT INTO loyalty_programs (id, org_id, name, stackable, is_active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (org_id) DO UPDATE SET
				name = EXCLUDED.name, stackable = EXCLUDED.stackable, is_active = EXCLUDED.is_active
			RETURNING id`,
			p.ID, orgID, p.Name, p.Stackable, p.Active,
		).Scan(&id); err != nil {
			return fmt.Errorf("upserting loyalty program: %w", err)
		}

		if _, err := q.Exec(ctx, "DELETE FROM loyalty_tiers WHERE program_id = $1", id); err != nil {
			return fmt.Errorf("deleting loyalty tiers: %w", err)
		}
		if len(p.Tiers) == 0 {
			return nil
		}
		ins := builder.Insert("loyalty_tiers").Columns("program_id", "name", "min_points", "discount_percent", "perks")
		for _, t := range p.Tiers {
			ins = ins.Values(id, t.Name, t.MinPoints, t.DiscountPercent, nonNil(t.Perks))
		}
		sql, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert loyalty tiers: %w", err)
		}
		if _, err := q.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting loyalty tiers: %w", err)
		}
		return nil
	})
}

// UpsertCampaign writes a seasonal campaign.
func (r *CatalogRepository) UpsertCampaign(ctx context.Context, orgID string, c seasonal.Campaign) error {
	sql, args, err := builder.
		Insert("seasonal_campaigns").
		Columns(
			"id", "org_id", "name", "starts_at", "ends_at", "recurring", "discount_type", "discount_value",
			"max_discount_amount", "promo_code_id", "priority", "stackable", "is_active",
		).
		Values(
			c.ID, orgID, c.Name, c.StartsAt, c.EndsAt, c.Recurring, string(c.DiscountType), c.Value,
			c.MaxDiscountAmount, c.PromoCodeID, c.Priority, c.Stackable, c.Active,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at,
			recurring = EXCLUDED.recurring, discount_type = EXCLUDED.discount_type,
			discount_value = EXCLUDED.discount_value, max_discount_amount = EXCLUDED.max_discount_amount,
			promo_code_id = EXCLUDED.promo_code_id, priority = EXCLUDED.priority,
			stackable = EXCLUDED.stackable, is_active = EXCLUDED.is_active`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert campaign: %w", err)
	}
	if _, err := r.tm.Querier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upserting campaign: %w", err)
	}
	return nil
}

// ImportCodes inserts codes in one statement, skipping any whose text already
// exists in the organization. It returns the number of rows inserted.
func (r *CatalogRepository) ImportCodes(ctx context.Context, codes []catalog.Code) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	ins := builder.Insert("discount_codes").Columns(codeColumns...)
	for _, c := range codes {
		ins = ins.Values(
			c.ID, c.OrgID, c.Code, c.Description, string(c.DiscountType), c.Value,
			c.MaxDiscountAmount, c.MinOrderAmount, c.MaxUsesTotal, c.MaxUsesPerCustomer,
			nonNil(c.Customers), nonNil(c.Services), nonNil(c.Tiers), c.StartsAt, c.ExpiresAt,
			c.Active, c.TimesUsed, c.TotalDiscountGiven, c.CreatedAt,
		)
	}
	sql, args, err := ins.Suffix("ON CONFLICT (org_id, (UPPER(code))) DO NOTHING").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build import codes: %w", err)
	}
	tag, err := r.tm.Querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("importing codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CodeCount returns how many codes the organization has.
func (r *CatalogRepository) CodeCount(ctx context.Context, orgID string) (int64, error) {
	sql, args, err := builder.Select("COUNT(*)").From("discount_codes").Where(squirrel.Eq{"org_id": orgID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count codes: %w", err)
	}
	var n int64
	if err := r.tm.Querier(ctx).QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting codes: %w", err)
	}
	return n, nil
}
