package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/proposal-discounts/internal/domain/auth"
	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/domain/loyalty"
	"github.com/xenking/proposal-discounts/internal/domain/rules"
	"github.com/xenking/proposal-discounts/internal/domain/seasonal"
	"github.com/xenking/proposal-discounts/internal/domain/volume"
	"github.com/xenking/proposal-discounts/internal/storage/postgres"
)

type options struct {
	databaseURL  string
	orgID        string
	apiKey       string
	apiKeyPepper string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.orgID, "org", "demo", "organization id to seed")
	flag.StringVar(&opts.apiKey, "api-key", "", "API key to seed (or DISCOUNT_SEED_API_KEY env)")
	flag.StringVar(&opts.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or DISCOUNT_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.apiKey == "" {
		opts.apiKey = os.Getenv("DISCOUNT_SEED_API_KEY")
	}
	if opts.apiKey == "" {
		lg.Fatal("API key is required: set --api-key or DISCOUNT_SEED_API_KEY")
	}
	if opts.apiKeyPepper == "" {
		opts.apiKeyPepper = os.Getenv("DISCOUNT_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed", zap.String("org", opts.orgID))
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	tm := postgres.NewTxManager(pool)
	repo := postgres.NewCatalogRepository(tm)
	s := seeder{
		lg:     lg.With(zap.String("org", opts.orgID)),
		orgID:  opts.orgID,
		repo:   repo,
		mgr:    catalog.NewManager(repo),
		keys:   postgres.NewAPIKeyRepository(tm),
		now:    time.Now().UTC().Truncate(time.Hour),
		pepper: []byte(opts.apiKeyPepper),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"organization", s.organization},
		{"api key", func(ctx context.Context) error { return s.apiKey(ctx, opts.apiKey) }},
		{"codes", s.codes},
		{"rules", s.rules},
		{"loyalty program", s.loyalty},
		{"volume tiers", s.volumeTiers},
		{"seasonal campaign", s.campaign},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return errors.Wrapf(err, "seed %s", step.name)
		}
	}
	return nil
}

type seeder struct {
	lg     *zap.Logger
	orgID  string
	repo   *postgres.CatalogRepository
	mgr    *catalog.Manager
	keys   *postgres.APIKeyRepository
	now    time.Time
	pepper []byte
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func (s seeder) organization(ctx context.Context) error {
	org := catalog.Organization{
		ID:   s.orgID,
		Name: "Demo Cleaning Co",
		Policy: catalog.Policy{
			AllowStacking:      true,
			MaxCombinedPercent: d("35"),
			EscalationAfter:    24 * time.Hour,
			AutoRejectAfter:    72 * time.Hour,
			RoleLimits: map[string]catalog.RoleLimit{
				"sales":    {MaxPercent: d("10"), MaxAmount: ptr(d("250"))},
				"manager":  {MaxPercent: d("20"), MaxAmount: ptr(d("1000"))},
				"director": {MaxPercent: d("35")},
			},
		},
	}
	if err := s.repo.UpsertOrganization(ctx, org); err != nil {
		return err
	}
	s.lg.Info("Upserted organization", zap.String("name", org.Name), zap.Int("role_limits", len(org.Policy.RoleLimits)))
	return nil
}

func (s seeder) apiKey(ctx context.Context, key string) error {
	info := auth.APIKeyInfo{
		ID:      s.orgID + "-default",
		OrgID:   s.orgID,
		KeyHash: auth.HashKey(key, s.pepper),
		Name:    "Default key",
		Scopes:  []string{auth.ScopeEvaluate, auth.ScopeReview, auth.ScopeAdmin, auth.ScopeLoyaltyWrite},
	}
	if err := s.keys.CreateAPIKey(ctx, info); err != nil {
		return err
	}
	s.lg.Info("Upserted API key", zap.String("id", info.ID), zap.Strings("scopes", info.Scopes))
	return nil
}

func (s seeder) codes(ctx context.Context) error {
	codes := []catalog.Code{
		{
			Code:               "WELCOME15",
			Description:        "15% off the first booking",
			DiscountType:       discount.TypePercent,
			Value:              d("15"),
			MaxDiscountAmount:  ptr(d("100")),
			MaxUsesPerCustomer: ptr(1),
		},
		{
			Code:           "SAVE50",
			Description:    "$50 off orders over $300",
			DiscountType:   discount.TypeFixed,
			Value:          d("50"),
			MinOrderAmount: d("300"),
			MaxUsesTotal:   ptr(500),
		},
		{
			Code:         "GOLDONLY",
			Description:  "10% off for gold members",
			DiscountType: discount.TypePercent,
			Value:        d("10"),
			Tiers:        []string{"Gold", "Platinum"},
		},
	}
	for _, c := range codes {
		c.OrgID = s.orgID
		c.StartsAt = s.now
		c.Active = true
		if _, err := s.mgr.CreateCode(ctx, c); err != nil {
			if errors.Is(err, catalog.ErrCodeExists) {
				s.lg.Info("Code already present", zap.String("code", c.Code))
				continue
			}
			return errors.Wrapf(err, "code %s", c.Code)
		}
		s.lg.Info("Created code", zap.String("code", c.Code), zap.String("description", c.Description))
	}
	return nil
}

func (s seeder) rules(ctx context.Context) error {
	defs := []rules.Rule{
		{
			ID:           "first-order",
			Name:         "First order 10% off",
			Condition:    rules.FirstOrder{},
			DiscountType: discount.TypePercent,
			Value:        d("10"),
			Priority:     10,
		},
		{
			ID:                "big-order",
			Name:              "Orders over $1000",
			Condition:         rules.OrderMinimum{MinAmount: d("1000")},
			DiscountType:      discount.TypePercent,
			Value:             d("5"),
			MaxDiscountAmount: ptr(d("150")),
			Priority:          5,
			Stackable:         true,
		},
		{
			ID:           "deep-clean-combo",
			Name:         "Carpet and window combo",
			Condition:    rules.ServiceCombo{ServiceIDs: []string{"carpet", "windows"}},
			DiscountType: discount.TypeFixed,
			Value:        d("40"),
			Priority:     3,
			Stackable:    true,
		},
		{
			ID:           "loyal-customer",
			Name:         "Repeat customer",
			Condition:    rules.RepeatCustomer{MinPreviousOrders: 5},
			DiscountType: discount.TypePercent,
			Value:        d("3"),
			Priority:     1,
			Stackable:    true,
		},
		{
			ID:           "weekday",
			Name:         "Midweek booking",
			Condition:    rules.DayOfWeek{Days: []time.Weekday{time.Tuesday, time.Wednesday}},
			DiscountType: discount.TypePercent,
			Value:        d("2"),
			Stackable:    true,
		},
	}
	for _, r := range defs {
		r.ID = s.orgID + "-" + r.ID
		r.StartsAt = s.now
		r.Active = true
		if err := s.repo.UpsertRule(ctx, s.orgID, r); err != nil {
			return err
		}
		s.lg.Info("Upserted rule", zap.String("id", r.ID), zap.String("type", string(r.Condition.Type())))
	}
	return nil
}

func (s seeder) loyalty(ctx context.Context) error {
	p := loyalty.Program{
		ID:        s.orgID + "-rewards",
		Name:      "Sparkle Rewards",
		Stackable: true,
		Active:    true,
		Tiers: []loyalty.Tier{
			{Name: "Bronze", MinPoints: 0, DiscountPercent: decimal.Zero},
			{Name: "Silver", MinPoints: 1000, DiscountPercent: d("2")},
			{Name: "Gold", MinPoints: 5000, DiscountPercent: d("5"), Perks: []string{"priority booking"}},
			{Name: "Platinum", MinPoints: 15000, DiscountPercent: d("8"), Perks: []string{"priority booking", "free touch-ups"}},
		},
	}
	if err := s.repo.UpsertLoyaltyProgram(ctx, s.orgID, p); err != nil {
		return err
	}
	s.lg.Info("Upserted loyalty program", zap.String("name", p.Name), zap.Int("tiers", len(p.Tiers)))
	return nil
}

func (s seeder) volumeTiers(ctx context.Context) error {
	tiers := []volume.Tier{
		{Name: "Large home", Measurement: volume.MeasureSqft, Min: d("2500"), Max: ptr(d("5000")), DiscountPercent: ptr(d("3")), Stackable: true},
		{Name: "Estate", Measurement: volume.MeasureSqft, Min: d("5000"), DiscountPercent: ptr(d("6")), Stackable: true},
		{Name: "Bulk services", Measurement: volume.MeasureQuantity, Min: d("5"), DiscountFixed: ptr(d("25")), Stackable: true},
	}
	for i := range tiers {
		tiers[i].ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.orgID+"/"+tiers[i].Name)).String()
	}
	stored, err := s.mgr.ReplaceVolumeTiers(ctx, s.orgID, tiers)
	if err != nil {
		return err
	}
	s.lg.Info("Replaced volume tiers", zap.Int("count", len(stored)))
	return nil
}

func (s seeder) campaign(ctx context.Context) error {
	year := s.now.Year()
	c := seasonal.Campaign{
		ID:                s.orgID + "-spring-cleaning",
		Name:              "Spring cleaning",
		StartsAt:          time.Date(year, time.March, 1, 0, 0, 0, 0, time.UTC),
		EndsAt:            time.Date(year, time.May, 1, 0, 0, 0, 0, time.UTC),
		Recurring:         true,
		DiscountType:      discount.TypePercent,
		Value:             d("7"),
		MaxDiscountAmount: ptr(d("120")),
		Priority:          4,
		Stackable:         true,
		Active:            true,
	}
	if err := s.repo.UpsertCampaign(ctx, s.orgID, c); err != nil {
		return err
	}
	s.lg.Info("Upserted seasonal campaign", zap.String("id", c.ID), zap.Bool("recurring", c.Recurring))
	return nil
}
