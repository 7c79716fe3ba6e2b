package main

import (
	"bufio"
	"context"
	"flag"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/discount"
	"github.com/xenking/proposal-discounts/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	batchSize     = 1000
)

type options struct {
	databaseURL string
	dataDir     string
	minFiles    int
	capacity    uint
	dryRun      bool
	template    catalog.Code
}

func main() {
	var (
		opts        options
		orgID       string
		kind        string
		value       string
		maxDiscount string
		minOrder    string
		maxUses     int
		perCustomer int
		validFor    time.Duration
		description string
	)
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing *.gz code lists, one code per line")
	flag.IntVar(&opts.minFiles, "min-files", 1, "keep only codes listed in at least this many files")
	flag.UintVar(&opts.capacity, "capacity", 10_000_000, "expected number of codes per file, sizes the bloom filters")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "report the codes that would be imported without writing them")
	flag.StringVar(&orgID, "org", "", "organization the codes belong to")
	flag.StringVar(&kind, "type", string(discount.TypePercent), "discount type: percent or fixed")
	flag.StringVar(&value, "value", "10", "discount value")
	flag.StringVar(&maxDiscount, "max-discount", "", "cap on the discount amount")
	flag.StringVar(&minOrder, "min-order", "0", "minimum order amount")
	flag.IntVar(&maxUses, "max-uses", 0, "total uses per code, 0 for unlimited")
	flag.IntVar(&perCustomer, "max-uses-per-customer", 1, "uses per customer per code, 0 for unlimited")
	flag.DurationVar(&validFor, "valid-for", 0, "code lifetime from now, 0 for no expiry")
	flag.StringVar(&description, "description", "Imported promo code", "description stored with every code")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	opts.template, err = codeTemplate(orgID, kind, value, maxDiscount, minOrder, maxUses, perCustomer, validFor, description)
	if err != nil {
		lg.Fatal("Invalid code template", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Code import failed", zap.Error(err))
	}
	lg.Info("Code import completed")
}

// codeTemplate builds the definition shared by every imported code and
// validates it with a placeholder code text.
func codeTemplate(
	orgID, kind, value, maxDiscount, minOrder string,
	maxUses, perCustomer int,
	validFor time.Duration,
	description string,
) (catalog.Code, error) {
	now := time.Now().UTC()
	c := catalog.Code{
		OrgID:        orgID,
		Description:  description,
		DiscountType: discount.Type(kind),
		StartsAt:     now,
		Active:       true,
	}
	var err error
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return c, errors.Wrap(err, "parse value")
	}
	if c.MinOrderAmount, err = decimal.NewFromString(minOrder); err != nil {
		return c, errors.Wrap(err, "parse min order")
	}
	if maxDiscount != "" {
		v, err := decimal.NewFromString(maxDiscount)
		if err != nil {
			return c, errors.Wrap(err, "parse max discount")
		}
		c.MaxDiscountAmount = &v
	}
	if maxUses > 0 {
		c.MaxUsesTotal = &maxUses
	}
	if perCustomer > 0 {
		c.MaxUsesPerCustomer = &perCustomer
	}
	if validFor > 0 {
		exp := now.Add(validFor)
		c.ExpiresAt = &exp
	}

	sample := c
	sample.Code = "PLACEHOLDER"
	if err := catalog.ValidateCode(sample); err != nil {
		return c, err
	}
	return c, nil
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	files, err := filepath.Glob(filepath.Join(opts.dataDir, "*.gz"))
	if err != nil {
		return errors.Wrap(err, "list code files")
	}
	if len(files) == 0 {
		return errors.Errorf("no .gz files in %s", opts.dataDir)
	}
	if len(files) > bits.UintSize {
		return errors.Errorf("at most %d files are supported, got %d", bits.UintSize, len(files))
	}
	if opts.minFiles < 1 || opts.minFiles > len(files) {
		return errors.Errorf("min-files must be between 1 and %d", len(files))
	}

	// Pass 1: one bloom filter per file.
	lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
	filters, err := buildBloomFilters(ctx, lg, files, opts.capacity)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: exact membership for codes the filters say are in enough files.
	lg.Info("Pass 2: finding codes", zap.Int("min_files", opts.minFiles))
	codes, err := findCodes(ctx, lg, files, filters, opts.minFiles)
	if err != nil {
		return errors.Wrap(err, "find codes")
	}
	lg.Info("Codes selected", zap.Int("count", len(codes)))

	if opts.dryRun || len(codes) == 0 {
		return nil
	}

	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewCatalogRepository(postgres.NewTxManager(pool))
	if err := writeCodes(ctx, lg, repo, opts.template, codes); err != nil {
		return errors.Wrap(err, "write codes")
	}
	return nil
}

// normalize returns the stored form of a line, or "" when the line is not a
// usable code.
func normalize(line string) string {
	code := strings.ToUpper(strings.TrimSpace(line))
	if len(code) < 3 || len(code) > 64 || !catalog.ValidCodeText(code) {
		return ""
	}
	return code
}

func buildBloomFilters(ctx context.Context, lg *zap.Logger, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			var count uint64
			if err := streamGzFile(ctx, f, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					lg.Info("Pass 1 progress", zap.String("file", f), zap.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", f)
			}
			lg.Info("Pass 1 complete", zap.String("file", f), zap.Uint64("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findCodes keeps the codes present in at least minFiles files. Each file
// marks its own bit on codes the other filters make plausible; the merged
// bitmask is exact, so bloom false positives are dropped here.
func findCodes(ctx context.Context, lg *zap.Logger, files []string, filters []*bloom.BloomFilter, minFiles int) ([]string, error) {
	results := make([]map[string]uint, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			candidates := make(map[string]uint)
			bit := uint(1) << uint(i)
			var count uint64
			if err := streamGzFile(ctx, f, func(code string) {
				count++
				if count%progressEvery == 0 {
					lg.Info("Pass 2 progress", zap.String("file", f), zap.Uint64("codes", count))
				}
				seen := 1
				for j, other := range filters {
					if j != i && seen < minFiles && other.TestString(code) {
						seen++
					}
				}
				if seen >= minFiles {
					candidates[code] |= bit
				}
			}); err != nil {
				return errors.Wrapf(err, "scan %s", f)
			}
			lg.Info("Pass 2 complete",
				zap.String("file", f),
				zap.Uint64("codes", count),
				zap.Int("candidates", len(candidates)),
			)
			results[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, r := range results {
		for code, mask := range r {
			merged[code] |= mask
		}
	}
	var out []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= minFiles {
			out = append(out, code)
		}
	}
	return out, nil
}

// streamGzFile calls fn for every usable code in a gzip-compressed file.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if code := normalize(scanner.Text()); code != "" {
			fn(code)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

func writeCodes(ctx context.Context, lg *zap.Logger, repo *postgres.CatalogRepository, tmpl catalog.Code, codes []string) error {
	lg.Info("Writing codes", zap.Int("count", len(codes)), zap.String("org", tmpl.OrgID))

	var inserted int64
	now := time.Now().UTC()
	for start := 0; start < len(codes); start += batchSize {
		end := min(start+batchSize, len(codes))
		batch := make([]catalog.Code, 0, end-start)
		for _, text := range codes[start:end] {
			c := tmpl
			c.ID = uuid.NewString()
			c.Code = text
			c.TotalDiscountGiven = decimal.Zero
			c.CreatedAt = now
			batch = append(batch, c)
		}
		n, err := repo.ImportCodes(ctx, batch)
		if err != nil {
			return errors.Wrapf(err, "batch at %d", start)
		}
		inserted += n
		lg.Info("Write progress", zap.Int("written", end), zap.Int("total", len(codes)), zap.Int64("inserted", inserted))
	}

	total, err := repo.CodeCount(ctx, tmpl.OrgID)
	if err != nil {
		return err
	}
	lg.Info("Codes imported",
		zap.Int64("inserted", inserted),
		zap.Int("skipped", len(codes)-int(inserted)),
		zap.Int64("org_total", total),
	)
	return nil
}
