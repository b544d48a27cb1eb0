// Command coupon-import bulk-issues coupons from gzip-compressed CSV files.
//
// Each line is code,discount_type,discount_value,min_order_value,usage_limit,
// max_discount_amount,expiry_date. An optional header row starting with
// "code" is skipped. Codes that already exist are left untouched.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shopcart/internal/domain/promotion"
	"github.com/xenking/shopcart/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	minBloomSize  = 10_000
	progressEvery = 10_000
	numFields     = 7
)

func main() {
	var (
		dataDir     string
		pattern     string
		databaseURL string
		createdBy   string
		workers     int
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing coupon files")
	flag.StringVar(&pattern, "pattern", "*.csv.gz", "glob for coupon files inside data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&createdBy, "created-by", "coupon-import", "recorded as the coupon creator")
	flag.IntVar(&workers, "workers", 4, "files imported concurrently")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, filepath.Join(dataDir, pattern), databaseURL, createdBy, workers); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, glob, databaseURL, createdBy string, workers int) error {
	files, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrap(err, "glob coupon files")
	}
	if len(files) == 0 {
		slog.Info("no coupon files found", slog.String("glob", glob))
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	coupons := postgres.NewCouponRepository(pool)
	registry := promotion.NewRegistry(promotion.RegistryDeps{
		Coupons:     coupons,
		Referrals:   postgres.NewReferralRepository(pool),
		FlashOffers: postgres.NewFlashOfferRepository(pool),
	})

	im, err := newImporter(ctx, registry, createdBy)
	if err != nil {
		return err
	}
	if err := im.importFiles(ctx, files, workers); err != nil {
		return err
	}
	slog.Info("import summary",
		slog.Int64("created", im.created.Load()),
		slog.Int64("existing", im.existing.Load()),
		slog.Int64("invalid", im.invalid.Load()),
	)
	return nil
}

// importer creates coupons through the registry so imported codes get the
// same validation as codes created over the API.
type importer struct {
	registry  *promotion.Registry
	createdBy string

	// known holds the codes present before the import started. It is only
	// read once the import runs, so workers share it without locking.
	known *bloom.BloomFilter

	created  atomic.Int64
	existing atomic.Int64
	invalid  atomic.Int64
}

func newImporter(ctx context.Context, registry *promotion.Registry, createdBy string) (*importer, error) {
	current, err := registry.ListCoupons(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list existing coupons")
	}
	known := bloom.NewWithEstimates(uint(max(2*len(current), minBloomSize)), bloomFPR)
	for _, c := range current {
		known.AddString(c.Code)
	}
	slog.Info("loaded existing coupons", slog.Int("count", len(current)))
	return &importer{registry: registry, createdBy: createdBy, known: known}, nil
}

func (im *importer) importFiles(ctx context.Context, files []string, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, path := range files {
		g.Go(func() error {
			return im.importFile(ctx, path)
		})
	}
	return g.Wait()
}

func (im *importer) importFile(ctx context.Context, path string) error {
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

	if err := im.importCSV(ctx, gz, filepath.Base(path)); err != nil {
		return errors.Wrapf(err, "import %s", path)
	}
	return nil
}

func (im *importer) importCSV(ctx context.Context, r io.Reader, name string) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = numFields
	cr.TrimLeadingSpace = true

	var rows int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read csv")
		}
		rows++
		if rows == 1 && strings.EqualFold(record[0], "code") {
			continue
		}

		in, err := parseRecord(record)
		if err != nil {
			im.invalid.Add(1)
			line, _ := cr.FieldPos(0)
			slog.Warn("skipping invalid row",
				slog.String("file", name),
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}
		in.CreatedBy = im.createdBy
		if err := im.create(ctx, in); err != nil {
			return err
		}
		if rows%progressEvery == 0 {
			slog.Info("import progress", slog.String("file", name), slog.Int("rows", rows))
		}
	}
	slog.Info("file complete", slog.String("file", name), slog.Int("rows", rows))
	return nil
}

func (im *importer) create(ctx context.Context, in promotion.NewCoupon) error {
	code := promotion.NormalizeCode(in.Code)
	if im.known.TestString(code) {
		// Possibly a false positive; confirm before skipping.
		_, err := im.registry.FindCoupon(ctx, code)
		switch {
		case err == nil:
			im.existing.Add(1)
			return nil
		case !errors.Is(err, promotion.ErrNotFound):
			return errors.Wrapf(err, "find coupon %s", code)
		}
	}

	_, err := im.registry.CreateCoupon(ctx, in)
	switch {
	case err == nil:
		im.created.Add(1)
	case errors.Is(err, promotion.ErrAlreadyExists):
		// Repeated in this import.
		im.existing.Add(1)
	case errors.Is(err, promotion.ErrInvalidDefinition):
		im.invalid.Add(1)
		slog.Warn("skipping invalid coupon", slog.String("code", code), slog.String("error", err.Error()))
	default:
		return errors.Wrapf(err, "create coupon %s", code)
	}
	return nil
}

func parseRecord(record []string) (promotion.NewCoupon, error) {
	var (
		in  promotion.NewCoupon
		err error
	)
	in.Code = record[0]
	in.DiscountType = promotion.DiscountType(strings.ToLower(record[1]))
	if in.DiscountValue, err = parseAmount(record[2]); err != nil {
		return in, errors.Wrap(err, "discount value")
	}
	if in.MinOrderValue, err = parseAmount(record[3]); err != nil {
		return in, errors.Wrap(err, "min order value")
	}
	if record[4] != "" {
		if in.UsageLimit, err = strconv.Atoi(record[4]); err != nil {
			return in, errors.Wrap(err, "usage limit")
		}
	}
	if in.MaxDiscountAmount, err = parseAmount(record[5]); err != nil {
		return in, errors.Wrap(err, "max discount amount")
	}
	if in.ExpiryDate, err = parseDate(record[6]); err != nil {
		return in, errors.Wrap(err, "expiry date")
	}
	return in, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// parseDate accepts RFC 3339 timestamps and plain dates. A plain date
// expires at the end of that day, UTC.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	return d.Add(24*time.Hour - time.Second), nil
}
