package squaresync

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/referrals_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProgressFunc is invoked after every page. It is the only observability hook
// a long-running driver gets; everything else lands in the returned
// statistics.
type ProgressFunc func(page int, fetched int, upserted int, cursor string)

type RunOptions struct {
	// Incremental derives the window lower bound from the store when
	// LowerBound is zero; with nothing stored it falls back to a full run
	// over [WindowMin, WindowMax].
	Incremental bool
	LowerBound  time.Time

	// WindowMin/WindowMax bound the scheduled-time window. WindowMax is
	// always required; WindowMin is required for full runs. The upstream
	// silently defaults to future-only bookings when unfiltered, so relying
	// on an absent window is treated as a caller error.
	WindowMin time.Time
	WindowMax time.Time

	LocationId string
	CustomerId string
	OnProgress ProgressFunc

	// OnItemError observes each contained per-record failure. The run keeps
	// going either way; this exists so a caller can persist the failure with
	// its raw payload for later replay.
	OnItemError func(booking Booking, err error)
}

type pageFetcher interface {
	FetchPage(ctx context.Context, cursor string, filter PageFilter) (Page, error)
}

type recordUpserter interface {
	Upsert(ctx context.Context, booking Booking) error
}

// Orchestrator drives one backfill run: fetch a page, drain it in page order,
// advance the cursor, repeat until the cursor is exhausted. Pages are fully
// drained before the next fetch; a fixed inter-page delay throttles
// proactively on top of the fetcher's reactive backoff.
type Orchestrator struct {
	fetcher        pageFetcher
	upserter       recordUpserter
	db             *gorm.DB
	logger         *logrus.Logger
	businessId     string
	interPageDelay time.Duration
	sleep          func(time.Duration)
}

func NewOrchestrator(fetcher pageFetcher, upserter recordUpserter, db *gorm.DB, logger *logrus.Logger, businessId string) *Orchestrator {
	return &Orchestrator{
		fetcher:        fetcher,
		upserter:       upserter,
		db:             db,
		logger:         logger,
		businessId:     businessId,
		interPageDelay: 500 * time.Millisecond,
		sleep:          time.Sleep,
	}
}

// Run executes a backfill and always returns statistics, even on abort.
// Per-item failures are contained and counted; the only errors that escape
// are fatal fetch conditions (auth, invalid filter, exhausted retries) and an
// invalid window. Re-invoking after any interruption is safe: every item's
// effect is independently idempotent.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (RunStatistics, error) {
	stats := RunStatistics{}

	windowMin, err := o.resolveWindow(ctx, &opts)
	if err != nil {
		return stats, err
	}

	filter := PageFilter{
		LocationId: opts.LocationId,
		CustomerId: opts.CustomerId,
		StartAtMin: windowMin,
		StartAtMax: opts.WindowMax,
	}

	cursor := ""
	for {
		page, err := o.fetcher.FetchPage(ctx, cursor, filter)
		if err != nil {
			// Fatal or exhausted: abort the whole run. The caller re-invokes
			// later; upserts already applied stay applied.
			return stats, err
		}

		pageStats := PageStats{
			Fetched: len(page.Items),
			Retries: page.Retries,
		}
		for _, softErr := range page.SoftErrors {
			o.logger.WithFields(logrus.Fields{
				"module": "squaresync",
				"code":   softErr.Code,
				"detail": softErr.Detail,
			}).Warn("soft error reported by upstream")
		}

		for _, booking := range page.Items {
			if err := o.upserter.Upsert(ctx, booking); err != nil {
				pageStats.Errors++
				o.logger.WithFields(logrus.Fields{
					"module":     "squaresync",
					"funcName":   "Run",
					"booking_id": booking.ID,
				}).Error(err.Error())
				if opts.OnItemError != nil {
					opts.OnItemError(booking, err)
				}
				continue
			}
			pageStats.Upserted++
			start := booking.StartAt
			if pageStats.Earliest == nil || start.Before(*pageStats.Earliest) {
				t := start
				pageStats.Earliest = &t
			}
			if pageStats.Latest == nil || start.After(*pageStats.Latest) {
				t := start
				pageStats.Latest = &t
			}
		}

		stats.MergePage(pageStats)
		if opts.OnProgress != nil {
			opts.OnProgress(stats.PagesProcessed, stats.Fetched, stats.Upserted, page.NextCursor)
		}

		if page.NextCursor == "" {
			return stats, nil
		}
		cursor = page.NextCursor
		o.sleep(o.interPageDelay)
	}
}

// resolveWindow validates the requested window and, for incremental runs,
// derives the lower bound from the newest upstream update already stored for
// this business. No stored watermark means a full run over the explicit
// window.
func (o *Orchestrator) resolveWindow(ctx context.Context, opts *RunOptions) (time.Time, error) {
	if opts.WindowMax.IsZero() {
		return time.Time{}, ErrWindowRequired
	}

	if !opts.Incremental {
		if opts.WindowMin.IsZero() {
			return time.Time{}, ErrWindowRequired
		}
		return opts.WindowMin, nil
	}

	lower := opts.LowerBound
	if lower.IsZero() {
		watermark, err := o.maxStoredUpdatedAt(ctx)
		if err != nil {
			return time.Time{}, err
		}
		lower = watermark
	}
	if lower.IsZero() {
		// Nothing stored yet: incremental degrades to full.
		if opts.WindowMin.IsZero() {
			return time.Time{}, ErrWindowRequired
		}
		return opts.WindowMin, nil
	}
	if !opts.WindowMin.IsZero() && opts.WindowMin.After(lower) {
		return opts.WindowMin, nil
	}
	return lower, nil
}

func (o *Orchestrator) maxStoredUpdatedAt(ctx context.Context) (time.Time, error) {
	if o.db == nil {
		return time.Time{}, errors.New("incremental auto-detection requires a store handle")
	}
	var row models.Appointment
	err := o.db.WithContext(ctx).
		Select("square_updated_at").
		Where("business_id = ? AND square_updated_at IS NOT NULL", o.businessId).
		Order("square_updated_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if row.SquareUpdatedAt == nil {
		return time.Time{}, nil
	}
	return *row.SquareUpdatedAt, nil
}
