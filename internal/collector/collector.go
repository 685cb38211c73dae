package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"powerscraper/internal/database"
	"powerscraper/internal/portal"
	"powerscraper/pkg/models"
)

// ErrRunInProgress is returned when a collection run is triggered while
// another one is active. Runs are never interleaved.
var ErrRunInProgress = errors.New("collection run already in progress")

// Source opens an authenticated month-by-month walk over the portal
type Source interface {
	Open(ctx context.Context) (Session, error)
}

// Session yields month pages, starting at the current month and stepping
// backward. A failed Previous leaves the session position unchanged so the
// same month can be retried.
type Session interface {
	Current(ctx context.Context) (*portal.MonthData, error)
	Previous(ctx context.Context) (*portal.MonthData, error)
}

// Store is the slice of the persistence layer the driver writes through
type Store interface {
	SaveMonth(ctx context.Context, month models.YearMonth, location string, days []models.DailyConsumption, reading *models.MeterReading) (database.UpsertResult, error)
	RecordRun(ctx context.Context, run *models.CollectionRun) error
}

// PortalSource adapts the portal client to the driver's Source interface
type PortalSource struct {
	Client *portal.Client
}

func (s PortalSource) Open(ctx context.Context) (Session, error) {
	return s.Client.Open(ctx, time.Now())
}

// Config tunes one collection walk. Pauses are plain durations passed in
// explicitly so tests run with zero values.
type Config struct {
	Months         int           // months to walk back from the current month
	PauseInterval  int           // politeness pause every N months, 0 disables
	PauseDuration  time.Duration // length of the politeness pause
	StepDelay      time.Duration // delay between regular month steps
	RetryMax       int           // attempts per month on server errors
	RetryBackoff   time.Duration // delay between retry attempts
	EmptyStopAfter int           // consecutive empty months before stopping, 0 disables
	AbortOnFailure bool          // abort the run when a month exhausts its retries
}

func (c Config) withDefaults() Config {
	if c.Months <= 0 {
		c.Months = 12
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	return c
}

// Driver walks backward month by month, persisting each month's records.
// At most one run is active at a time.
type Driver struct {
	source  Source
	store   Store
	log     *zap.Logger
	cfg     Config
	running atomic.Bool
}

// New creates a collection driver
func New(source Source, store Store, log *zap.Logger, cfg Config) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		source: source,
		store:  store,
		log:    log,
		cfg:    cfg.withDefaults(),
	}
}

// Running reports whether a collection run is currently active
func (d *Driver) Running() bool {
	return d.running.Load()
}

// Run performs one collection walk and records it in the run history.
// A concurrent call fails fast with ErrRunInProgress.
func (d *Driver) Run(ctx context.Context) (*models.CollectionRun, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer d.running.Store(false)

	run := &models.CollectionRun{
		StartedAt:       time.Now(),
		MonthsRequested: d.cfg.Months,
		Outcome:         models.RunIncomplete,
	}

	// The run record is appended even when the walk aborts, with a fresh
	// context so a canceled run still leaves its audit entry
	defer func() {
		run.FinishedAt = time.Now()
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.RecordRun(rctx, run); err != nil {
			d.log.Error("recording collection run", zap.Error(err))
		}
	}()

	session, err := d.source.Open(ctx)
	if err != nil {
		return run, fmt.Errorf("opening portal session: %w", err)
	}

	seen := make(map[models.YearMonth]bool)
	emptyStreak := 0

	for i := 0; i < d.cfg.Months; i++ {
		if i > 0 {
			if err := d.pace(ctx, i); err != nil {
				return run, err
			}
		}

		var data *portal.MonthData
		if i == 0 {
			data, err = session.Current(ctx)
		} else {
			data, err = d.previousWithRetry(ctx, session)
		}
		run.MonthsAttempted++

		if err != nil {
			if fatal := classifyFatal(err); fatal != nil {
				return run, fatal
			}
			run.MonthsFailed++
			d.log.Warn("month failed, moving on", zap.Error(err))
			if d.cfg.AbortOnFailure {
				return run, fmt.Errorf("aborting after failed month: %w", err)
			}
			continue
		}

		if seen[data.Month] {
			d.log.Info("month already processed this run, skipping",
				zap.String("month", data.Month.String()))
			continue
		}
		seen[data.Month] = true
		run.SkippedRows += data.SkippedRows

		if len(data.Days) == 0 {
			run.MonthsEmpty++
			emptyStreak++
			d.log.Info("no data published for month",
				zap.String("month", data.Month.String()),
				zap.Int("empty_streak", emptyStreak))
			if d.cfg.EmptyStopAfter > 0 && emptyStreak >= d.cfg.EmptyStopAfter {
				run.Outcome = models.RunStoppedEmpty
				return run, nil
			}
			continue
		}
		emptyStreak = 0

		result, err := d.store.SaveMonth(ctx, data.Month, data.Location, dayRecords(data.Days), data.Reading)
		if err != nil {
			// Persistence failures abort the run, previously committed
			// months stay durable
			return run, fmt.Errorf("persisting %s: %w", data.Month, err)
		}

		run.Inserted += result.Inserted
		run.Updated += result.Updated
		run.MonthsCollected++
		d.log.Info("month persisted",
			zap.String("month", data.Month.String()),
			zap.Int("days", len(data.Days)),
			zap.Float64("total_kwh", data.Total()),
			zap.Int("inserted", result.Inserted),
			zap.Int("updated", result.Updated))
	}

	run.Outcome = models.RunCompleted
	return run, nil
}

// pace enforces the politeness policy before month step i
func (d *Driver) pace(ctx context.Context, i int) error {
	if d.cfg.PauseInterval > 0 && i%d.cfg.PauseInterval == 0 {
		d.log.Info("pausing to let the portal catch up",
			zap.Int("months_processed", i),
			zap.Duration("pause", d.cfg.PauseDuration))
		return d.sleep(ctx, d.cfg.PauseDuration)
	}
	return d.sleep(ctx, d.cfg.StepDelay)
}

// previousWithRetry navigates one month back, retrying server errors up to
// the configured attempt bound. Navigation and auth errors never retry.
func (d *Driver) previousWithRetry(ctx context.Context, session Session) (*portal.MonthData, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.RetryMax; attempt++ {
		data, err := session.Previous(ctx)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var srvErr *portal.ServerError
		if !errors.As(err, &srvErr) {
			return nil, err
		}
		if attempt < d.cfg.RetryMax {
			d.log.Warn("server error, backing off",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", d.cfg.RetryMax),
				zap.Error(err))
			if err := d.sleep(ctx, d.cfg.RetryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classifyFatal returns a non-nil error for failures that end the whole run:
// rejected credentials and context cancellation
func classifyFatal(err error) error {
	var authErr *portal.AuthError
	if errors.As(err, &authErr) {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func dayRecords(days []portal.DayValue) []models.DailyConsumption {
	records := make([]models.DailyConsumption, len(days))
	for i, d := range days {
		records[i] = models.DailyConsumption{Date: d.Date, KWh: d.KWh}
	}
	return records
}
