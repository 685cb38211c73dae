package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"powerscraper/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func day(y int, m time.Month, d int, kwh float64) models.DailyConsumption {
	return models.DailyConsumption{
		Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		KWh:  kwh,
	}
}

var march = models.YearMonth{Year: 2026, Month: time.March}

func TestSaveMonthInsertUpdateUnchanged(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	result, err := db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 1, 12.5),
		day(2026, time.March, 2, 14.0),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, UpsertResult{Inserted: 2}, result)

	// Same values again change nothing
	result, err = db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 1, 12.5),
		day(2026, time.March, 2, 14.0),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, UpsertResult{Unchanged: 2}, result)

	// A revised value updates in place, no duplicate row
	result, err = db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 1, 13.0),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, UpsertResult{Updated: 1}, result)

	count, err := db.CountDaily(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	record, err := db.GetDaily(ctx, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, record)
	require.InDelta(t, 13.0, record.KWh, 0.001)
}

func TestSaveMonthZeroValueGuard(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Unmetered trailing days arrive as zeros and must not create rows
	result, err := db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 1, 12.5),
		day(2026, time.March, 2, 0),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, UpsertResult{Inserted: 1, Unchanged: 1}, result)

	// A republished zero never clobbers a stored real value
	result, err = db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 1, 0),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, UpsertResult{Unchanged: 1}, result)

	record, err := db.GetDaily(ctx, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.InDelta(t, 12.5, record.KWh, 0.001)
}

func TestSummaryTracksDailyRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 1, 10),
		day(2026, time.March, 2, 20),
		day(2026, time.March, 3, 30),
	}, nil)
	require.NoError(t, err)

	summary, err := db.GetMonthlySummary(ctx, 2026, 3)
	require.NoError(t, err)
	require.NotNil(t, summary)
	require.InDelta(t, 60, summary.TotalKWh, 0.001)
	require.InDelta(t, 20, summary.AverageDaily, 0.001)
	require.Equal(t, 3, summary.DayCount)

	// After an update the summary is recomputed from the stored rows
	_, err = db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 2, 25),
		day(2026, time.March, 4, 15),
	}, nil)
	require.NoError(t, err)

	summary, err = db.GetMonthlySummary(ctx, 2026, 3)
	require.NoError(t, err)
	require.InDelta(t, 80, summary.TotalKWh, 0.001)
	require.Equal(t, 4, summary.DayCount)

	rows, err := db.QueryMonthDays(ctx, 2026, 3)
	require.NoError(t, err)
	var total float64
	for _, r := range rows {
		total += r.KWh
	}
	require.InDelta(t, summary.TotalKWh, total, 0.001)
}

func TestQueryRange(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 3, 30),
		day(2026, time.March, 1, 10),
		day(2026, time.March, 2, 20),
	}, nil)
	require.NoError(t, err)

	rows, err := db.QueryRange(ctx,
		time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 2, rows[0].Date.Day())
	require.Equal(t, 3, rows[1].Date.Day())

	// Zero bounds are open
	all, err := db.QueryRange(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.True(t, all[0].Date.Before(all[1].Date))
}

func TestTopDays(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 1, 10),
		day(2026, time.March, 2, 50),
		day(2026, time.March, 3, 30),
	}, nil)
	require.NoError(t, err)

	highest, err := db.TopDays(ctx, 2, true)
	require.NoError(t, err)
	require.Len(t, highest, 2)
	require.InDelta(t, 50, highest[0].KWh, 0.001)
	require.InDelta(t, 30, highest[1].KWh, 0.001)

	lowest, err := db.TopDays(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, lowest, 1)
	require.InDelta(t, 10, lowest[0].KWh, 0.001)
}

func TestMeterReadingUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	reading := &models.MeterReading{
		Date:  time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC),
		Value: 48123.5,
		Unit:  "kWh",
	}
	_, err := db.SaveMonth(ctx, march, "", nil, reading)
	require.NoError(t, err)

	got, err := db.LatestReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.InDelta(t, 48123.5, got.Value, 0.001)
	require.Equal(t, reading.Date, got.Date)

	// A newer value for the same date replaces, not duplicates
	reading.Value = 48150.0
	_, err = db.SaveMonth(ctx, march, "", nil, reading)
	require.NoError(t, err)

	got, err = db.LatestReading(ctx)
	require.NoError(t, err)
	require.InDelta(t, 48150.0, got.Value, 0.001)
}

func TestGetDailyMissing(t *testing.T) {
	db := newTestDB(t)

	record, err := db.GetDaily(context.Background(), time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestRecordRunRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	last, err := db.LastRun(ctx)
	require.NoError(t, err)
	require.Nil(t, last)

	run := &models.CollectionRun{
		StartedAt:       time.Now().Add(-time.Minute),
		FinishedAt:      time.Now(),
		MonthsRequested: 12,
		MonthsAttempted: 5,
		MonthsCollected: 3,
		MonthsEmpty:     2,
		Inserted:        90,
		SkippedRows:     1,
		Outcome:         models.RunStoppedEmpty,
	}
	require.NoError(t, db.RecordRun(ctx, run))
	require.NotZero(t, run.ID)

	last, err = db.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, run.ID, last.ID)
	require.Equal(t, 12, last.MonthsRequested)
	require.Equal(t, 90, last.Inserted)
	require.Equal(t, models.RunStoppedEmpty, last.Outcome)
}

func TestLatestDate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	latest, err := db.LatestDate(ctx)
	require.NoError(t, err)
	require.True(t, latest.IsZero())

	_, err = db.SaveMonth(ctx, march, "", []models.DailyConsumption{
		day(2026, time.March, 1, 10),
		day(2026, time.March, 5, 20),
	}, nil)
	require.NoError(t, err)

	latest, err = db.LatestDate(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC), latest)
}

func TestListSummariesNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, ym := range []models.YearMonth{
		{Year: 2025, Month: time.December},
		{Year: 2026, Month: time.February},
		{Year: 2026, Month: time.January},
	} {
		_, err := db.SaveMonth(ctx, ym, "", []models.DailyConsumption{
			{Date: time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC), KWh: 10},
		}, nil)
		require.NoError(t, err)
	}

	summaries, err := db.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	require.Equal(t, 2026, summaries[0].Year)
	require.Equal(t, 2, summaries[0].Month)
	require.Equal(t, 2025, summaries[2].Year)
}
