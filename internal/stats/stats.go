package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"powerscraper/internal/database"
	"powerscraper/pkg/models"
)

// ErrNotEnoughData is returned when a computation needs more persisted days
// than the database holds
var ErrNotEnoughData = errors.New("not enough daily records")

// Trend directions
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendFlat    = "flat"
)

// Facade computes derived statistics over persisted daily records. It never
// triggers a scrape.
type Facade struct {
	db *database.DB
}

// New creates a read-only aggregation facade over the database
func New(db *database.DB) *Facade {
	return &Facade{db: db}
}

// Statistics summarizes the whole stored history
type Statistics struct {
	TotalDays  int                      `json:"total_days"`
	TotalKWh   float64                  `json:"total_consumption_kwh"`
	Mean       float64                  `json:"average_daily_kwh"`
	Min        float64                  `json:"min_daily_kwh"`
	Max        float64                  `json:"max_daily_kwh"`
	StdDev     float64                  `json:"stddev_daily_kwh"`
	FirstDate  time.Time                `json:"first_date"`
	LastDate   time.Time                `json:"last_date"`
	HighestDay *models.DailyConsumption `json:"highest_day,omitempty"`
	LowestDay  *models.DailyConsumption `json:"lowest_day,omitempty"`
}

// Statistics computes min, max, mean and standard deviation over every
// stored daily record
func (f *Facade) Statistics(ctx context.Context) (*Statistics, error) {
	rows, err := f.db.QueryRange(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("loading daily records: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotEnoughData
	}

	s := &Statistics{
		TotalDays: len(rows),
		FirstDate: rows[0].Date,
		LastDate:  rows[len(rows)-1].Date,
		Min:       math.Inf(1),
		Max:       math.Inf(-1),
	}

	var highest, lowest models.DailyConsumption
	for _, r := range rows {
		s.TotalKWh += r.KWh
		if r.KWh > s.Max {
			s.Max = r.KWh
			highest = r
		}
		if r.KWh < s.Min {
			s.Min = r.KWh
			lowest = r
		}
	}
	s.Mean = s.TotalKWh / float64(len(rows))

	var sumSq float64
	for _, r := range rows {
		d := r.KWh - s.Mean
		sumSq += d * d
	}
	s.StdDev = math.Sqrt(sumSq / float64(len(rows)))
	s.HighestDay = &highest
	s.LowestDay = &lowest

	return s, nil
}

// Extremes holds the highest and lowest consumption days in a range
type Extremes struct {
	MaxDay *models.DailyConsumption `json:"max_day"`
	MinDay *models.DailyConsumption `json:"min_day"`
}

// Extremes finds the highest and lowest consumption days between start and
// end inclusive. Zero bounds are open.
func (f *Facade) Extremes(ctx context.Context, start, end time.Time) (*Extremes, error) {
	rows, err := f.db.QueryRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading daily records: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotEnoughData
	}

	maxDay, minDay := rows[0], rows[0]
	for _, r := range rows[1:] {
		if r.KWh > maxDay.KWh {
			maxDay = r
		}
		if r.KWh < minDay.KWh {
			minDay = r
		}
	}
	return &Extremes{MaxDay: &maxDay, MinDay: &minDay}, nil
}

// TopDays returns the n highest or lowest consumption days
func (f *Facade) TopDays(ctx context.Context, n int, highest bool) ([]models.DailyConsumption, error) {
	return f.db.TopDays(ctx, n, highest)
}

// Trend compares a recent window of days against the preceding window of
// equal length
type Trend struct {
	Direction   string  `json:"direction"`
	Magnitude   float64 `json:"magnitude_kwh"` // recent minus previous average
	RecentAvg   float64 `json:"recent_avg_kwh"`
	PreviousAvg float64 `json:"previous_avg_kwh"`
	WindowDays  int     `json:"window_days"`
}

// Trend computes the consumption trend over the most recent window days.
// Changes within flatThreshold kWh/day of zero count as flat.
func (f *Facade) Trend(ctx context.Context, window int, flatThreshold float64) (*Trend, error) {
	if window <= 0 {
		window = 7
	}

	rows, err := f.db.QueryRange(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("loading daily records: %w", err)
	}
	if len(rows) < 2*window {
		return nil, ErrNotEnoughData
	}

	recent := rows[len(rows)-window:]
	previous := rows[len(rows)-2*window : len(rows)-window]

	t := &Trend{
		RecentAvg:   average(recent),
		PreviousAvg: average(previous),
		WindowDays:  window,
	}
	t.Magnitude = t.RecentAvg - t.PreviousAvg

	switch {
	case math.Abs(t.Magnitude) <= flatThreshold:
		t.Direction = TrendFlat
	case t.Magnitude > 0:
		t.Direction = TrendRising
	default:
		t.Direction = TrendFalling
	}
	return t, nil
}

func average(rows []models.DailyConsumption) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rows {
		sum += r.KWh
	}
	return sum / float64(len(rows))
}
