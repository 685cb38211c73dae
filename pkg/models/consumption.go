package models

import (
	"fmt"
	"time"
)

// DailyConsumption represents a single day's power consumption
type DailyConsumption struct {
	ID        int       `json:"id,omitempty"`
	Date      time.Time `json:"date"`
	KWh       float64   `json:"kwh"`
	Location  string    `json:"location,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// MonthlySummary is the derived aggregate over one month's daily records
type MonthlySummary struct {
	Year         int     `json:"year"`
	Month        int     `json:"month"`
	TotalKWh     float64 `json:"total_kwh"`
	AverageDaily float64 `json:"average_daily_kwh"`
	DayCount     int     `json:"days"`
	Location     string  `json:"location,omitempty"`
}

// MeterReading is a cumulative meter value captured alongside daily deltas
type MeterReading struct {
	Date     time.Time `json:"date"`
	Value    float64   `json:"value"`
	Unit     string    `json:"unit"`
	Location string    `json:"location,omitempty"`
}

// CollectionRun is one invocation of the collection driver. Rows are
// append-only and never modified after being recorded.
type CollectionRun struct {
	ID              int       `json:"id,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	MonthsRequested int       `json:"months_requested"`
	MonthsAttempted int       `json:"months_attempted"`
	MonthsCollected int       `json:"months_collected"`
	MonthsEmpty     int       `json:"months_empty"`
	MonthsFailed    int       `json:"months_failed"`
	Inserted        int       `json:"inserted"`
	Updated         int       `json:"updated"`
	SkippedRows     int       `json:"skipped_rows"`
	Outcome         string    `json:"outcome"`
}

// Run outcomes recorded in the collection history.
const (
	RunCompleted    = "completed"
	RunStoppedEmpty = "stopped-empty"
	RunIncomplete   = "incomplete"
)

// YearMonth identifies a calendar month
type YearMonth struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// IsZero reports whether ym is unset
func (ym YearMonth) IsZero() bool {
	return ym.Year == 0 && ym.Month == 0
}

// Prev returns the preceding calendar month
func (ym YearMonth) Prev() YearMonth {
	if ym.Month == time.January {
		return YearMonth{Year: ym.Year - 1, Month: time.December}
	}
	return YearMonth{Year: ym.Year, Month: ym.Month - 1}
}

// Next returns the following calendar month
func (ym YearMonth) Next() YearMonth {
	if ym.Month == time.December {
		return YearMonth{Year: ym.Year + 1, Month: time.January}
	}
	return YearMonth{Year: ym.Year, Month: ym.Month + 1}
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%s %d", ym.Month, ym.Year)
}

// YearMonthOf returns the calendar month containing t
func YearMonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: t.Month()}
}
