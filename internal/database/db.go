package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"powerscraper/pkg/models"
)

const (
	dateFormat = "2006-01-02"
	timeFormat = time.RFC3339
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Serialized writes, the REST layer reads concurrently
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daily_consumption (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		consumption_date TEXT NOT NULL,
		consumption_kwh REAL NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(consumption_date, location)
	);
	CREATE TABLE IF NOT EXISTS consumption_summary (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		total_kwh REAL NOT NULL,
		average_daily REAL NOT NULL,
		days_count INTEGER NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		UNIQUE(year, month, location)
	);
	CREATE TABLE IF NOT EXISTS meter_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reading_date TEXT NOT NULL,
		meter_value REAL NOT NULL,
		unit TEXT NOT NULL DEFAULT 'kWh',
		location TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(reading_date, location)
	);
	CREATE TABLE IF NOT EXISTS collection_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		months_requested INTEGER NOT NULL,
		months_attempted INTEGER NOT NULL,
		months_collected INTEGER NOT NULL,
		months_empty INTEGER NOT NULL,
		months_failed INTEGER NOT NULL,
		inserted INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		skipped_rows INTEGER NOT NULL,
		outcome TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_daily_date ON daily_consumption(consumption_date);
	CREATE INDEX IF NOT EXISTS idx_daily_year_month ON daily_consumption(year, month);
	CREATE INDEX IF NOT EXISTS idx_readings_date ON meter_readings(reading_date);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// UpsertResult counts the effect of one batch write
type UpsertResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// SaveMonth applies one month's daily records, recomputes the monthly
// summary from the stored rows and upserts the meter reading, all in a
// single transaction. A zero-kWh value never inserts a new row and never
// overwrites a stored non-zero value, the portal republishes trailing
// zeros for days that are not metered yet.
func (db *DB) SaveMonth(ctx context.Context, month models.YearMonth, location string, days []models.DailyConsumption, reading *models.MeterReading) (UpsertResult, error) {
	var result UpsertResult

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)

	for _, day := range days {
		dateStr := day.Date.Format(dateFormat)

		var (
			existingID  int
			existingKWh float64
		)
		err := tx.QueryRowContext(ctx, `
		SELECT id, consumption_kwh FROM daily_consumption
		WHERE consumption_date = ? AND location = ?
		`, dateStr, location).Scan(&existingID, &existingKWh)

		switch {
		case err == sql.ErrNoRows:
			if day.KWh <= 0 {
				result.Unchanged++
				continue
			}
			_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_consumption
			(consumption_date, consumption_kwh, location, year, month, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			`, dateStr, day.KWh, location, day.Date.Year(), int(day.Date.Month()), now, now)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("inserting daily record: %w", err)
			}
			result.Inserted++
		case err != nil:
			return UpsertResult{}, fmt.Errorf("querying daily record: %w", err)
		case day.KWh > 0 && day.KWh != existingKWh:
			_, err = tx.ExecContext(ctx, `
			UPDATE daily_consumption SET consumption_kwh = ?, updated_at = ? WHERE id = ?
			`, day.KWh, now, existingID)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("updating daily record: %w", err)
			}
			result.Updated++
		default:
			result.Unchanged++
		}
	}

	if err := recomputeSummary(ctx, tx, month, location, now); err != nil {
		return UpsertResult{}, err
	}

	if reading != nil {
		_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO meter_readings (reading_date, meter_value, unit, location, created_at)
		VALUES (?, ?, ?, ?, ?)
		`, reading.Date.Format(dateFormat), reading.Value, reading.Unit, location, now)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("upserting meter reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("committing batch: %w", err)
	}
	return result, nil
}

// recomputeSummary derives the monthly aggregate from the stored daily rows
// so it can never drift from them
func recomputeSummary(ctx context.Context, tx *sql.Tx, month models.YearMonth, location, now string) error {
	var (
		count int
		total sql.NullFloat64
	)
	err := tx.QueryRowContext(ctx, `
	SELECT COUNT(*), SUM(consumption_kwh) FROM daily_consumption
	WHERE year = ? AND month = ? AND location = ?
	`, month.Year, int(month.Month), location).Scan(&count, &total)
	if err != nil {
		return fmt.Errorf("aggregating month: %w", err)
	}

	if count == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO consumption_summary (year, month, total_kwh, average_daily, days_count, location, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(year, month, location) DO UPDATE SET
		total_kwh = excluded.total_kwh,
		average_daily = excluded.average_daily,
		days_count = excluded.days_count,
		updated_at = excluded.updated_at
	`, month.Year, int(month.Month), total.Float64, total.Float64/float64(count), count, location, now)
	if err != nil {
		return fmt.Errorf("upserting monthly summary: %w", err)
	}
	return nil
}

// GetDaily retrieves the record for a specific date, nil if absent
func (db *DB) GetDaily(ctx context.Context, date time.Time) (*models.DailyConsumption, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, consumption_date, consumption_kwh, location, updated_at
	FROM daily_consumption
	WHERE consumption_date = ?
	`, date.Format(dateFormat))

	record, err := scanDaily(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying daily record: %w", err)
	}
	return record, nil
}

// QueryRange retrieves daily records ordered by date ascending. Zero start
// or end times leave that bound open.
func (db *DB) QueryRange(ctx context.Context, start, end time.Time) ([]models.DailyConsumption, error) {
	query := `
	SELECT id, consumption_date, consumption_kwh, location, updated_at
	FROM daily_consumption WHERE 1=1
	`
	var args []any
	if !start.IsZero() {
		query += " AND consumption_date >= ?"
		args = append(args, start.Format(dateFormat))
	}
	if !end.IsZero() {
		query += " AND consumption_date <= ?"
		args = append(args, end.Format(dateFormat))
	}
	query += " ORDER BY consumption_date ASC"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying date range: %w", err)
	}
	defer rows.Close()

	var results []models.DailyConsumption
	for rows.Next() {
		record, err := scanDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning daily record: %w", err)
		}
		results = append(results, *record)
	}
	return results, rows.Err()
}

// QueryMonthDays retrieves the daily records of one month, date ascending
func (db *DB) QueryMonthDays(ctx context.Context, year, month int) ([]models.DailyConsumption, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return db.QueryRange(ctx, start, start.AddDate(0, 1, -1))
}

// TopDays retrieves the n highest (or lowest) consumption days
func (db *DB) TopDays(ctx context.Context, n int, highest bool) ([]models.DailyConsumption, error) {
	order := "ASC"
	if highest {
		order = "DESC"
	}
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, consumption_date, consumption_kwh, location, updated_at
	FROM daily_consumption
	ORDER BY consumption_kwh `+order+`, consumption_date ASC
	LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("querying extreme days: %w", err)
	}
	defer rows.Close()

	var results []models.DailyConsumption
	for rows.Next() {
		record, err := scanDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning daily record: %w", err)
		}
		results = append(results, *record)
	}
	return results, rows.Err()
}

// GetMonthlySummary retrieves the summary for one month, nil if absent
func (db *DB) GetMonthlySummary(ctx context.Context, year, month int) (*models.MonthlySummary, error) {
	var s models.MonthlySummary
	err := db.conn.QueryRowContext(ctx, `
	SELECT year, month, total_kwh, average_daily, days_count, location
	FROM consumption_summary
	WHERE year = ? AND month = ?
	`, year, month).Scan(&s.Year, &s.Month, &s.TotalKWh, &s.AverageDaily, &s.DayCount, &s.Location)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying monthly summary: %w", err)
	}
	return &s, nil
}

// ListSummaries retrieves all monthly summaries, newest first
func (db *DB) ListSummaries(ctx context.Context) ([]models.MonthlySummary, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT year, month, total_kwh, average_daily, days_count, location
	FROM consumption_summary
	ORDER BY year DESC, month DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying monthly summaries: %w", err)
	}
	defer rows.Close()

	var results []models.MonthlySummary
	for rows.Next() {
		var s models.MonthlySummary
		if err := rows.Scan(&s.Year, &s.Month, &s.TotalKWh, &s.AverageDaily, &s.DayCount, &s.Location); err != nil {
			return nil, fmt.Errorf("scanning monthly summary: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// LatestReading retrieves the most recent meter reading, nil if none exist
func (db *DB) LatestReading(ctx context.Context) (*models.MeterReading, error) {
	var (
		r       models.MeterReading
		dateStr string
	)
	err := db.conn.QueryRowContext(ctx, `
	SELECT reading_date, meter_value, unit, location
	FROM meter_readings
	ORDER BY reading_date DESC
	LIMIT 1
	`).Scan(&dateStr, &r.Value, &r.Unit, &r.Location)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying meter reading: %w", err)
	}
	r.Date, err = time.Parse(dateFormat, dateStr)
	if err != nil {
		return nil, fmt.Errorf("parsing reading date: %w", err)
	}
	return &r, nil
}

// RecordRun appends one collection run to the history log
func (db *DB) RecordRun(ctx context.Context, run *models.CollectionRun) error {
	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO collection_runs
	(started_at, finished_at, months_requested, months_attempted, months_collected,
	 months_empty, months_failed, inserted, updated, skipped_rows, outcome)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.StartedAt.UTC().Format(timeFormat), run.FinishedAt.UTC().Format(timeFormat),
		run.MonthsRequested, run.MonthsAttempted, run.MonthsCollected,
		run.MonthsEmpty, run.MonthsFailed, run.Inserted, run.Updated,
		run.SkippedRows, run.Outcome)
	if err != nil {
		return fmt.Errorf("recording collection run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = int(id)
	}
	return nil
}

// LastRun retrieves the most recent collection run, nil if none recorded
func (db *DB) LastRun(ctx context.Context) (*models.CollectionRun, error) {
	var (
		run                  models.CollectionRun
		startedAt, finished string
	)
	err := db.conn.QueryRowContext(ctx, `
	SELECT id, started_at, finished_at, months_requested, months_attempted,
	       months_collected, months_empty, months_failed, inserted, updated,
	       skipped_rows, outcome
	FROM collection_runs
	ORDER BY id DESC
	LIMIT 1
	`).Scan(&run.ID, &startedAt, &finished, &run.MonthsRequested,
		&run.MonthsAttempted, &run.MonthsCollected, &run.MonthsEmpty,
		&run.MonthsFailed, &run.Inserted, &run.Updated, &run.SkippedRows,
		&run.Outcome)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last run: %w", err)
	}
	if run.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("parsing run start time: %w", err)
	}
	if run.FinishedAt, err = time.Parse(timeFormat, finished); err != nil {
		return nil, fmt.Errorf("parsing run finish time: %w", err)
	}
	return &run, nil
}

// CountDaily returns the number of stored daily records
func (db *DB) CountDaily(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_consumption`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting daily records: %w", err)
	}
	return count, nil
}

// LatestDate returns the most recent stored consumption date, zero if none
func (db *DB) LatestDate(ctx context.Context) (time.Time, error) {
	var dateStr sql.NullString
	err := db.conn.QueryRowContext(ctx, `SELECT MAX(consumption_date) FROM daily_consumption`).Scan(&dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying latest date: %w", err)
	}
	if !dateStr.Valid || dateStr.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateFormat, dateStr.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing latest date: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDaily(row rowScanner) (*models.DailyConsumption, error) {
	var (
		record     models.DailyConsumption
		dateStr    string
		updatedStr string
	)
	if err := row.Scan(&record.ID, &dateStr, &record.KWh, &record.Location, &updatedStr); err != nil {
		return nil, err
	}

	var err error
	record.Date, err = time.Parse(dateFormat, dateStr)
	if err != nil {
		return nil, fmt.Errorf("parsing date: %w", err)
	}
	record.UpdatedAt, err = time.Parse(timeFormat, updatedStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &record, nil
}
