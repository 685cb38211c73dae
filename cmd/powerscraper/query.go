package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"powerscraper/internal/database"
	"powerscraper/internal/stats"
)

var (
	queryDaily    bool
	querySummary  bool
	queryExtremes bool
	queryReading  bool
	queryTrend    bool
	queryAll      bool
	queryStart    string
	queryEnd      string
	queryTop      int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query stored consumption data",
	Long:  `Read-only reports over the local database. With no flags the monthly summaries are shown.`,
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().BoolVar(&queryDaily, "daily", false, "show daily consumption")
	queryCmd.Flags().BoolVar(&querySummary, "summary", false, "show monthly summaries")
	queryCmd.Flags().BoolVar(&queryExtremes, "extremes", false, "show highest/lowest days")
	queryCmd.Flags().BoolVar(&queryReading, "reading", false, "show latest meter reading")
	queryCmd.Flags().BoolVar(&queryTrend, "trend", false, "show recent consumption trend")
	queryCmd.Flags().BoolVar(&queryAll, "all", false, "show all reports")
	queryCmd.Flags().StringVar(&queryStart, "start", "", "start date (YYYY-MM-DD)")
	queryCmd.Flags().StringVar(&queryEnd, "end", "", "end date (YYYY-MM-DD)")
	queryCmd.Flags().IntVar(&queryTop, "top", 5, "number of extreme days to show")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	if !queryDaily && !querySummary && !queryExtremes && !queryReading && !queryTrend && !queryAll {
		querySummary = true
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	facade := stats.New(db)
	ctx := context.Background()

	if queryAll || queryReading {
		if err := printReading(ctx, db); err != nil {
			return err
		}
	}
	if queryAll || querySummary {
		if err := printSummaries(ctx, db); err != nil {
			return err
		}
	}
	if queryAll || queryExtremes {
		if err := printExtremes(ctx, facade); err != nil {
			return err
		}
	}
	if queryAll || queryTrend {
		if err := printTrend(ctx, facade); err != nil {
			return err
		}
	}
	if queryAll || queryDaily {
		if err := printDaily(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func printReading(ctx context.Context, db *database.DB) error {
	reading, err := db.LatestReading(ctx)
	if err != nil {
		return err
	}
	if reading == nil {
		fmt.Println("No meter readings found")
		return nil
	}
	fmt.Println("\nLatest Meter Reading:")
	fmt.Println("----------------------------------------")
	fmt.Printf("Date:     %s\n", reading.Date.Format("2006-01-02"))
	fmt.Printf("Reading:  %.2f %s\n", reading.Value, reading.Unit)
	if reading.Location != "" {
		fmt.Printf("Location: %s\n", reading.Location)
	}
	return nil
}

func printSummaries(ctx context.Context, db *database.DB) error {
	summaries, err := db.ListSummaries(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No summary data found")
		return nil
	}

	fmt.Println("\nMonthly Summaries:")
	fmt.Println("--------------------------------------------------")
	fmt.Printf("%-16s %12s %9s %6s\n", "Month", "Total (kWh)", "Avg/Day", "Days")
	fmt.Println("--------------------------------------------------")

	var total float64
	for _, s := range summaries {
		label := fmt.Sprintf("%s %d", time.Month(s.Month), s.Year)
		fmt.Printf("%-16s %12.2f %9.2f %6d\n", label, s.TotalKWh, s.AverageDaily, s.DayCount)
		total += s.TotalKWh
	}
	fmt.Println("--------------------------------------------------")
	fmt.Printf("%-16s %12.2f\n", "TOTAL", total)
	return nil
}

func printExtremes(ctx context.Context, facade *stats.Facade) error {
	highest, err := facade.TopDays(ctx, queryTop, true)
	if err != nil {
		return err
	}
	lowest, err := facade.TopDays(ctx, queryTop, false)
	if err != nil {
		return err
	}
	if len(highest) == 0 {
		fmt.Println("No daily data found")
		return nil
	}

	fmt.Printf("\nTop %d Highest Consumption Days:\n", queryTop)
	fmt.Println("----------------------------------------")
	for _, d := range highest {
		fmt.Printf("%s  %10.2f kWh\n", d.Date.Format("2006-01-02"), d.KWh)
	}
	fmt.Printf("\nTop %d Lowest Consumption Days:\n", queryTop)
	fmt.Println("----------------------------------------")
	for _, d := range lowest {
		fmt.Printf("%s  %10.2f kWh\n", d.Date.Format("2006-01-02"), d.KWh)
	}
	return nil
}

func printTrend(ctx context.Context, facade *stats.Facade) error {
	trend, err := facade.Trend(ctx, 7, 0.5)
	if errors.Is(err, stats.ErrNotEnoughData) {
		fmt.Println("Not enough data for a trend")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println("\nConsumption Trend (7-day windows):")
	fmt.Println("----------------------------------------")
	fmt.Printf("Direction:    %s\n", trend.Direction)
	fmt.Printf("Recent avg:   %.2f kWh/day\n", trend.RecentAvg)
	fmt.Printf("Previous avg: %.2f kWh/day\n", trend.PreviousAvg)
	fmt.Printf("Change:       %+.2f kWh/day\n", trend.Magnitude)
	return nil
}

func printDaily(ctx context.Context, db *database.DB) error {
	var start, end time.Time
	var err error
	if queryStart != "" {
		if start, err = time.Parse("2006-01-02", queryStart); err != nil {
			return fmt.Errorf("parsing --start: %w", err)
		}
	}
	if queryEnd != "" {
		if end, err = time.Parse("2006-01-02", queryEnd); err != nil {
			return fmt.Errorf("parsing --end: %w", err)
		}
	}

	rows, err := db.QueryRange(ctx, start, end)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No data found for the specified period")
		return nil
	}

	fmt.Printf("\nDaily Consumption (%d days):\n", len(rows))
	fmt.Println("----------------------------------------")
	var total float64
	for _, r := range rows {
		fmt.Printf("%s  %10.2f kWh\n", r.Date.Format("2006-01-02"), r.KWh)
		total += r.KWh
	}
	fmt.Println("----------------------------------------")
	fmt.Printf("Total:   %.2f kWh\n", total)
	fmt.Printf("Average: %.2f kWh/day\n", total/float64(len(rows)))
	return nil
}
