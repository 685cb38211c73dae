package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"powerscraper/internal/collector"
	"powerscraper/internal/config"
	"powerscraper/internal/database"
	"powerscraper/internal/portal"
	"powerscraper/internal/publisher"
	"powerscraper/pkg/models"
)

var (
	collectMonths        int
	collectPauseInterval int
	collectPauseDuration int
	collectNoStop        bool
	collectPublish       bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect historical consumption data from the portal",
	Long: `Walks backward from the current month for the requested number of
months, persisting each month's daily consumption into the local database.
Per-month failures are recorded and do not fail the command; only
authentication or database errors do.`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().IntVar(&collectMonths, "months", 12, "number of months to go back")
	collectCmd.Flags().IntVar(&collectPauseInterval, "pause-interval", 6, "pause every N months (0 to disable)")
	collectCmd.Flags().IntVar(&collectPauseDuration, "pause-duration", 30, "pause duration in seconds")
	collectCmd.Flags().BoolVar(&collectNoStop, "no-stop", false, "don't stop on consecutive empty months")
	collectCmd.Flags().BoolVar(&collectPublish, "publish", false, "publish the latest record to Home Assistant via MQTT")
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Collection started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := portal.NewClient(portal.ClientOptions{
		BaseURL:  cfg.GetBaseURL(),
		Username: cfg.Portal.Username,
		Password: cfg.Portal.Password,
	})
	if err != nil {
		return fmt.Errorf("creating portal client: %w", err)
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	logger := newLogger()
	defer logger.Sync()

	driver := collector.New(
		collector.PortalSource{Client: client},
		db,
		logger,
		collectorConfig(cmd, cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := driver.Run(ctx)
	if run != nil {
		printRunSummary(run)
	}
	if err != nil {
		return fmt.Errorf("collection run: %w", err)
	}

	if collectPublish {
		if err := publishLatest(ctx, cfg, db); err != nil {
			fmt.Printf("⚠ Publishing to Home Assistant failed: %v\n", err)
		} else {
			fmt.Println("✓ Latest record published to Home Assistant")
		}
	}

	return nil
}

// collectorConfig merges flags over the config file. A changed flag always
// wins; otherwise the config file value (with its defaults) applies.
func collectorConfig(cmd *cobra.Command, cfg *config.Config) collector.Config {
	months := cfg.GetMonths()
	if cmd.Flags().Changed("months") {
		months = collectMonths
	}
	pauseInterval := cfg.GetPauseInterval()
	if cmd.Flags().Changed("pause-interval") {
		pauseInterval = collectPauseInterval
	}
	pauseDuration := cfg.GetPauseDuration()
	if cmd.Flags().Changed("pause-duration") {
		pauseDuration = time.Duration(collectPauseDuration) * time.Second
	}
	emptyStop := cfg.GetEmptyStopAfter()
	if collectNoStop {
		emptyStop = 0
	}

	return collector.Config{
		Months:         months,
		PauseInterval:  pauseInterval,
		PauseDuration:  pauseDuration,
		StepDelay:      time.Second,
		RetryMax:       cfg.GetRetryMax(),
		RetryBackoff:   cfg.GetRetryBackoff(),
		EmptyStopAfter: emptyStop,
	}
}

func printRunSummary(run *models.CollectionRun) {
	fmt.Println()
	fmt.Println("Collection summary")
	fmt.Println("----------------------------------------")
	fmt.Printf("%-24s %s\n", "Outcome:", run.Outcome)
	fmt.Printf("%-24s %d of %d\n", "Months attempted:", run.MonthsAttempted, run.MonthsRequested)
	fmt.Printf("%-24s %d\n", "Months with data:", run.MonthsCollected)
	fmt.Printf("%-24s %d\n", "Months empty:", run.MonthsEmpty)
	fmt.Printf("%-24s %d\n", "Months failed:", run.MonthsFailed)
	fmt.Printf("%-24s %d\n", "Records inserted:", run.Inserted)
	fmt.Printf("%-24s %d\n", "Records updated:", run.Updated)
	if run.SkippedRows > 0 {
		fmt.Printf("%-24s %d\n", "Rows skipped:", run.SkippedRows)
	}
	fmt.Printf("%-24s %s\n", "Duration:", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
}

// publishLatest pushes the most recent daily record and month total to the
// configured MQTT broker
func publishLatest(ctx context.Context, cfg *config.Config, db *database.DB) error {
	latest, err := db.LatestDate(ctx)
	if err != nil {
		return err
	}
	if latest.IsZero() {
		return fmt.Errorf("no records to publish")
	}
	record, err := db.GetDaily(ctx, latest)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("no records to publish")
	}

	monthTotal := 0.0
	if summary, err := db.GetMonthlySummary(ctx, latest.Year(), int(latest.Month())); err == nil && summary != nil {
		monthTotal = summary.TotalKWh
	}
	reading, err := db.LatestReading(ctx)
	if err != nil {
		return err
	}

	pub, err := publisher.New(cfg.MQTT)
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.PublishDaily(*record); err != nil {
		return err
	}
	return pub.PublishLatest(*record, monthTotal, reading)
}
