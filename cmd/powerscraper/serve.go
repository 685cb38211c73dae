package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"powerscraper/internal/api"
	"powerscraper/internal/collector"
	"powerscraper/internal/config"
	"powerscraper/internal/database"
	"powerscraper/internal/portal"
	"powerscraper/internal/publisher"
	"powerscraper/internal/stats"
	"powerscraper/pkg/models"
)

var (
	serveHost       string
	servePort       int
	serveAutoUpdate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API for dashboard consumption",
	Long: `Starts the HTTP server exposing the stored consumption data. When
portal credentials are configured, POST /api/update triggers a one-month
collection run and --auto-update schedules one daily.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "bind port (default from config)")
	serveCmd.Flags().BoolVar(&serveAutoUpdate, "auto-update", false, "run a daily scheduled collection")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	logger := newLogger()
	defer logger.Sync()

	host := cfg.GetHost()
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.GetPort()
	if servePort > 0 {
		port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var trigger api.Trigger
	if cfg.Portal.Username != "" && cfg.Portal.Password != "" {
		client, err := portal.NewClient(portal.ClientOptions{
			BaseURL:  cfg.GetBaseURL(),
			Username: cfg.Portal.Username,
			Password: cfg.Portal.Password,
		})
		if err != nil {
			return fmt.Errorf("creating portal client: %w", err)
		}

		// API-triggered and scheduled runs only refresh the current month
		driver := collector.New(
			collector.PortalSource{Client: client},
			db,
			logger,
			collector.Config{
				Months:       1,
				RetryMax:     cfg.GetRetryMax(),
				RetryBackoff: cfg.GetRetryBackoff(),
			},
		)
		trigger = &publishingTrigger{driver: driver, cfg: cfg, db: db, log: logger}
	} else {
		logger.Warn("no portal credentials configured, POST /api/update is disabled")
	}

	var sched *api.Scheduler
	if trigger != nil && (serveAutoUpdate || cfg.API.AutoUpdate) {
		sched = api.NewScheduler(trigger, logger, cfg.GetUpdateHour())
		go sched.Run(ctx)
	}

	server := api.NewServer(api.Options{
		Addr:      fmt.Sprintf("%s:%d", host, port),
		DBPath:    getDBPath(),
		DB:        db,
		Stats:     stats.New(db),
		Trigger:   trigger,
		Scheduler: sched,
		Logger:    logger,
	})

	return server.Run(ctx)
}

// publishingTrigger runs a collection and, when MQTT is enabled, pushes the
// refreshed latest record to Home Assistant afterwards
type publishingTrigger struct {
	driver *collector.Driver
	cfg    *config.Config
	db     *database.DB
	log    *zap.Logger
}

func (t *publishingTrigger) Running() bool {
	return t.driver.Running()
}

func (t *publishingTrigger) Run(ctx context.Context) (*models.CollectionRun, error) {
	run, err := t.driver.Run(ctx)
	if err != nil {
		return run, err
	}

	if t.cfg.MQTT.Enabled {
		if pubErr := t.publish(ctx); pubErr != nil {
			t.log.Warn("publishing to home assistant failed", zap.Error(pubErr))
		}
	}
	return run, nil
}

func (t *publishingTrigger) publish(ctx context.Context) error {
	latest, err := t.db.LatestDate(ctx)
	if err != nil {
		return err
	}
	if latest.IsZero() {
		return nil
	}
	record, err := t.db.GetDaily(ctx, latest)
	if err != nil || record == nil {
		return err
	}

	monthTotal := 0.0
	if summary, err := t.db.GetMonthlySummary(ctx, latest.Year(), int(latest.Month())); err == nil && summary != nil {
		monthTotal = summary.TotalKWh
	}
	reading, err := t.db.LatestReading(ctx)
	if err != nil {
		return err
	}

	pub, err := publisher.New(t.cfg.MQTT)
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.PublishDaily(*record); err != nil {
		return err
	}
	return pub.PublishLatest(*record, monthTotal, reading)
}
