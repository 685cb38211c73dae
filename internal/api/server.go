package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"powerscraper/internal/collector"
	"powerscraper/internal/database"
	"powerscraper/internal/stats"
	"powerscraper/pkg/models"
)

const dateFormat = "2006-01-02"

// Trigger starts collection runs on demand. Running reports whether one is
// active so concurrent triggers can be rejected before spawning anything.
type Trigger interface {
	Run(ctx context.Context) (*models.CollectionRun, error)
	Running() bool
}

// Options configures the REST server
type Options struct {
	Addr      string
	DBPath    string
	DB        *database.DB
	Stats     *stats.Facade
	Trigger   Trigger // nil disables POST /api/update
	Scheduler *Scheduler
	Logger    *zap.Logger
}

// Server exposes the persisted consumption data over HTTP. Reads are served
// concurrently against the database, writes only happen through the
// serialized collection trigger.
type Server struct {
	db      *database.DB
	stats   *stats.Facade
	trigger Trigger
	sched   *Scheduler
	log     *zap.Logger
	dbPath  string
	server  *http.Server
}

// NewServer builds the server and its routes
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		db:      opts.DB,
		stats:   opts.Stats,
		trigger: opts.Trigger,
		sched:   opts.Scheduler,
		log:     log,
		dbPath:  opts.DBPath,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/current", s.handleCurrent)
	mux.HandleFunc("GET /api/daily/{date}", s.handleDaily)
	mux.HandleFunc("GET /api/monthly/{year}/{month}", s.handleMonthly)
	mux.HandleFunc("GET /api/range", s.handleRange)
	mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	mux.HandleFunc("GET /api/trend", s.handleTrend)
	mux.HandleFunc("POST /api/update", s.handleUpdate)

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route table, used by tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and shuts it down when ctx is canceled
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting http server", zap.String("addr", s.server.Addr))
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := s.db.CountDaily(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	latest, err := s.db.LatestDate(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	lastRun, err := s.db.LastRun(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	resp := map[string]any{
		"status":   "ok",
		"database": s.dbPath,
		"records":  count,
	}
	if !latest.IsZero() {
		resp["latest_date"] = latest.Format(dateFormat)
	}
	if lastRun != nil {
		resp["last_run"] = lastRun
	}
	if s.sched != nil {
		resp["next_update"] = s.sched.NextUpdate().Format("2006-01-02 15:04:05")
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	today, err := s.db.GetDaily(ctx, now)
	if err != nil {
		s.internalError(w, err)
		return
	}
	yesterday, err := s.db.GetDaily(ctx, now.AddDate(0, 0, -1))
	if err != nil {
		s.internalError(w, err)
		return
	}
	summary, err := s.db.GetMonthlySummary(ctx, now.Year(), int(now.Month()))
	if err != nil {
		s.internalError(w, err)
		return
	}
	reading, err := s.db.LatestReading(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	resp := map[string]any{
		"today_kwh":       nil,
		"yesterday_kwh":   nil,
		"month_total_kwh": 0.0,
		"unit":            "kWh",
	}
	if today != nil {
		resp["today_kwh"] = today.KWh
	}
	if yesterday != nil {
		resp["yesterday_kwh"] = yesterday.KWh
	}
	if summary != nil {
		resp["month_total_kwh"] = summary.TotalKWh
	}
	if reading != nil {
		resp["meter_reading"] = reading.Value
		resp["meter_reading_date"] = reading.Date.Format(dateFormat)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse(dateFormat, r.PathValue("date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD")
		return
	}

	record, err := s.db.GetDaily(r.Context(), date)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if record == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "no data for this date")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"date":            record.Date.Format(dateFormat),
		"consumption_kwh": record.KWh,
		"location":        record.Location,
		"updated_at":      record.UpdatedAt,
	})
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "year must be an integer")
		return
	}
	month, err := strconv.Atoi(r.PathValue("month"))
	if err != nil || month < 1 || month > 12 {
		s.writeError(w, http.StatusBadRequest, "bad_request", "month must be 1-12")
		return
	}

	ctx := r.Context()
	summary, err := s.db.GetMonthlySummary(ctx, year, month)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if summary == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "no data for this month")
		return
	}
	days, err := s.db.QueryMonthDays(ctx, year, month)
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"year":              summary.Year,
		"month":             summary.Month,
		"total_kwh":         summary.TotalKWh,
		"average_daily_kwh": summary.AverageDaily,
		"days":              summary.DayCount,
		"location":          summary.Location,
		"daily":             dailyPoints(days),
	})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "start and end dates required")
		return
	}
	start, err := time.Parse(dateFormat, startStr)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateFormat, endStr)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "end must be YYYY-MM-DD")
		return
	}

	rows, err := s.db.QueryRange(r.Context(), start, end)
	if err != nil {
		s.internalError(w, err)
		return
	}

	var total float64
	for _, row := range rows {
		total += row.KWh
	}
	avg := 0.0
	if len(rows) > 0 {
		avg = total / float64(len(rows))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"start_date":        startStr,
		"end_date":          endStr,
		"total_kwh":         total,
		"average_daily_kwh": avg,
		"days":              len(rows),
		"daily":             dailyPoints(rows),
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	result, err := s.stats.Statistics(r.Context())
	if errors.Is(err, stats.ErrNotEnoughData) {
		s.writeError(w, http.StatusNotFound, "not_found", "no consumption data collected yet")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	window := 7
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", "window must be a positive integer")
			return
		}
		window = n
	}
	threshold := 0.5
	if v := r.URL.Query().Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", "threshold must be a non-negative number")
			return
		}
		threshold = f
	}

	result, err := s.stats.Trend(r.Context(), window, threshold)
	if errors.Is(err, stats.ErrNotEnoughData) {
		s.writeError(w, http.StatusNotFound, "not_found", "not enough data for the requested window")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "collection is not configured on this server")
		return
	}
	if s.trigger.Running() {
		s.writeError(w, http.StatusConflict, "busy", "a collection run is already in progress")
		return
	}

	go func() {
		run, err := s.trigger.Run(context.Background())
		if errors.Is(err, collector.ErrRunInProgress) {
			return // lost the race to another trigger
		}
		if err != nil {
			s.log.Error("triggered collection run failed", zap.Error(err))
			return
		}
		s.log.Info("triggered collection run finished",
			zap.String("outcome", run.Outcome),
			zap.Int("inserted", run.Inserted),
			zap.Int("updated", run.Updated))
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "update started",
		"message": "collection run initiated in background",
	})
}

func dailyPoints(rows []models.DailyConsumption) []map[string]any {
	points := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		points = append(points, map[string]any{
			"date": row.Date.Format(dateFormat),
			"kwh":  row.KWh,
		})
	}
	return points
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
		"kind":  kind,
	})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
}
