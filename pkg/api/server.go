// Package api serves the dashboard HTTP interface. Every handler reads a
// store snapshot, so requests never block ingestion.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vjranagit/sensorlog/pkg/ingest"
	"github.com/vjranagit/sensorlog/pkg/notify"
	"github.com/vjranagit/sensorlog/pkg/storage"
	"github.com/vjranagit/sensorlog/pkg/types"
)

// StatusProvider reports ingestion status
type StatusProvider interface {
	Status() ingest.Status
}

// Exporter writes a sensor's archived samples as CSV
type Exporter interface {
	Export(ctx context.Context, w io.Writer, sensor string) (int, error)
}

// Options configures optional server collaborators. Nil collaborators
// disable the endpoints that need them.
type Options struct {
	Labels    map[string]string
	Hub       *notify.Hub
	Status    StatusProvider
	Archive   Exporter
	Logger    *slog.Logger
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	Heartbeat time.Duration
}

// Server implements the HTTP API server
type Server struct {
	storage storage.Storage
	addr    string
	opts    Options
	cache   *ChartCache
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(addr string, store storage.Storage, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		storage: store,
		addr:    addr,
		opts:    opts,
		cache:   NewChartCache(opts.CacheSize, opts.CacheTTL),
		logger:  logger.With("component", "api"),
	}
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: opts.Timeout,
		// No WriteTimeout: event streams stay open.
	}
	return s
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/v1/charts", s.handleCharts)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/export", s.handleExport)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return mux
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// recordJSON is the wire form of a record; absent values are null
type recordJSON struct {
	ID        types.RecordID      `json:"id"`
	Timestamp time.Time           `json:"timestamp"`
	Values    map[string]*float64 `json:"values"`
}

func toRecordJSON(rec types.Record, columns []string) recordJSON {
	out := recordJSON{
		ID:        rec.ID,
		Timestamp: rec.Timestamp,
		Values:    make(map[string]*float64, len(columns)),
	}
	for _, id := range columns {
		if v := rec.Get(id); v.Valid {
			f := v.Float
			out.Values[id] = &f
		} else {
			out.Values[id] = nil
		}
	}
	return out
}

// handleSnapshot returns the whole dataset
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ds := s.storage.Snapshot()

	records := make([]recordJSON, ds.Len())
	for i, rec := range ds.Records {
		records[i] = toRecordJSON(rec, ds.Columns)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"columns": ds.Columns,
		"records": records,
	})
}

// Point is one chart sample
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Chart is the series of one sensor with absent values left out
type Chart struct {
	Sensor string  `json:"sensor"`
	Label  string  `json:"label"`
	Points []Point `json:"points"`
}

// chart extracts or looks up the chart of sensor in ds
func (s *Server) chart(ds *types.Dataset, sensor string) *Chart {
	key := chartKey{sensor: sensor, length: ds.Len(), columns: len(ds.Columns)}
	if c, ok := s.cache.Get(key); ok {
		return c
	}

	samples := ds.Column(sensor)
	c := &Chart{
		Sensor: sensor,
		Label:  s.label(sensor),
		Points: make([]Point, len(samples)),
	}
	for i, sample := range samples {
		c.Points[i] = Point{Timestamp: sample.Timestamp, Value: sample.Value}
	}

	s.cache.Put(key, c)
	return c
}

func (s *Server) label(sensor string) string {
	if l, ok := s.opts.Labels[sensor]; ok && l != "" {
		return l
	}
	return sensor
}

// handleCharts returns one chart per column, or only ?sensor= if given
func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request) {
	ds := s.storage.Snapshot()

	if sensor := r.URL.Query().Get("sensor"); sensor != "" {
		if !hasColumn(ds, sensor) {
			http.Error(w, fmt.Sprintf("Unknown sensor %q", sensor), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, []*Chart{s.chart(ds, sensor)})
		return
	}

	charts := make([]*Chart, 0, len(ds.Columns))
	for _, id := range ds.Columns {
		charts = append(charts, s.chart(ds, id))
	}
	writeJSON(w, http.StatusOK, charts)
}

// handleEvents streams hub events as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		http.Error(w, "Event stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.opts.Hub.Subscribe(0)
	defer s.opts.Hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	columns := s.storage.Columns()
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Type == notify.EventRecord && ev.Record != nil && len(ev.Record.Values) > len(columns) {
				columns = s.storage.Columns()
			}
			if err := writeEvent(w, ev, columns); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev notify.Event, columns []string) error {
	var payload any
	switch {
	case ev.Record != nil:
		payload = toRecordJSON(*ev.Record, columns)
	default:
		payload = ev.Status
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

// handleStatus returns the ingestion status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		http.Error(w, "Status not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Status.Status())
}

// handleExport streams the archived series of one sensor as CSV
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		http.Error(w, "Archive disabled", http.StatusNotFound)
		return
	}

	sensor := r.URL.Query().Get("sensor")
	if sensor == "" {
		http.Error(w, "Missing sensor parameter", http.StatusBadRequest)
		return
	}
	if !hasColumn(s.storage.Snapshot(), sensor) {
		http.Error(w, fmt.Sprintf("Unknown sensor %q", sensor), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sensor+".csv"))

	n, err := s.opts.Archive.Export(r.Context(), w, sensor)
	if err != nil {
		// Headers are already sent.
		s.logger.Error("export failed", "sensor", sensor, "written", n, "error", err)
		return
	}
	s.logger.Debug("exported series", "sensor", sensor, "samples", n)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func hasColumn(ds *types.Dataset, sensor string) bool {
	for _, id := range ds.Columns {
		if id == sensor {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
