package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vjranagit/sensorlog/pkg/ingest"
	"github.com/vjranagit/sensorlog/pkg/notify"
	"github.com/vjranagit/sensorlog/pkg/storage"
	"github.com/vjranagit/sensorlog/pkg/types"
)

var baseTime = time.Date(2026, 10, 18, 12, 0, 0, 0, time.Local)

func newTestStore(t *testing.T, notifier storage.Notifier) storage.Storage {
	t.Helper()
	store, err := storage.Open(&storage.Config{
		Path:          filepath.Join(t.TempDir(), "log.csv"),
		Schema:        types.Schema{"T", "u"},
		AllowWidening: true,
		Notifier:      notifier,
	})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func appendRecord(t *testing.T, store storage.Storage, offset int, values map[string]types.Value) {
	t.Helper()
	rec := types.Record{
		Timestamp: baseTime.Add(time.Duration(offset) * time.Second),
		Values:    values,
	}
	if _, err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func seedStore(t *testing.T, store storage.Storage) {
	t.Helper()
	appendRecord(t, store, 0, map[string]types.Value{"T": types.Present(21.5), "u": types.Present(40)})
	appendRecord(t, store, 1, map[string]types.Value{"T": types.Present(22), "u": types.Absent})
}

type fixedStatus struct{ status ingest.Status }

func (f fixedStatus) Status() ingest.Status { return f.status }

type fakeExporter struct{ sensor string }

func (f *fakeExporter) Export(ctx context.Context, w io.Writer, sensor string) (int, error) {
	f.sensor = sensor
	fmt.Fprintf(w, "timestamp,%s\n2026-10-18 12:00:00,21.5\n", sensor)
	return 1, nil
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleSnapshot(t *testing.T) {
	store := newTestStore(t, nil)
	seedStore(t, store)
	srv := NewServer(":0", store, Options{})

	rec := get(t, srv.Handler(), "/api/v1/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Columns []string     `json:"columns"`
		Records []recordJSON `json:"records"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(body.Columns) != 2 || len(body.Records) != 2 {
		t.Fatalf("Unexpected snapshot: %+v", body)
	}
	if v := body.Records[1].Values["u"]; v != nil {
		t.Errorf("Expected absent u as null, got %v", *v)
	}
	if v := body.Records[0].Values["T"]; v == nil || *v != 21.5 {
		t.Errorf("Expected T=21.5, got %v", v)
	}
}

func TestHandleCharts(t *testing.T) {
	store := newTestStore(t, nil)
	seedStore(t, store)
	srv := NewServer(":0", store, Options{Labels: map[string]string{"T": "Temperature"}})

	rec := get(t, srv.Handler(), "/api/v1/charts")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var charts []Chart
	if err := json.NewDecoder(rec.Body).Decode(&charts); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(charts) != 2 {
		t.Fatalf("Expected 2 charts, got %d", len(charts))
	}
	if charts[0].Label != "Temperature" || len(charts[0].Points) != 2 {
		t.Errorf("Unexpected T chart: %+v", charts[0])
	}
	if charts[1].Label != "u" || len(charts[1].Points) != 1 {
		t.Errorf("Expected u chart without absent point, got %+v", charts[1])
	}

	// Same snapshot again is served from the cache.
	get(t, srv.Handler(), "/api/v1/charts")
	if stats := srv.cache.Stats(); stats.Hits != 2 {
		t.Errorf("Expected 2 cache hits, got %+v", stats)
	}

	if rec := get(t, srv.Handler(), "/api/v1/charts?sensor=nope"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown sensor, got %d", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	store := newTestStore(t, nil)

	srv := NewServer(":0", store, Options{})
	if rec := get(t, srv.Handler(), "/api/v1/status"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without status provider, got %d", rec.Code)
	}

	status := ingest.Status{Source: "COM8", SourceConnected: true, State: ingest.Processing}
	srv = NewServer(":0", store, Options{Status: fixedStatus{status}})
	rec := get(t, srv.Handler(), "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"processing"`) {
		t.Errorf("Unexpected status body: %s", rec.Body.String())
	}
}

func TestHandleExport(t *testing.T) {
	store := newTestStore(t, nil)
	seedStore(t, store)

	srv := NewServer(":0", store, Options{})
	if rec := get(t, srv.Handler(), "/api/v1/export?sensor=T"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with archive disabled, got %d", rec.Code)
	}

	exporter := &fakeExporter{}
	srv = NewServer(":0", store, Options{Archive: exporter})

	if rec := get(t, srv.Handler(), "/api/v1/export"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without sensor, got %d", rec.Code)
	}
	if rec := get(t, srv.Handler(), "/api/v1/export?sensor=nope"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown sensor, got %d", rec.Code)
	}

	rec := get(t, srv.Handler(), "/api/v1/export?sensor=T")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if exporter.sensor != "T" {
		t.Errorf("Expected export of T, got %q", exporter.sensor)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Unexpected content type %q", ct)
	}
}

func TestHandleHealthAndMetrics(t *testing.T) {
	store := newTestStore(t, nil)
	seedStore(t, store)
	hub := notify.NewHub()
	defer hub.Close()

	status := ingest.Status{SourceConnected: true, Counters: ingest.CounterValues{LinesRead: 7, DecodeErrors: 2}}
	srv := NewServer(":0", store, Options{Hub: hub, Status: fixedStatus{status}})

	if rec := get(t, srv.Handler(), "/health"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from health, got %d", rec.Code)
	}

	rec := get(t, srv.Handler(), "/metrics")
	body := rec.Body.String()
	for _, want := range []string{
		"sensorlog_store_records 2\n",
		"sensorlog_source_connected 1\n",
		"sensorlog_ingest_lines_total 7\n",
		`sensorlog_ingest_errors_total{kind="decode"} 2`,
		"# TYPE sensorlog_hub_events_total counter\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Metrics missing %q:\n%s", want, body)
		}
	}
}

func TestHandleEvents(t *testing.T) {
	hub := notify.NewHub()
	defer hub.Close()
	store := newTestStore(t, hub)
	srv := NewServer(":0", store, Options{Hub: hub})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Unexpected content type %q", ct)
	}

	// Headers are flushed after the subscription exists.
	appendRecord(t, store, 0, map[string]types.Value{"T": types.Present(21.5), "u": types.Absent})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}

	if lines[0] != "id: 1" || lines[1] != "event: record" {
		t.Errorf("Unexpected event header: %v", lines)
	}
	if !strings.Contains(lines[2], `"T":21.5`) || !strings.Contains(lines[2], `"u":null`) {
		t.Errorf("Unexpected event data: %s", lines[2])
	}
}
