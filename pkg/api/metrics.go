package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/vjranagit/sensorlog/pkg/archive"
)

// archiveStatser is implemented by *archive.Archive
type archiveStatser interface {
	Stats() archive.Stats
}

func writeMetric(w io.Writer, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %v\n", name, value)
}

// handleMetrics exports internal counters in the Prometheus text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	st := s.storage.Stats()
	writeMetric(w, "sensorlog_store_records", "gauge", "Records in the dataset.", st.Records)
	writeMetric(w, "sensorlog_store_columns", "gauge", "Sensor columns in the dataset.", st.Columns)
	writeMetric(w, "sensorlog_store_unknown_keys_total", "counter", "Readings for sensors outside the schema.", st.UnknownKeys)
	writeMetric(w, "sensorlog_store_widenings_total", "counter", "Schema widenings of the log.", st.Widenings)
	writeMetric(w, "sensorlog_store_write_errors_total", "counter", "Records dropped because the log write failed.", st.WriteErrors)

	if s.opts.Status != nil {
		status := s.opts.Status.Status()
		c := status.Counters
		connected := 0
		if status.SourceConnected {
			connected = 1
		}
		writeMetric(w, "sensorlog_source_connected", "gauge", "Whether the byte source is open.", connected)
		writeMetric(w, "sensorlog_ingest_lines_total", "counter", "Lines read from the source.", c.LinesRead)
		writeMetric(w, "sensorlog_ingest_records_total", "counter", "Records appended to the store.", c.RecordsAppended)
		writeMetric(w, "sensorlog_ingest_empty_lines_total", "counter", "Lines that produced no record.", c.EmptyLines)
		writeMetric(w, "sensorlog_ingest_skipped_segments_total", "counter", "Malformed segments skipped.", c.SkippedSegments)

		fmt.Fprintf(w, "# HELP sensorlog_ingest_errors_total Lines dropped by error kind.\n")
		fmt.Fprintf(w, "# TYPE sensorlog_ingest_errors_total counter\n")
		fmt.Fprintf(w, "sensorlog_ingest_errors_total{kind=\"decode\"} %d\n", c.DecodeErrors)
		fmt.Fprintf(w, "sensorlog_ingest_errors_total{kind=\"parse\"} %d\n", c.ParseErrors)
		fmt.Fprintf(w, "sensorlog_ingest_errors_total{kind=\"store\"} %d\n", c.StoreErrors)
		fmt.Fprintf(w, "sensorlog_ingest_errors_total{kind=\"read\"} %d\n", c.ReadErrors)
	}

	if s.opts.Hub != nil {
		hs := s.opts.Hub.Stats()
		writeMetric(w, "sensorlog_hub_subscribers", "gauge", "Live event subscribers.", hs.Subscribers)
		writeMetric(w, "sensorlog_hub_events_total", "counter", "Events published.", hs.Published)
		writeMetric(w, "sensorlog_hub_dropped_total", "counter", "Events dropped for slow subscribers.", hs.Dropped)
	}

	if a, ok := s.opts.Archive.(archiveStatser); ok {
		as := a.Stats()
		writeMetric(w, "sensorlog_archive_records", "gauge", "Records written to the archive.", uint64(as.Archived))
		writeMetric(w, "sensorlog_archive_pending", "gauge", "Records buffered for the archive.", as.Pending)
		writeMetric(w, "sensorlog_archive_blocks_total", "counter", "Blocks written by this process.", as.Blocks)
	}

	cs := s.cache.Stats()
	writeMetric(w, "sensorlog_chart_cache_size", "gauge", "Cached chart series.", cs.Size)
	writeMetric(w, "sensorlog_chart_cache_hits_total", "counter", "Chart cache hits.", cs.Hits)
	writeMetric(w, "sensorlog_chart_cache_misses_total", "counter", "Chart cache misses.", cs.Misses)
}
