package ingest

import (
	"sync/atomic"
	"time"
)

// Counters tracks ingestion activity
type Counters struct {
	LinesRead       atomic.Uint64
	RecordsAppended atomic.Uint64
	EmptyLines      atomic.Uint64
	SkippedSegments atomic.Uint64
	UnknownKeys     atomic.Uint64
	DecodeErrors    atomic.Uint64
	ParseErrors     atomic.Uint64
	StoreErrors     atomic.Uint64
	ReadErrors      atomic.Uint64
}

// CounterValues is a point-in-time copy of Counters
type CounterValues struct {
	LinesRead       uint64 `json:"lines_read"`
	RecordsAppended uint64 `json:"records_appended"`
	EmptyLines      uint64 `json:"empty_lines"`
	SkippedSegments uint64 `json:"skipped_segments"`
	UnknownKeys     uint64 `json:"unknown_keys"`
	DecodeErrors    uint64 `json:"decode_errors"`
	ParseErrors     uint64 `json:"parse_errors"`
	StoreErrors     uint64 `json:"store_errors"`
	ReadErrors      uint64 `json:"read_errors"`
}

// Load copies the current counter values
func (c *Counters) Load() CounterValues {
	return CounterValues{
		LinesRead:       c.LinesRead.Load(),
		RecordsAppended: c.RecordsAppended.Load(),
		EmptyLines:      c.EmptyLines.Load(),
		SkippedSegments: c.SkippedSegments.Load(),
		UnknownKeys:     c.UnknownKeys.Load(),
		DecodeErrors:    c.DecodeErrors.Load(),
		ParseErrors:     c.ParseErrors.Load(),
		StoreErrors:     c.StoreErrors.Load(),
		ReadErrors:      c.ReadErrors.Load(),
	}
}

// count increments the error counter for kind
func (c *Counters) count(kind ErrorKind) {
	switch kind {
	case KindDecode:
		c.DecodeErrors.Add(1)
	case KindParse:
		c.ParseErrors.Add(1)
	case KindStore:
		c.StoreErrors.Add(1)
	case KindRead, KindPanic:
		c.ReadErrors.Add(1)
	}
}

// Status is the user-visible state of the ingestion loop
type Status struct {
	Source          string        `json:"source"`
	SourceConnected bool          `json:"source_connected"`
	State           State         `json:"state"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorKind   ErrorKind     `json:"last_error_kind,omitempty"`
	LastErrorAt     time.Time     `json:"last_error_at,omitempty"`
	LastRecordAt    time.Time     `json:"last_record_at,omitempty"`
	Counters        CounterValues `json:"counters"`
}
