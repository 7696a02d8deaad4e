// Package ingest runs the loop that turns lines from a byte source into
// stored records.
//
// The loop is single-threaded and polls: when the source has no complete
// line it sleeps for a fixed interval, otherwise it handles exactly one
// line. No error handling a line ever stops the loop; errors are logged,
// counted and reported through Status.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/vjranagit/sensorlog/pkg/clock"
	"github.com/vjranagit/sensorlog/pkg/parser"
	"github.com/vjranagit/sensorlog/pkg/source"
	"github.com/vjranagit/sensorlog/pkg/storage"
	"github.com/vjranagit/sensorlog/pkg/types"
)

// DefaultPollInterval is the sleep between checks of an idle source
const DefaultPollInterval = 500 * time.Millisecond

// State is the loop state after a step
type State int

const (
	// Waiting means the source had no data and the loop slept
	Waiting State = iota
	// Processing means one line was handled
	Processing
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Processing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusNotifier receives status updates. It must not block.
type StatusNotifier interface {
	NotifyStatus(status any)
}

// Config holds ingestion configuration
type Config struct {
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	Notifier     StatusNotifier
}

// DefaultConfig returns default ingestion configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval: DefaultPollInterval,
		Clock:        clock.Real(),
	}
}

// IngestionContext owns everything the loop needs: the source handle, the
// store handle and the schema. It is built once and driven by Run.
type IngestionContext struct {
	source       source.Source
	store        storage.Storage
	schema       types.Schema
	clock        clock.Clock
	logger       *slog.Logger
	notifier     StatusNotifier
	pollInterval time.Duration

	counters Counters

	mu     sync.RWMutex
	status Status
}

// New creates an ingestion context reading src and writing to store.
// When src is a *source.Unavailable the connection failure is reported
// once here; the loop then idles.
func New(src source.Source, store storage.Storage, cfg *Config) *IngestionContext {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &IngestionContext{
		source:       src,
		store:        store,
		schema:       store.Schema(),
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		notifier:     cfg.Notifier,
		pollInterval: cfg.PollInterval,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "ingest")
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}

	c.status.Source = src.Name()
	c.status.State = Waiting

	if u, ok := src.(*source.Unavailable); ok {
		err := u.Err
		if err == nil {
			err = errors.New("source unavailable")
		}
		c.logger.Error("byte source unavailable, running without data",
			"source", src.Name(), "error", err)
		c.recordError(KindConnection, err)
	} else {
		c.status.SourceConnected = true
		c.logger.Info("connected to byte source", "source", src.Name())
		c.publishStatus()
	}
	return c
}

// Run steps the loop until ctx is cancelled. Cancellation is checked once
// per iteration, so a line being handled is always finished first.
func (c *IngestionContext) Run(ctx context.Context) error {
	c.logger.Info("ingestion started", "poll_interval", c.pollInterval, "sensors", len(c.schema))
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("ingestion stopped", "records", c.counters.RecordsAppended.Load())
			return err
		}
		c.Step(ctx)
	}
}

// Step performs one iteration of the loop
func (c *IngestionContext) Step(ctx context.Context) State {
	if !c.source.HasData() {
		c.setState(Waiting)
		select {
		case <-ctx.Done():
		case <-c.clock.After(c.pollInterval):
		}
		return Waiting
	}

	c.setState(Processing)
	if err := c.processLine(ctx); err != nil {
		kind := Classify(err)
		if kind == KindRead {
			c.logger.Error("byte source failed", "source", c.source.Name(), "error", err)
		} else {
			c.logger.Warn("dropped line", "kind", kind, "error", err)
		}
		c.recordError(kind, err)
	}
	return Processing
}

// processLine reads and stores a single line, turning panics into errors
func (c *IngestionContext) processLine(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	raw, err := c.source.ReadLine()
	if errors.Is(err, source.ErrNoData) {
		return nil
	}
	if errors.Is(err, io.EOF) {
		c.logger.Info("byte source reached end of stream", "source", c.source.Name())
		c.setConnected(false)
		return nil
	}
	if err != nil {
		c.setConnected(false)
		return fmt.Errorf("read from %s: %w", c.source.Name(), err)
	}
	c.counters.LinesRead.Add(1)

	if !utf8.Valid(raw) {
		return &DecodeError{Line: raw}
	}
	line := strings.TrimRightFunc(string(raw), unicode.IsSpace)
	c.logger.Debug("received line", "line", line)

	res, err := parser.ParseLine(line)
	if err != nil {
		return err
	}
	if n := len(res.Skipped); n > 0 {
		c.counters.SkippedSegments.Add(uint64(n))
		c.logger.Debug("skipped malformed segments", "skipped", res.Skipped)
	}
	if len(res.Readings) == 0 {
		c.counters.EmptyLines.Add(1)
		return nil
	}

	rec := c.buildRecord(res.Readings)

	// The append runs to completion even if ctx is cancelled meanwhile.
	id, err := c.store.Append(context.WithoutCancel(ctx), rec)
	if errors.Is(err, storage.ErrEmptyRecord) {
		c.counters.EmptyLines.Add(1)
		c.logger.Debug("line has no known sensors", "line", line)
		return nil
	}
	if err != nil {
		return err
	}

	c.counters.RecordsAppended.Add(1)
	c.mu.Lock()
	c.status.LastRecordAt = rec.Timestamp
	c.mu.Unlock()
	c.logger.Debug("stored record", "id", id, "sensors", len(res.Readings))
	return nil
}

// buildRecord stamps the readings and marks every schema sensor without a
// reading as absent. Readings outside the store's current columns are
// counted and passed on to the store, which widens or drops them.
func (c *IngestionContext) buildRecord(readings map[string]float64) types.Record {
	rec := types.Record{
		Timestamp: c.clock.Now().Truncate(time.Second),
		Values:    make(map[string]types.Value, len(c.schema)+len(readings)),
	}
	for _, id := range c.schema {
		rec.Values[id] = types.Absent
	}
	columns := c.store.Columns()
	for id, v := range readings {
		if !slices.Contains(columns, id) {
			c.counters.UnknownKeys.Add(1)
		}
		rec.Values[id] = types.Present(v)
	}
	return rec
}

func (c *IngestionContext) setConnected(connected bool) {
	c.mu.Lock()
	c.status.SourceConnected = connected
	c.mu.Unlock()
}

func (c *IngestionContext) setState(s State) {
	c.mu.Lock()
	c.status.State = s
	c.mu.Unlock()
}

// recordError counts err, stores it as the last error and publishes status
func (c *IngestionContext) recordError(kind ErrorKind, err error) {
	c.counters.count(kind)

	c.mu.Lock()
	c.status.LastError = err.Error()
	c.status.LastErrorKind = kind
	c.status.LastErrorAt = c.clock.Now()
	c.mu.Unlock()

	c.publishStatus()
}

func (c *IngestionContext) publishStatus() {
	if c.notifier != nil {
		c.notifier.NotifyStatus(c.Status())
	}
}

// Status returns the current loop status
func (c *IngestionContext) Status() Status {
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()

	status.Counters = c.counters.Load()
	return status
}

// Counters returns the current counter values
func (c *IngestionContext) Counters() CounterValues {
	return c.counters.Load()
}
