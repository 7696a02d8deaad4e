package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjranagit/sensorlog/pkg/types"
)

// Storage interface defines the contract for the record store
type Storage interface {
	// Append durably writes a record and returns its id
	Append(ctx context.Context, rec types.Record) (types.RecordID, error)

	// Snapshot returns a read-only view of all stored records
	Snapshot() *types.Dataset

	// Schema returns the sensor ids the store was initialized with
	Schema() types.Schema

	// Columns returns the current sensor columns, including widened ones
	Columns() []string

	// Stats returns store counters
	Stats() Stats

	// Close closes the storage
	Close() error
}

// Notifier receives every record after it has been stored.
// It is called with the store's write lock held and must not block.
type Notifier interface {
	NotifyRecord(rec types.Record)
}

// Config holds storage configuration
type Config struct {
	Path          string
	Schema        types.Schema
	AllowWidening bool
	// Location is the zone of the wall clock timestamps in the log. The
	// log carries no offset, so with a zone that has DST the repeated hour
	// of a fall-back reloads as its first occurrence; UTC avoids that.
	Location      *time.Location
	Notifier      Notifier
	Logger        *slog.Logger
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:          "./log.csv",
		AllowWidening: true,
		Location:      time.Local,
	}
}

// Stats contains store counters
type Stats struct {
	Records     int
	Columns     int
	UnknownKeys uint64
	Widenings   uint64
	WriteErrors uint64
}

var (
	// ErrEmptyRecord is returned for a record without any known sensor value
	ErrEmptyRecord = errors.New("record has no known sensor values")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("storage is closed")
)

// WriteError reports a failure to persist a record. The record was not stored.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// logFile is the subset of *os.File used for appends
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// csvStore implements Storage on top of an append-only CSV file
type csvStore struct {
	cfg    *Config
	logger *slog.Logger

	mu       sync.Mutex
	file     logFile
	size     int64
	index    *Index
	columns  []string
	records  []types.Record
	closed   bool
	openFile func(path string) (logFile, int64, error)

	snapshot    atomic.Pointer[types.Dataset]
	unknownKeys atomic.Uint64
	widenings   atomic.Uint64
	writeErrors atomic.Uint64
}

// Open loads the log at cfg.Path, or creates it with the schema as header.
// Schema sensors missing from an existing header are added as columns.
func Open(cfg *Config) (Storage, error) {
	return open(cfg, openAppend)
}

func open(cfg *Config, openFile func(string) (logFile, int64, error)) (*csvStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := cfg.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	s := &csvStore{
		cfg:      cfg,
		logger:   logger.With("component", "storage"),
		openFile: openFile,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	file, size, err := s.openFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for append: %w", err)
	}
	s.file = file
	s.size = size
	s.publish()

	s.logger.Info("record store ready",
		"path", cfg.Path, "records", len(s.records), "columns", len(s.columns))
	return s, nil
}

// load reads the existing log or writes a fresh header
func (s *csvStore) load() error {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read log: %w", err)
	}

	data, err = repairTail(s.cfg.Path, data, s.logger)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		s.setIndex(NewIndex(s.cfg.Schema))
		if err := writeLogAtomic(s.cfg.Path, s.columns, nil, s.cfg.Location); err != nil {
			return fmt.Errorf("failed to initialize log: %w", err)
		}
		return nil
	}

	columns, records, err := decodeLog(bytes.NewReader(data), s.cfg.Location, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", s.cfg.Path, err)
	}
	s.setIndex(NewIndex(columns))
	s.records = records

	var missing []string
	for _, id := range s.cfg.Schema {
		if !s.index.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		s.logger.Info("extending log header", "columns", missing)
		s.setIndex(s.index.Extend(missing))
		if err := writeLogAtomic(s.cfg.Path, s.columns, s.records, s.cfg.Location); err != nil {
			return fmt.Errorf("failed to extend header: %w", err)
		}
	}
	return nil
}

// Append implements Storage.Append
func (s *csvStore) Append(ctx context.Context, rec types.Record) (types.RecordID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	index := s.index
	if unknown := s.unknownSensors(rec); len(unknown) > 0 {
		s.unknownKeys.Add(uint64(len(unknown)))
		if widen := widenable(unknown); s.cfg.AllowWidening && len(widen) > 0 {
			index = s.index.Extend(widen)
		} else {
			s.logger.Debug("dropping unknown sensors", "sensors", unknown)
		}
	}

	columns := index.Columns()
	stored := types.Record{
		ID:        types.RecordID(len(s.records)),
		Timestamp: rec.Timestamp.Truncate(time.Second).In(s.cfg.Location),
		Values:    make(map[string]types.Value, len(columns)),
	}
	for _, c := range columns {
		stored.Values[c] = rec.Get(c)
	}
	if stored.PresentCount() == 0 {
		return 0, ErrEmptyRecord
	}

	if index != s.index {
		if err := s.rewrite(columns, stored); err != nil {
			s.writeErrors.Add(1)
			return 0, &WriteError{Op: "rewrite", Path: s.cfg.Path, Err: err}
		}
		extra := columns[s.index.Len():]
		s.widenings.Add(1)
		s.logger.Info("widened schema", "columns", extra)
		s.records = backfill(s.records, extra)
		s.setIndex(index)
	} else if err := s.appendRow(stored); err != nil {
		s.writeErrors.Add(1)
		return 0, &WriteError{Op: "append", Path: s.cfg.Path, Err: err}
	}

	s.records = append(s.records, stored)
	s.publish()

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifyRecord(stored)
	}
	return stored.ID, nil
}

// unknownSensors returns the present keys of rec that are not columns
func (s *csvStore) unknownSensors(rec types.Record) []string {
	keys := make(map[string]struct{}, len(rec.Values))
	for k, v := range rec.Values {
		if v.Valid {
			keys[k] = struct{}{}
		}
	}
	return s.index.Unknown(keys)
}

// widenable filters out ids that cannot become a column
func widenable(ids []string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != types.TimestampColumn {
			out = append(out, id)
		}
	}
	return out
}

// backfill returns copies of records with the extra columns set absent,
// matching what a reload of the rewritten log produces. Published
// snapshots keep the old records.
func backfill(records []types.Record, extra []string) []types.Record {
	out := make([]types.Record, len(records), len(records)+1)
	for i, rec := range records {
		values := make(map[string]types.Value, len(rec.Values)+len(extra))
		maps.Copy(values, rec.Values)
		for _, id := range extra {
			values[id] = types.Absent
		}
		rec.Values = values
		out[i] = rec
	}
	return out
}

// appendRow writes one row and syncs it. On failure the file is cut back
// to its previous size so no partial row is left behind.
func (s *csvStore) appendRow(rec types.Record) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	line, err := encodeRowBytes(rec, s.columns, s.cfg.Location)
	if err != nil {
		return err
	}

	n, err := s.file.Write(line)
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		if terr := s.file.Truncate(s.size); terr != nil {
			s.logger.Error("failed to roll back partial row", "error", terr)
			s.file.Close()
			s.file = nil
		}
		return err
	}

	s.size += int64(n)
	return nil
}

// rewrite replaces the whole log with the widened header, the existing
// rows and rec
func (s *csvStore) rewrite(columns []string, rec types.Record) error {
	records := append(s.records[:len(s.records):len(s.records)], rec)
	if err := writeLogAtomic(s.cfg.Path, columns, records, s.cfg.Location); err != nil {
		return err
	}

	// The old handle refers to the replaced file.
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := s.ensureOpen(); err != nil {
		// The row is on disk, the next append retries the open.
		s.logger.Error("failed to reopen log after rewrite", "error", err)
	}
	return nil
}

// ensureOpen reopens the append handle after a failed rollback or rewrite
func (s *csvStore) ensureOpen() error {
	if s.file != nil {
		return nil
	}
	file, size, err := s.openFile(s.cfg.Path)
	if err != nil {
		return err
	}
	s.file = file
	s.size = size
	return nil
}

// setIndex installs a new column index
func (s *csvStore) setIndex(idx *Index) {
	s.index = idx
	s.columns = idx.Columns()
}

// publish makes the current records visible to Snapshot. The records slice
// is clipped so later appends never write into a published view.
func (s *csvStore) publish() {
	n := len(s.records)
	s.snapshot.Store(&types.Dataset{
		Columns: s.columns,
		Records: s.records[:n:n],
	})
}

// Snapshot implements Storage.Snapshot
func (s *csvStore) Snapshot() *types.Dataset {
	return s.snapshot.Load()
}

// Schema implements Storage.Schema
func (s *csvStore) Schema() types.Schema {
	return append(types.Schema(nil), s.cfg.Schema...)
}

// Columns implements Storage.Columns
func (s *csvStore) Columns() []string {
	return append([]string(nil), s.Snapshot().Columns...)
}

// Stats implements Storage.Stats
func (s *csvStore) Stats() Stats {
	snap := s.Snapshot()
	return Stats{
		Records:     len(snap.Records),
		Columns:     len(snap.Columns),
		UnknownKeys: s.unknownKeys.Load(),
		Widenings:   s.widenings.Load(),
		WriteErrors: s.writeErrors.Load(),
	}
}

// Close implements Storage.Close
func (s *csvStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// openAppend opens path for appending and returns its current size
func openAppend(path string) (logFile, int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
