// Package archive keeps a compressed, per-sensor copy of the dataset in
// BadgerDB for export. It is a downstream consumer of the record store:
// records arrive through the notification hub, are buffered, and are
// written as immutable blocks together with a cursor naming the next
// record id to archive. Missed notifications are recovered from a store
// snapshot.
package archive

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/vjranagit/sensorlog/pkg/notify"
	"github.com/vjranagit/sensorlog/pkg/storage"
	"github.com/vjranagit/sensorlog/pkg/types"
)

var (
	blockPrefix = []byte("b/")
	cursorKey   = []byte("m/cursor")
)

// errGap means a record arrived before some earlier ones were archived
var errGap = errors.New("archive: gap in record ids")

// Snapshotter provides the dataset to resynchronize from
type Snapshotter interface {
	Snapshot() *types.Dataset
}

// Config holds archive configuration
type Config struct {
	Path             string
	InMemory         bool
	CompressionLevel int
	BatchSize        int
	FlushInterval    time.Duration
	Location         *time.Location
	Logger           *slog.Logger
}

// DefaultConfig returns default archive configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data/archive",
		CompressionLevel: 3,
		BatchSize:        256,
		FlushInterval:    10 * time.Second,
		Location:         time.Local,
	}
}

// blockPayload is the stored form of one sensor's samples from one batch
type blockPayload struct {
	Sensor     string `cbor:"1,keyasint"`
	FirstID    uint64 `cbor:"2,keyasint"`
	LastID     uint64 `cbor:"3,keyasint"`
	Count      int    `cbor:"4,keyasint"`
	Timestamps []byte `cbor:"5,keyasint"`
	Values     []byte `cbor:"6,keyasint"`
}

// Archive stores record blocks in BadgerDB
type Archive struct {
	cfg        *Config
	db         *badger.DB
	compressor *Compressor
	encMode    cbor.EncMode
	logger     *slog.Logger

	mu      sync.Mutex
	next    types.RecordID
	pending *batch
	blocks  uint64
}

// Open opens or creates the archive
func Open(cfg *Config) (*Archive, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		compressor.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	a := &Archive{
		cfg:        cfg,
		db:         db,
		compressor: compressor,
		encMode:    encMode,
		logger:     logger.With("component", "archive"),
		pending:    newBatch(cfg.BatchSize),
	}

	if err := a.loadCursor(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) loadCursor() error {
	return a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read cursor: %w", err)
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt cursor of %d bytes", len(val))
			}
			a.next = types.RecordID(binary.BigEndian.Uint64(val))
			return nil
		})
	})
}

// Next returns the id of the first record not yet written to disk
func (a *Archive) Next() types.RecordID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Add buffers a record. Records that are already archived are ignored;
// a record past the expected id returns errGap.
func (a *Archive) Add(rec types.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addLocked(rec)
}

func (a *Archive) addLocked(rec types.Record) error {
	expected := a.next + types.RecordID(a.pending.len())
	switch {
	case rec.ID < expected:
		return nil
	case rec.ID > expected:
		return errGap
	}

	if a.pending.add(rec) {
		return a.flushLocked()
	}
	return nil
}

// CatchUp archives every record of ds that has not been seen yet
func (a *Archive) CatchUp(ds *types.Dataset) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	expected := int(a.next) + a.pending.len()
	if ds.Len() < expected {
		a.logger.Warn("archive is ahead of the record store", "archived", expected, "records", ds.Len())
		return nil
	}
	for _, rec := range ds.Records[expected:] {
		if err := a.addLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered records to BadgerDB
func (a *Archive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Archive) flushLocked() error {
	n := a.pending.len()
	if n == 0 {
		return nil
	}

	columns := a.pending.bySensor()
	sensors := make([]string, 0, len(columns))
	for id := range columns {
		sensors = append(sensors, id)
	}
	sort.Strings(sensors)

	next := a.next + types.RecordID(n)
	err := a.db.Update(func(txn *badger.Txn) error {
		for _, id := range sensors {
			key, value, err := a.encodeBlock(id, columns[id])
			if err != nil {
				return err
			}
			if err := txn.Set(key, value); err != nil {
				return err
			}
		}
		return txn.Set(cursorKey, binary.BigEndian.AppendUint64(nil, uint64(next)))
	})
	if err != nil {
		return fmt.Errorf("failed to write blocks: %w", err)
	}

	a.blocks += uint64(len(sensors))
	a.next = next
	a.pending.reset()
	a.logger.Debug("archived records", "records", n, "sensors", len(sensors), "next", next)
	return nil
}

// encodeBlock compresses one sensor's samples into a key and payload
func (a *Archive) encodeBlock(sensor string, samples []types.Sample) ([]byte, []byte, error) {
	timestamps := make([]int64, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		timestamps[i] = s.Timestamp.Unix()
		values[i] = s.Value
	}

	payload := blockPayload{
		Sensor:     sensor,
		FirstID:    uint64(samples[0].RecordID),
		LastID:     uint64(samples[len(samples)-1].RecordID),
		Count:      len(samples),
		Timestamps: a.compressor.CompressTimestamps(timestamps),
		Values:     a.compressor.CompressValues(values),
	}

	data, err := a.encMode.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal block: %w", err)
	}
	return blockKey(sensor, payload.FirstID), data, nil
}

// decodeBlock reverses encodeBlock
func (a *Archive) decodeBlock(data []byte) (string, []types.Sample, error) {
	var payload blockPayload
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}

	timestamps, err := a.compressor.DecompressTimestamps(payload.Timestamps, payload.Count)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decompress timestamps: %w", err)
	}
	values, err := a.compressor.DecompressValues(payload.Values, payload.Count)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decompress values: %w", err)
	}

	samples := make([]types.Sample, payload.Count)
	for i := range samples {
		samples[i] = types.Sample{
			Timestamp: time.Unix(timestamps[i], 0).In(a.cfg.Location),
			Value:     values[i],
		}
	}
	return payload.Sensor, samples, nil
}

// blockKey orders blocks by sensor, then by first record id. The zero
// byte keeps sensor "T" from matching a prefix scan for "Tt".
func blockKey(sensor string, firstID uint64) []byte {
	key := make([]byte, 0, len(blockPrefix)+len(sensor)+9)
	key = append(key, blockPrefix...)
	key = append(key, sensor...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, firstID)
}

func sensorPrefix(sensor string) []byte {
	return append(append(append([]byte(nil), blockPrefix...), sensor...), 0)
}

// Export writes every archived sample of one sensor as CSV to w, in
// arrival order. Buffered records are flushed first. It returns the number
// of samples written.
func (a *Archive) Export(ctx context.Context, w io.Writer, sensor string) (int, error) {
	if err := a.Flush(); err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{types.TimestampColumn, sensor}); err != nil {
		return 0, err
	}

	written := 0
	prefix := sensorPrefix(sensor)
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var samples []types.Sample
			err := it.Item().Value(func(val []byte) error {
				var err error
				_, samples, err = a.decodeBlock(val)
				return err
			})
			if err != nil {
				return fmt.Errorf("block %q: %w", it.Item().Key(), err)
			}

			for _, s := range samples {
				row := []string{
					s.Timestamp.Format(storage.TimeLayout),
					strconv.FormatFloat(s.Value, 'g', -1, 64),
				}
				if err := cw.Write(row); err != nil {
					return err
				}
				written++
			}
		}
		return nil
	})
	if err != nil {
		return written, err
	}

	cw.Flush()
	return written, cw.Error()
}

// Run archives records from sub until ctx is cancelled or sub is closed.
// It first catches up with the store, and again whenever it detects
// missed notifications.
func (a *Archive) Run(ctx context.Context, sub *notify.Subscription, store Snapshotter) error {
	if err := a.CatchUp(store.Snapshot()); err != nil {
		a.logger.Error("initial catch-up failed", "error", err)
	}

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.Flush()

		case ev, ok := <-sub.C:
			if !ok {
				return a.Flush()
			}
			if ev.Type != notify.EventRecord || ev.Record == nil {
				continue
			}
			err := a.Add(*ev.Record)
			if errors.Is(err, errGap) {
				a.logger.Info("missed notifications, catching up", "record", ev.Record.ID)
				err = a.CatchUp(store.Snapshot())
			}
			if err != nil {
				a.logger.Error("failed to archive record", "record", ev.Record.ID, "error", err)
			}

		case <-ticker.C:
			if err := a.Flush(); err != nil {
				a.logger.Error("periodic flush failed", "error", err)
			}
		}
	}
}

// Stats describes archive progress
type Stats struct {
	Archived types.RecordID
	Pending  int
	Blocks   uint64
}

// Stats returns archive counters
func (a *Archive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Archived: a.next,
		Pending:  a.pending.len(),
		Blocks:   a.blocks,
	}
}

// Close flushes pending records and closes the database
func (a *Archive) Close() error {
	flushErr := a.Flush()

	a.compressor.Close()
	if err := a.db.Close(); err != nil {
		return err
	}
	return flushErr
}
