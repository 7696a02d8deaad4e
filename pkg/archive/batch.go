package archive

import (
	"github.com/vjranagit/sensorlog/pkg/types"
)

// batch buffers records until they are written as one block per sensor
type batch struct {
	records []types.Record
	size    int
}

func newBatch(size int) *batch {
	if size <= 0 {
		size = 256
	}
	return &batch{
		records: make([]types.Record, 0, size),
		size:    size,
	}
}

// add buffers rec and reports whether the batch is full
func (b *batch) add(rec types.Record) bool {
	b.records = append(b.records, rec)
	return len(b.records) >= b.size
}

func (b *batch) len() int {
	return len(b.records)
}

// bySensor splits the buffered records into per-sensor sample columns.
// Absent readings are left out.
func (b *batch) bySensor() map[string][]types.Sample {
	columns := make(map[string][]types.Sample)
	for _, rec := range b.records {
		for id, v := range rec.Values {
			if !v.Valid {
				continue
			}
			columns[id] = append(columns[id], types.Sample{
				RecordID:  rec.ID,
				Timestamp: rec.Timestamp,
				Value:     v.Float,
			})
		}
	}
	return columns
}

func (b *batch) reset() {
	b.records = b.records[:0]
}
