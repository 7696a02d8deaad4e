package types

import (
	"fmt"
	"strings"
	"time"
)

// TimestampColumn is the name of the first column of every dataset
const TimestampColumn = "timestamp"

// Schema is the ordered set of sensor ids known at startup
type Schema []string

// Validate checks that the schema ids are usable as column names
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, id := range s {
		if id == "" {
			return fmt.Errorf("empty sensor id")
		}
		if strings.TrimSpace(id) != id {
			return fmt.Errorf("sensor id %q has surrounding whitespace", id)
		}
		if id == TimestampColumn {
			return fmt.Errorf("sensor id %q is reserved", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate sensor id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Contains reports whether id is part of the schema
func (s Schema) Contains(id string) bool {
	for _, known := range s {
		if known == id {
			return true
		}
	}
	return false
}

// Value is a single cell of a record. Valid is false for an absent reading.
type Value struct {
	Float float64
	Valid bool
}

// Absent marks a sensor that reported nothing in a record
var Absent = Value{}

// Present wraps a reading
func Present(v float64) Value {
	return Value{Float: v, Valid: true}
}

// RecordID identifies a record by its arrival position, starting at 0
type RecordID uint64

// Record is one timestamped row of sensor readings
type Record struct {
	ID        RecordID
	Timestamp time.Time
	Values    map[string]Value
}

// Get returns the value for a sensor, Absent if the record has none
func (r Record) Get(id string) Value {
	if v, ok := r.Values[id]; ok {
		return v
	}
	return Absent
}

// PresentCount returns the number of sensors with a value in the record
func (r Record) PresentCount() int {
	n := 0
	for _, v := range r.Values {
		if v.Valid {
			n++
		}
	}
	return n
}

// Dataset is a point-in-time view of all stored records.
// A Dataset returned by a store must be treated as read-only.
type Dataset struct {
	Columns []string
	Records []Record
}

// Len returns the number of records
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// Column returns the present values of one sensor, in arrival order,
// together with the records they came from. Absent cells are skipped.
func (d *Dataset) Column(id string) []Sample {
	if d == nil {
		return nil
	}
	samples := make([]Sample, 0, len(d.Records))
	for _, rec := range d.Records {
		v := rec.Get(id)
		if !v.Valid {
			continue
		}
		samples = append(samples, Sample{
			RecordID:  rec.ID,
			Timestamp: rec.Timestamp,
			Value:     v.Float,
		})
	}
	return samples
}

// Sample is a single present reading of one sensor
type Sample struct {
	RecordID  RecordID
	Timestamp time.Time
	Value     float64
}
