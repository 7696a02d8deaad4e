package storage

import (
	"sort"
)

// Index manages the ordered set of dataset columns
type Index struct {
	// Column names in file order, excluding the timestamp column
	columns []string
	// Maps column name to its position in columns
	positions map[string]int
}

// NewIndex creates an index over the given columns
func NewIndex(columns []string) *Index {
	idx := &Index{
		columns:   make([]string, 0, len(columns)),
		positions: make(map[string]int, len(columns)),
	}
	for _, c := range columns {
		idx.Add(c)
	}
	return idx
}

// Add appends a column if it is not yet known. Reports whether it was added.
func (idx *Index) Add(column string) bool {
	if _, exists := idx.positions[column]; exists {
		return false
	}
	idx.positions[column] = len(idx.columns)
	idx.columns = append(idx.columns, column)
	return true
}

// Position returns the column's position, or -1 if unknown
func (idx *Index) Position(column string) int {
	if pos, ok := idx.positions[column]; ok {
		return pos
	}
	return -1
}

// Has reports whether the column is indexed
func (idx *Index) Has(column string) bool {
	_, ok := idx.positions[column]
	return ok
}

// Columns returns a copy of the column names in order
func (idx *Index) Columns() []string {
	return append([]string(nil), idx.columns...)
}

// Len returns the number of indexed columns
func (idx *Index) Len() int {
	return len(idx.columns)
}

// Unknown returns the keys not present in the index, sorted
func (idx *Index) Unknown(keys map[string]struct{}) []string {
	var missing []string
	for k := range keys {
		if !idx.Has(k) {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

// Extend returns a new index with the extra columns appended.
// The receiver is left unchanged.
func (idx *Index) Extend(extra []string) *Index {
	next := NewIndex(idx.columns)
	for _, c := range extra {
		next.Add(c)
	}
	return next
}
