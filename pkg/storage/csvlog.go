package storage

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vjranagit/sensorlog/pkg/types"
)

// TimeLayout is the timestamp format of the persisted log
const TimeLayout = "2006-01-02 15:04:05"

// headerRow returns the CSV header for the given sensor columns
func headerRow(columns []string) []string {
	return append([]string{types.TimestampColumn}, columns...)
}

// encodeRow renders a record as CSV fields with the timestamp as wall
// clock time in loc. Absent values become empty fields.
func encodeRow(rec types.Record, columns []string, loc *time.Location) []string {
	fields := make([]string, 0, len(columns)+1)
	fields = append(fields, rec.Timestamp.In(loc).Format(TimeLayout))
	for _, c := range columns {
		v := rec.Get(c)
		if !v.Valid {
			fields = append(fields, "")
			continue
		}
		fields = append(fields, strconv.FormatFloat(v.Float, 'g', -1, 64))
	}
	return fields
}

// encodeRowBytes renders a single CSV line, including the trailing newline
func encodeRowBytes(rec types.Record, columns []string, loc *time.Location) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(encodeRow(rec, columns, loc)); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeLog reads a full log. Rows with a bad timestamp are skipped and
// cells that are not numbers load as absent; both are logged.
func decodeLog(r io.Reader, loc *time.Location, logger *slog.Logger) ([]string, []types.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) == 0 || header[0] != types.TimestampColumn {
		return nil, nil, fmt.Errorf("first column must be %q", types.TimestampColumn)
	}

	columns := header[1:]
	if err := types.Schema(columns).Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid header: %w", err)
	}

	var records []types.Record
	line := 1
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row %d: %w", line, err)
		}

		ts, err := time.ParseInLocation(TimeLayout, fields[0], loc)
		if err != nil {
			logger.Warn("skipping row with bad timestamp", "row", line, "value", fields[0])
			continue
		}
		if len(fields) > len(header) {
			logger.Warn("ignoring extra fields", "row", line, "fields", len(fields), "columns", len(header))
		}

		rec := types.Record{
			ID:        types.RecordID(len(records)),
			Timestamp: ts,
			Values:    make(map[string]types.Value, len(columns)),
		}
		for i, c := range columns {
			rec.Values[c] = types.Absent
			if i+1 >= len(fields) || fields[i+1] == "" {
				continue
			}
			f, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				logger.Warn("loading unparseable cell as absent", "row", line, "column", c, "value", fields[i+1])
				continue
			}
			rec.Values[c] = types.Present(f)
		}
		records = append(records, rec)
	}

	return append([]string(nil), columns...), records, nil
}

// repairTail drops a torn trailing row left by a crash mid-write.
// It returns the data that remains valid.
func repairTail(path string, data []byte, logger *slog.Logger) ([]byte, error) {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return data, nil
	}

	cut := bytes.LastIndexByte(data, '\n') + 1
	logger.Warn("truncating torn trailing row", "path", path, "bytes", len(data)-cut)
	if err := os.Truncate(path, int64(cut)); err != nil {
		return nil, fmt.Errorf("failed to truncate torn row: %w", err)
	}
	return data[:cut], nil
}

// writeLogAtomic replaces the log at path with header and records.
// The new content is written to a temp file that is synced and renamed
// over the old one, so a crash leaves either the old or the new log.
func writeLogAtomic(path string, columns []string, records []types.Record, loc *time.Location) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}

	bw := bufio.NewWriter(f)
	w := csv.NewWriter(bw)
	err = w.Write(headerRow(columns))
	for i := 0; err == nil && i < len(records); i++ {
		err = w.Write(encodeRow(records[i], columns, loc))
	}
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp log: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace log: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// syncDir makes a rename in dir durable
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
