package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"

	"github.com/vjranagit/sensorlog/pkg/types"
)

var baseTime = time.Date(2026, 10, 18, 12, 0, 0, 0, time.Local)

func newTestStore(t *testing.T, path string, schema types.Schema) Storage {
	t.Helper()

	store, err := Open(&Config{
		Path:          path,
		Schema:        schema,
		AllowWidening: true,
	})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	return store
}

func record(at time.Duration, values map[string]types.Value) types.Record {
	return types.Record{Timestamp: baseTime.Add(at), Values: values}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestStorageAppendAndSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	store := newTestStore(t, path, types.Schema{"T", "u"})
	defer store.Close()

	ctx := context.Background()

	id, err := store.Append(ctx, record(0, map[string]types.Value{
		"T": types.Present(21.5),
		"u": types.Present(40),
	}))
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if id != 0 {
		t.Errorf("Expected first id 0, got %d", id)
	}

	id, err = store.Append(ctx, record(time.Second, map[string]types.Value{
		"T": types.Present(22.0),
		"u": types.Absent,
	}))
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if id != 1 {
		t.Errorf("Expected second id 1, got %d", id)
	}

	snap := store.Snapshot()
	if snap.Len() != 2 {
		t.Fatalf("Expected 2 records, got %d", snap.Len())
	}
	if v := snap.Records[0].Get("u"); !v.Valid || v.Float != 40 {
		t.Errorf("Expected u=40 in first record, got %+v", v)
	}
	if v := snap.Records[1].Get("u"); v.Valid {
		t.Errorf("Expected u absent in second record, got %+v", v)
	}

	want := "timestamp,T,u\n" +
		"2026-10-18 12:00:00,21.5,40\n" +
		"2026-10-18 12:00:01,22,\n"
	if got := readFile(t, path); got != want {
		t.Errorf("Unexpected log content:\n%s\nwant:\n%s", got, want)
	}
}

func TestStorageDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	store := newTestStore(t, path, types.Schema{"T", "u"})

	if _, err := store.Append(context.Background(), record(0, map[string]types.Value{
		"T": types.Present(19.25),
	})); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	// No Close: simulate a crash right after Append returned.
	reopened := newTestStore(t, path, types.Schema{"T", "u"})
	defer reopened.Close()

	snap := reopened.Snapshot()
	if snap.Len() != 1 {
		t.Fatalf("Expected 1 record after reload, got %d", snap.Len())
	}
	if v := snap.Records[0].Get("T"); !v.Valid || v.Float != 19.25 {
		t.Errorf("Expected T=19.25, got %+v", v)
	}
	if !snap.Records[0].Timestamp.Equal(baseTime) {
		t.Errorf("Expected timestamp %v, got %v", baseTime, snap.Records[0].Timestamp)
	}
}

func TestStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	store := newTestStore(t, path, types.Schema{"MQ2", "T", "u"})

	ctx := context.Background()
	inputs := []map[string]types.Value{
		{"MQ2": types.Present(312), "T": types.Present(21.5), "u": types.Present(40.25)},
		{"T": types.Present(-3.125)},
		{"MQ2": types.Present(0), "u": types.Present(1e-7)},
	}
	for i, values := range inputs {
		if _, err := store.Append(ctx, record(time.Duration(i)*time.Second, values)); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	before := store.Snapshot()
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	reopened := newTestStore(t, path, types.Schema{"MQ2", "T", "u"})
	defer reopened.Close()

	if diff := cmp.Diff(before, reopened.Snapshot()); diff != "" {
		t.Errorf("Dataset changed across reload (-before +after):\n%s", diff)
	}
}

func TestStorageSchemaWidening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	store := newTestStore(t, path, types.Schema{"T"})
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Append(ctx, record(0, map[string]types.Value{"T": types.Present(20)})); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if _, err := store.Append(ctx, record(time.Second, map[string]types.Value{
		"T":     types.Present(21),
		"vibro": types.Present(3),
	})); err != nil {
		t.Fatalf("Failed to append widened record: %v", err)
	}

	if diff := cmp.Diff([]string{"T", "vibro"}, store.Columns()); diff != "" {
		t.Errorf("Columns mismatch (-want +got):\n%s", diff)
	}

	snap := store.Snapshot()
	if v := snap.Records[0].Get("vibro"); v.Valid {
		t.Errorf("Expected prior row to be absent in new column, got %+v", v)
	}

	want := "timestamp,T,vibro\n" +
		"2026-10-18 12:00:00,20,\n" +
		"2026-10-18 12:00:01,21,3\n"
	if got := readFile(t, path); got != want {
		t.Errorf("Unexpected log content:\n%s\nwant:\n%s", got, want)
	}

	// Appends after the rewrite go to the new file.
	if _, err := store.Append(ctx, record(2*time.Second, map[string]types.Value{"vibro": types.Present(4)})); err != nil {
		t.Fatalf("Failed to append after widening: %v", err)
	}
	if !strings.HasSuffix(readFile(t, path), "2026-10-18 12:00:02,,4\n") {
		t.Errorf("Expected appended row after rewrite, got:\n%s", readFile(t, path))
	}

	stats := store.Stats()
	if stats.Widenings != 1 || stats.UnknownKeys != 1 {
		t.Errorf("Expected 1 widening and 1 unknown key, got %+v", stats)
	}
}

func TestStorageWideningRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	store := newTestStore(t, path, types.Schema{"T"})

	ctx := context.Background()
	store.Append(ctx, record(0, map[string]types.Value{"T": types.Present(20)}))
	early := store.Snapshot()
	store.Append(ctx, record(time.Second, map[string]types.Value{"T": types.Present(21), "x": types.Present(1)}))

	before := store.Snapshot()
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	reopened := newTestStore(t, path, types.Schema{"T"})
	defer reopened.Close()

	if diff := cmp.Diff(before, reopened.Snapshot()); diff != "" {
		t.Errorf("Widened dataset changed across reload (-before +after):\n%s", diff)
	}

	// The snapshot taken before the widening is untouched.
	if _, ok := early.Records[0].Values["x"]; ok || len(early.Columns) != 1 {
		t.Errorf("Earlier snapshot was modified: %+v", early)
	}
}

func TestStorageUTCLogSurvivesFallBack(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("Failed to load zone: %v", err)
	}
	path := filepath.Join(t.TempDir(), "log.csv")
	cfg := &Config{Path: path, Schema: types.Schema{"T"}, Location: time.UTC}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}

	// Both instants read 02:30 on a Berlin wall clock.
	first := time.Date(2026, 10, 25, 0, 30, 0, 0, time.UTC).In(berlin)
	second := first.Add(time.Hour)
	ctx := context.Background()
	for i, at := range []time.Time{first, second} {
		rec := types.Record{Timestamp: at, Values: map[string]types.Value{"T": types.Present(float64(i + 1))}}
		if _, err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	before := store.Snapshot()
	store.Close()

	want := "timestamp,T\n" +
		"2026-10-25 00:30:00,1\n" +
		"2026-10-25 01:30:00,2\n"
	if got := readFile(t, path); got != want {
		t.Errorf("Unexpected log content:\n%s\nwant:\n%s", got, want)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer reopened.Close()

	if diff := cmp.Diff(before, reopened.Snapshot()); diff != "" {
		t.Errorf("Timestamps changed across reload (-before +after):\n%s", diff)
	}
}

func TestStorageWideningDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	store, err := Open(&Config{Path: path, Schema: types.Schema{"T"}})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Append(ctx, record(0, map[string]types.Value{
		"T":    types.Present(20),
		"typo": types.Present(1),
	})); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	if _, err := store.Append(ctx, record(time.Second, map[string]types.Value{
		"typo": types.Present(1),
	})); !errors.Is(err, ErrEmptyRecord) {
		t.Errorf("Expected ErrEmptyRecord, got %v", err)
	}

	if len(store.Columns()) != 1 {
		t.Errorf("Expected columns unchanged, got %v", store.Columns())
	}
	if stats := store.Stats(); stats.UnknownKeys != 2 || stats.Records != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestStorageReservedKeyNeverWidens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	store := newTestStore(t, path, types.Schema{"T"})
	defer store.Close()

	if _, err := store.Append(context.Background(), record(0, map[string]types.Value{
		"T":         types.Present(1),
		"timestamp": types.Present(2),
	})); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if got := store.Columns(); len(got) != 1 {
		t.Errorf("Expected no widening, got %v", got)
	}
}

func TestStorageExtendsHeaderOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	initial := "timestamp,T,extra\n2026-10-18 12:00:00,20,5\n"
	if err := os.WriteFile(path, []byte(initial), 0644); err != nil {
		t.Fatalf("Failed to seed log: %v", err)
	}

	store := newTestStore(t, path, types.Schema{"T", "u"})
	defer store.Close()

	if diff := cmp.Diff([]string{"T", "extra", "u"}, store.Columns()); diff != "" {
		t.Errorf("Columns mismatch (-want +got):\n%s", diff)
	}

	want := "timestamp,T,extra,u\n2026-10-18 12:00:00,20,5,\n"
	if got := readFile(t, path); got != want {
		t.Errorf("Unexpected log content:\n%s\nwant:\n%s", got, want)
	}
}

func TestStorageRepairsTornRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	seed := "timestamp,T\n2026-10-18 12:00:00,20\n2026-10-18 12:0"
	if err := os.WriteFile(path, []byte(seed), 0644); err != nil {
		t.Fatalf("Failed to seed log: %v", err)
	}

	store := newTestStore(t, path, types.Schema{"T"})
	defer store.Close()

	if store.Snapshot().Len() != 1 {
		t.Fatalf("Expected torn row to be dropped, got %d records", store.Snapshot().Len())
	}

	if _, err := store.Append(context.Background(), record(time.Second, map[string]types.Value{"T": types.Present(21)})); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	want := "timestamp,T\n2026-10-18 12:00:00,20\n2026-10-18 12:00:01,21\n"
	if got := readFile(t, path); got != want {
		t.Errorf("Unexpected log content:\n%s\nwant:\n%s", got, want)
	}
}

func TestStorageSkipsBadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	seed := "timestamp,T,u\nnot-a-time,1,2\n2026-10-18 12:00:00,oops,3\n"
	if err := os.WriteFile(path, []byte(seed), 0644); err != nil {
		t.Fatalf("Failed to seed log: %v", err)
	}

	store := newTestStore(t, path, types.Schema{"T", "u"})
	defer store.Close()

	snap := store.Snapshot()
	if snap.Len() != 1 {
		t.Fatalf("Expected 1 record, got %d", snap.Len())
	}
	if snap.Records[0].Get("T").Valid {
		t.Error("Expected unparseable cell to load as absent")
	}
	if v := snap.Records[0].Get("u"); v.Float != 3 {
		t.Errorf("Expected u=3, got %+v", v)
	}
}

func TestStorageRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	if err := os.WriteFile(path, []byte("time,T\n"), 0644); err != nil {
		t.Fatalf("Failed to seed log: %v", err)
	}

	if _, err := Open(&Config{Path: path, Schema: types.Schema{"T"}}); err == nil {
		t.Error("Expected error for log without timestamp column")
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	store := newTestStore(t, path, types.Schema{"T"})
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Append(ctx, record(0, map[string]types.Value{"T": types.Present(1)})); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	snap := store.Snapshot()
	for i := 1; i < 10; i++ {
		if _, err := store.Append(ctx, record(time.Duration(i)*time.Second, map[string]types.Value{
			"T": types.Present(float64(i + 1)),
		})); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	if snap.Len() != 1 {
		t.Errorf("Expected old snapshot to keep 1 record, got %d", snap.Len())
	}
	if cap(snap.Records) != 1 {
		t.Errorf("Expected clipped snapshot capacity, got %d", cap(snap.Records))
	}
	if store.Snapshot().Len() != 10 {
		t.Errorf("Expected 10 records, got %d", store.Snapshot().Len())
	}
}

// faultyFile fails writes after writing half of the data
type faultyFile struct {
	*os.File
	fail bool
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if !f.fail {
		return f.File.Write(p)
	}
	n, _ := f.File.Write(p[:len(p)/2])
	return n, errors.New("disk full")
}

func TestStorageWriteFailureDropsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")

	var file *faultyFile
	store, err := open(&Config{Path: path, Schema: types.Schema{"T"}}, func(p string) (logFile, int64, error) {
		f, size, err := openAppend(p)
		if err != nil {
			return nil, 0, err
		}
		file = &faultyFile{File: f.(*os.File)}
		return file, size, nil
	})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Append(ctx, record(0, map[string]types.Value{"T": types.Present(1)})); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	file.fail = true
	_, err = store.Append(ctx, record(time.Second, map[string]types.Value{"T": types.Present(2)}))
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("Expected *WriteError, got %v", err)
	}
	if store.Snapshot().Len() != 1 {
		t.Errorf("Expected failed row to be dropped, got %d records", store.Snapshot().Len())
	}

	file.fail = false
	id, err := store.Append(ctx, record(2*time.Second, map[string]types.Value{"T": types.Present(3)}))
	if err != nil {
		t.Fatalf("Failed to append after recovery: %v", err)
	}
	if id != 1 {
		t.Errorf("Expected id 1 after dropped row, got %d", id)
	}

	want := "timestamp,T\n2026-10-18 12:00:00,1\n2026-10-18 12:00:02,3\n"
	if got := readFile(t, path); got != want {
		t.Errorf("Unexpected log content:\n%s\nwant:\n%s", got, want)
	}
	if store.Stats().WriteErrors != 1 {
		t.Errorf("Expected 1 write error, got %d", store.Stats().WriteErrors)
	}
}

type recordingNotifier struct {
	ids []types.RecordID
}

func (n *recordingNotifier) NotifyRecord(rec types.Record) {
	n.ids = append(n.ids, rec.ID)
}

func TestStorageNotifiesInOrder(t *testing.T) {
	notifier := &recordingNotifier{}
	store, err := Open(&Config{
		Path:     filepath.Join(t.TempDir(), "log.csv"),
		Schema:   types.Schema{"T"},
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	for i := 0; i < 3; i++ {
		if _, err := store.Append(context.Background(), record(time.Duration(i)*time.Second, map[string]types.Value{
			"T": types.Present(float64(i)),
		})); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	if diff := cmp.Diff([]types.RecordID{0, 1, 2}, notifier.ids); diff != "" {
		t.Errorf("Notification order mismatch (-want +got):\n%s", diff)
	}
}
