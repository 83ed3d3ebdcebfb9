package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fetchCall struct {
	sensorID   int
	start, end time.Time
}

// fakeFetcher scripts per-sensor outcomes by call number.
type fakeFetcher struct {
	calls  []fetchCall
	script func(sensorID, call int) (Batch, error)
	counts map[int]int
}

func (f *fakeFetcher) FetchHistory(_ context.Context, sensorID int, start, end time.Time) (Batch, error) {
	if f.counts == nil {
		f.counts = make(map[int]int)
	}
	call := f.counts[sensorID]
	f.counts[sensorID]++
	f.calls = append(f.calls, fetchCall{sensorID: sensorID, start: start, end: end})
	return f.script(sensorID, call)
}

type memDatasets struct {
	data     map[int]*Dataset
	replaces int
}

func newMemDatasets() *memDatasets {
	return &memDatasets{data: make(map[int]*Dataset)}
}

func (m *memDatasets) Load(sensorID int) (*Dataset, error) {
	return m.data[sensorID], nil
}

func (m *memDatasets) Replace(ds *Dataset) (string, error) {
	m.replaces++
	m.data[ds.SensorID] = ds
	return fmt.Sprintf("sensorID_%d.csv", ds.SensorID), nil
}

type memLog struct {
	entries map[int]*memEntry
	skipped []int
	flushes int
	resets  int
	runID   string
}

type memEntry struct {
	span      Span
	hasSpan   bool
	urlIssues []string
	noData    []string
	skipped   bool
}

func newMemLog() *memLog {
	return &memLog{entries: make(map[int]*memEntry)}
}

func (l *memLog) entry(id int) *memEntry {
	e, ok := l.entries[id]
	if !ok {
		e = &memEntry{}
		l.entries[id] = e
	}
	return e
}

func (l *memLog) Ensure(id int) { l.entry(id) }
func (l *memLog) SetSpan(id int, span Span) {
	e := l.entry(id)
	e.span = span
	e.hasSpan = true
}
func (l *memLog) AddURLIssue(id int, msg string) {
	e := l.entry(id)
	for _, existing := range e.urlIssues {
		if existing == msg {
			return
		}
	}
	e.urlIssues = append(e.urlIssues, msg)
}
func (l *memLog) AddNoData(id int, msg string) {
	e := l.entry(id)
	for _, existing := range e.noData {
		if existing == msg {
			return
		}
	}
	e.noData = append(e.noData, msg)
}
func (l *memLog) MarkSkipped(id int) {
	e := l.entry(id)
	if !e.skipped {
		e.skipped = true
		l.skipped = append(l.skipped, id)
	}
}
func (l *memLog) ResetSkipped()                    { l.resets++ }
func (l *memLog) SetRun(runID string, _ time.Time) { l.runID = runID }
func (l *memLog) Flush() error {
	l.flushes++
	return nil
}

// batchFor produces rows covering the requested window bounds.
func batchFor(start, end time.Time) Batch {
	return Batch{
		Columns: []string{"humidity"},
		Rows: []Row{
			row(start, "40"),
			row(end, "41"),
		},
	}
}

func testOptions() Options {
	return Options{
		Begin:          date(2021, time.January, 1),
		End:            date(2021, time.January, 16),
		AverageMinutes: 10, // three 5-day windows
	}
}

// TestSyncQuotaHaltsRun reproduces the run-fatal scenario: the quota
// payload arrives on sensor 131255's third window, the run halts
// immediately, sensors after it are never attempted, and the first two
// successful windows are preserved.
func TestSyncQuotaHaltsRun(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.script = func(sensorID, call int) (Batch, error) {
		if sensorID != 131255 {
			t.Fatalf("unexpected fetch for sensor %d", sensorID)
		}
		if call < 2 {
			last := fetcher.calls[len(fetcher.calls)-1]
			return batchFor(last.start, last.end), nil
		}
		return Batch{}, fmt.Errorf("sensor %d: %w", sensorID, ErrQuotaExceeded)
	}
	datasets := newMemDatasets()
	progress := newMemLog()

	svc := NewService(fetcher, datasets, progress, testOptions())
	sensors := []Sensor{
		{ID: 131255, Class: ClassUSOutdoor},
		{ID: 999, Class: ClassUSOutdoor},
	}

	err := svc.SyncAll(context.Background(), sensors)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	for _, c := range fetcher.calls {
		if c.sensorID == 999 {
			t.Fatal("sensor after the quota failure must never be attempted")
		}
	}
	if datasets.replaces != 2 {
		t.Fatalf("expected 2 merged windows before the quota hit, got %d", datasets.replaces)
	}

	e := progress.entries[131255]
	if e == nil || !e.hasSpan {
		t.Fatal("progress for the first two windows should be recorded")
	}
	if len(e.urlIssues) == 0 {
		t.Fatal("quota exhaustion should be recorded in the progress log")
	}
	if progress.flushes == 0 {
		t.Fatal("progress log should be flushed before the run stops")
	}
}

// TestSyncTransportAbandonsSensorOnly verifies a transport failure
// abandons the sensor's remaining windows but the next sensor proceeds.
func TestSyncTransportAbandonsSensorOnly(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.script = func(sensorID, call int) (Batch, error) {
		if sensorID == 100 {
			return Batch{}, fmt.Errorf("http 503: %w", ErrTransport)
		}
		last := fetcher.calls[len(fetcher.calls)-1]
		return batchFor(last.start, last.end), nil
	}
	datasets := newMemDatasets()
	progress := newMemLog()

	svc := NewService(fetcher, datasets, progress, testOptions())
	sensors := []Sensor{
		{ID: 100, Class: ClassUSOutdoor},
		{ID: 200, Class: ClassUSOutdoor},
	}

	if err := svc.SyncAll(context.Background(), sensors); err != nil {
		t.Fatalf("transport errors must not abort the run: %v", err)
	}

	if got := fetcher.counts[100]; got != 1 {
		t.Fatalf("sensor 100: expected 1 attempt before abandoning, got %d", got)
	}
	if got := fetcher.counts[200]; got != 3 {
		t.Fatalf("sensor 200: expected all 3 windows attempted, got %d", got)
	}
	if len(progress.entries[100].urlIssues) != 1 {
		t.Fatalf("transport error should be recorded once, got %v", progress.entries[100].urlIssues)
	}
}

// TestSyncEmptyWindowRecordsNoData verifies an empty result adds
// exactly one no_data entry and writes no artifact.
func TestSyncEmptyWindowRecordsNoData(t *testing.T) {
	fetcher := &fakeFetcher{
		script: func(sensorID, call int) (Batch, error) {
			return Batch{}, nil
		},
	}
	datasets := newMemDatasets()
	progress := newMemLog()

	svc := NewService(fetcher, datasets, progress, testOptions())
	sensors := []Sensor{{ID: 182, Class: ClassUSOutdoor}}

	if err := svc.SyncAll(context.Background(), sensors); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if datasets.replaces != 0 {
		t.Fatalf("no artifact should be written for empty windows, got %d replaces", datasets.replaces)
	}
	e := progress.entries[182]
	if len(e.noData) != 3 {
		t.Fatalf("expected one no_data entry per empty window, got %v", e.noData)
	}
	seen := make(map[string]bool)
	for _, msg := range e.noData {
		if seen[msg] {
			t.Fatalf("duplicate no_data entry %q", msg)
		}
		seen[msg] = true
	}
}

// TestSyncCoveredWindowsIssueNoRequests verifies the resume path: full
// prior coverage means zero fetches on the next run.
func TestSyncCoveredWindowsIssueNoRequests(t *testing.T) {
	opts := testOptions()
	datasets := newMemDatasets()
	datasets.data[182] = &Dataset{
		SensorID: 182,
		Columns:  []string{"humidity"},
		Rows: []Row{
			row(opts.Begin.Add(-24*time.Hour), "40"),
			row(opts.End, "41"),
		},
	}

	fetcher := &fakeFetcher{
		script: func(sensorID, call int) (Batch, error) {
			t.Fatal("covered windows must not be fetched")
			return Batch{}, nil
		},
	}
	progress := newMemLog()

	svc := NewService(fetcher, datasets, progress, opts)
	if err := svc.SyncAll(context.Background(), []Sensor{{ID: 182}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Fatalf("expected no requests, got %d", len(fetcher.calls))
	}
	if datasets.replaces != 0 {
		t.Fatalf("no artifact rewrite expected, got %d", datasets.replaces)
	}
}

// TestSyncSkipRule verifies externally-sourced sensors skip reference-
// range windows and are recorded once.
func TestSyncSkipRule(t *testing.T) {
	opts := testOptions()
	opts.Skip = NewSkipRule([]int{1234}, Span{
		Min: date(2021, time.January, 1),
		Max: date(2023, time.December, 31),
	})

	fetcher := &fakeFetcher{
		script: func(sensorID, call int) (Batch, error) {
			t.Fatalf("sensor %d should have been skipped", sensorID)
			return Batch{}, nil
		},
	}
	progress := newMemLog()

	svc := NewService(fetcher, newMemDatasets(), progress, opts)
	if err := svc.SyncAll(context.Background(), []Sensor{{ID: 1234, Class: ClassUSIndoor}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(progress.skipped) != 1 || progress.skipped[0] != 1234 {
		t.Fatalf("sensor should be recorded in the skipped set exactly once: %v", progress.skipped)
	}
}

// TestSyncParseErrorContinues verifies parse failures are window-local.
func TestSyncParseErrorContinues(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.script = func(sensorID, call int) (Batch, error) {
		if call == 0 {
			return Batch{}, fmt.Errorf("bad csv: %w", ErrParse)
		}
		last := fetcher.calls[len(fetcher.calls)-1]
		return batchFor(last.start, last.end), nil
	}
	datasets := newMemDatasets()
	progress := newMemLog()

	svc := NewService(fetcher, datasets, progress, testOptions())
	if err := svc.SyncAll(context.Background(), []Sensor{{ID: 182}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := fetcher.counts[182]; got != 3 {
		t.Fatalf("parse error should not stop remaining windows, got %d attempts", got)
	}
	if len(progress.entries[182].urlIssues) != 1 {
		t.Fatalf("parse error should be recorded: %v", progress.entries[182].urlIssues)
	}
	if datasets.replaces != 2 {
		t.Fatalf("expected the two good windows merged, got %d", datasets.replaces)
	}
}

// TestSyncWindowsDescendingOrder verifies windows are attempted most
// recent first.
func TestSyncWindowsDescendingOrder(t *testing.T) {
	fetcher := &fakeFetcher{
		script: func(sensorID, call int) (Batch, error) {
			return Batch{}, nil
		},
	}

	svc := NewService(fetcher, newMemDatasets(), newMemLog(), testOptions())
	if err := svc.SyncAll(context.Background(), []Sensor{{ID: 182}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 1; i < len(fetcher.calls); i++ {
		if !fetcher.calls[i].end.Before(fetcher.calls[i-1].end) {
			t.Fatalf("windows not attempted most recent first at call %d", i)
		}
	}
}

// TestSyncInvalidRange verifies a malformed range fails immediately
// with no requests and no state.
func TestSyncInvalidRange(t *testing.T) {
	opts := testOptions()
	opts.Begin, opts.End = opts.End, opts.Begin

	fetcher := &fakeFetcher{
		script: func(sensorID, call int) (Batch, error) {
			return Batch{}, nil
		},
	}
	progress := newMemLog()

	svc := NewService(fetcher, newMemDatasets(), progress, opts)
	err := svc.SyncAll(context.Background(), []Sensor{{ID: 182}})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Fatal("no requests should be issued for an invalid range")
	}
	if progress.flushes != 0 {
		t.Fatal("no partial state should be produced for an invalid range")
	}
}

// TestSyncResetSkippedOption verifies the explicit configuration choice
// around clearing the persisted skipped set.
func TestSyncResetSkippedOption(t *testing.T) {
	fetcher := &fakeFetcher{
		script: func(sensorID, call int) (Batch, error) {
			return Batch{}, nil
		},
	}

	opts := testOptions()
	progress := newMemLog()
	svc := NewService(fetcher, newMemDatasets(), progress, opts)
	if err := svc.SyncAll(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progress.resets != 0 {
		t.Fatal("skipped set must persist across plain runs by default")
	}

	opts.ResetSkipped = true
	progress = newMemLog()
	svc = NewService(fetcher, newMemDatasets(), progress, opts)
	if err := svc.SyncAll(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progress.resets != 1 {
		t.Fatal("ResetSkipped should clear the skipped set at run start")
	}
}
