package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/airsenselab/purpleair-sync/internal/history"
)

func tempLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sensor_log.json")
}

func TestLoadRunLogMissingFile(t *testing.T) {
	l, err := LoadRunLog(tempLogPath(t))
	if err != nil {
		t.Fatalf("missing log file should initialize empty: %v", err)
	}
	snap := l.Snapshot()
	if len(snap.Sensors) != 0 || len(snap.SkippedSensors) != 0 {
		t.Fatalf("expected empty log, got %+v", snap)
	}
}

func TestLoadRunLogCorruptFile(t *testing.T) {
	path := tempLogPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRunLog(path); err == nil {
		t.Fatal("corrupt log must be an error, never a silent reset")
	}
}

func TestRunLogFlushRoundTrip(t *testing.T) {
	path := tempLogPath(t)
	l, err := LoadRunLog(path)
	if err != nil {
		t.Fatal(err)
	}

	l.Ensure(182)
	l.SetSpan(182, history.Span{
		Min: time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC),
		Max: time.Date(2021, time.January, 10, 0, 0, 0, 0, time.UTC),
	})
	l.AddURLIssue(182, "http status 503")
	l.AddNoData(182, "2021-01-01T00:00:00Z to 2021-01-05T00:00:00Z")
	l.MarkSkipped(1234)
	l.SetRun("run-1", time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC))

	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reloaded, err := LoadRunLog(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	e, ok := reloaded.Entry(182)
	if !ok {
		t.Fatal("entry for sensor 182 lost across flush")
	}
	if e.MinDate == nil || *e.MinDate != "2021_01_01" {
		t.Errorf("min_date = %v, want 2021_01_01", e.MinDate)
	}
	if e.MaxDate == nil || *e.MaxDate != "2021_01_10" {
		t.Errorf("max_date = %v, want 2021_01_10", e.MaxDate)
	}
	if len(e.URLIssues) != 1 || e.URLIssues[0] != "http status 503" {
		t.Errorf("url_issue = %v", e.URLIssues)
	}
	if len(e.NoData) != 1 {
		t.Errorf("no_data = %v", e.NoData)
	}

	snap := reloaded.Snapshot()
	if snap.LastRunID != "run-1" {
		t.Errorf("last run id = %q", snap.LastRunID)
	}
	if len(snap.SkippedSensors) != 1 || snap.SkippedSensors[0] != 1234 {
		t.Errorf("skipped sensors = %v", snap.SkippedSensors)
	}
	skipped, ok := reloaded.Entry(1234)
	if !ok || !skipped.Skipped {
		t.Error("skipped flag lost across flush")
	}
}

func TestRunLogAppendUnique(t *testing.T) {
	l, err := LoadRunLog(tempLogPath(t))
	if err != nil {
		t.Fatal(err)
	}

	l.AddURLIssue(182, "quota exhausted")
	l.AddURLIssue(182, "quota exhausted")
	l.AddNoData(182, "2021-01-01T00:00:00Z to 2021-01-05T00:00:00Z")
	l.AddNoData(182, "2021-01-01T00:00:00Z to 2021-01-05T00:00:00Z")

	e, _ := l.Entry(182)
	if len(e.URLIssues) != 1 {
		t.Errorf("url_issue not deduplicated: %v", e.URLIssues)
	}
	if len(e.NoData) != 1 {
		t.Errorf("no_data not deduplicated: %v", e.NoData)
	}
}

func TestRunLogMarkSkippedOnce(t *testing.T) {
	l, err := LoadRunLog(tempLogPath(t))
	if err != nil {
		t.Fatal(err)
	}

	l.MarkSkipped(1302)
	l.MarkSkipped(1234)
	l.MarkSkipped(1302)

	snap := l.Snapshot()
	if len(snap.SkippedSensors) != 2 {
		t.Fatalf("skipped set = %v, want two unique ids", snap.SkippedSensors)
	}
	if snap.SkippedSensors[0] != 1234 || snap.SkippedSensors[1] != 1302 {
		t.Fatalf("skipped set not sorted: %v", snap.SkippedSensors)
	}
}

func TestRunLogResetSkipped(t *testing.T) {
	l, err := LoadRunLog(tempLogPath(t))
	if err != nil {
		t.Fatal(err)
	}

	l.MarkSkipped(1234)
	l.ResetSkipped()

	snap := l.Snapshot()
	if len(snap.SkippedSensors) != 0 {
		t.Fatalf("skipped set not cleared: %v", snap.SkippedSensors)
	}
	e, _ := l.Entry(1234)
	if e.Skipped {
		t.Fatal("entry skipped flag not cleared")
	}
}

func TestRunLogCatalogRefreshResetsSkipped(t *testing.T) {
	l, err := LoadRunLog(tempLogPath(t))
	if err != nil {
		t.Fatal(err)
	}

	l.MarkSkipped(1234)
	l.SetCatalogRefreshed(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))

	snap := l.Snapshot()
	if snap.CatalogRefreshedAt != "2024_06_01" {
		t.Errorf("refresh stamp = %q", snap.CatalogRefreshedAt)
	}
	if len(snap.SkippedSensors) != 0 {
		t.Fatalf("catalog refresh must clear the skipped set, got %v", snap.SkippedSensors)
	}
}

// TestRunLogSnapshotIsolation verifies mutating a snapshot does not
// reach back into the live log.
func TestRunLogSnapshotIsolation(t *testing.T) {
	l, err := LoadRunLog(tempLogPath(t))
	if err != nil {
		t.Fatal(err)
	}
	l.AddURLIssue(182, "first")

	snap := l.Snapshot()
	snap.Sensors["182"].URLIssues[0] = "mutated"
	snap.SkippedSensors = append(snap.SkippedSensors, 999)

	e, _ := l.Entry(182)
	if e.URLIssues[0] != "first" {
		t.Fatal("snapshot mutation leaked into the live log")
	}
	if len(l.Snapshot().SkippedSensors) != 0 {
		t.Fatal("snapshot slice shares backing array with live log")
	}
}

func TestRunLogEnsureAll(t *testing.T) {
	l, err := LoadRunLog(tempLogPath(t))
	if err != nil {
		t.Fatal(err)
	}
	l.EnsureAll([]int{182, 1234, 131255})

	snap := l.Snapshot()
	if len(snap.Sensors) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap.Sensors))
	}
	for _, key := range []string{"182", "1234", "131255"} {
		e := snap.Sensors[key]
		if e == nil {
			t.Fatalf("missing entry %s", key)
		}
		if e.URLIssues == nil || e.NoData == nil {
			t.Fatalf("entry %s lists should serialize as [] not null", key)
		}
	}
}
