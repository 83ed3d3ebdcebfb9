package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/airsenselab/purpleair-sync/internal/history"
)

// ProgressEntry is the durable per-sensor progress record. min_date and
// max_date always reflect the bounds of the sensor's current dataset
// artifact; the issue lists are append-only and deduplicated by exact
// message.
type ProgressEntry struct {
	MinDate   *string  `json:"min_date"`
	MaxDate   *string  `json:"max_date"`
	URLIssues []string `json:"url_issue"`
	NoData    []string `json:"no_data"`
	Skipped   bool     `json:"skipped,omitempty"`
}

// Snapshot is the serialized (and API-visible) form of the run log.
type Snapshot struct {
	CatalogRefreshedAt string                    `json:"sensors_index_last_updated,omitempty"`
	LastRunID          string                    `json:"last_run_id,omitempty"`
	LastRunAt          string                    `json:"last_run_at,omitempty"`
	SkippedSensors     []int                     `json:"sensors_skipped"`
	Sensors            map[string]*ProgressEntry `json:"sensors"`
}

// RunLog is the progress store for the whole run: loaded at start,
// mutated in memory, flushed at end of run and after each sensor. The
// mutex serializes the sync run against status API readers.
type RunLog struct {
	mu   sync.Mutex
	path string
	data Snapshot
}

// LoadRunLog reads the log artifact, initializing an empty log when the
// file does not exist yet. A corrupt log is an error rather than a
// silent reset: issue history from prior runs must never be dropped.
func LoadRunLog(path string) (*RunLog, error) {
	l := &RunLog{
		path: path,
		data: Snapshot{
			SkippedSensors: []int{},
			Sensors:        make(map[string]*ProgressEntry),
		},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run log: %w", err)
	}
	if err := json.Unmarshal(raw, &l.data); err != nil {
		return nil, fmt.Errorf("parsing run log %s: %w", path, err)
	}
	if l.data.Sensors == nil {
		l.data.Sensors = make(map[string]*ProgressEntry)
	}
	if l.data.SkippedSensors == nil {
		l.data.SkippedSensors = []int{}
	}
	return l, nil
}

func (l *RunLog) entry(sensorID int) *ProgressEntry {
	key := strconv.Itoa(sensorID)
	e, ok := l.data.Sensors[key]
	if !ok {
		e = &ProgressEntry{URLIssues: []string{}, NoData: []string{}}
		l.data.Sensors[key] = e
	}
	return e
}

// Ensure creates a progress entry for the sensor if none exists.
func (l *RunLog) Ensure(sensorID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(sensorID)
}

// EnsureAll pre-creates entries for every cataloged sensor.
func (l *RunLog) EnsureAll(sensorIDs []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range sensorIDs {
		l.entry(id)
	}
}

// SetSpan records the sensor's covered date bounds.
func (l *RunLog) SetSpan(sensorID int, span history.Span) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(sensorID)
	min := span.Min.UTC().Format(fileDateLayout)
	max := span.Max.UTC().Format(fileDateLayout)
	e.MinDate = &min
	e.MaxDate = &max
}

// AddURLIssue appends an error description, deduplicated by exact message.
func (l *RunLog) AddURLIssue(sensorID int, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(sensorID)
	e.URLIssues = appendUnique(e.URLIssues, msg)
}

// AddNoData appends a window description that returned no rows,
// deduplicated by exact message.
func (l *RunLog) AddNoData(sensorID int, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(sensorID)
	e.NoData = appendUnique(e.NoData, msg)
}

// MarkSkipped flags the sensor's entry and records its id once in the
// skipped set.
func (l *RunLog) MarkSkipped(sensorID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(sensorID).Skipped = true
	for _, id := range l.data.SkippedSensors {
		if id == sensorID {
			return
		}
	}
	l.data.SkippedSensors = append(l.data.SkippedSensors, sensorID)
	sort.Ints(l.data.SkippedSensors)
}

// ResetSkipped clears the skipped set and every entry's skipped flag.
func (l *RunLog) ResetSkipped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data.SkippedSensors = []int{}
	for _, e := range l.data.Sensors {
		e.Skipped = false
	}
}

// SetRun stamps the current run id and start time.
func (l *RunLog) SetRun(runID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data.LastRunID = runID
	l.data.LastRunAt = at.UTC().Format(history.TimeLayout)
}

// SetCatalogRefreshed stamps a catalog refresh and resets the skipped
// set, which is only cleared on refresh unless configured otherwise.
func (l *RunLog) SetCatalogRefreshed(at time.Time) {
	l.mu.Lock()
	l.data.CatalogRefreshedAt = at.UTC().Format(fileDateLayout)
	l.mu.Unlock()
	l.ResetSkipped()
}

// Entry returns a copy of a sensor's progress entry.
func (l *RunLog) Entry(sensorID int) (ProgressEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.data.Sensors[strconv.Itoa(sensorID)]
	if !ok {
		return ProgressEntry{}, false
	}
	return copyEntry(e), true
}

// Snapshot returns a deep copy of the log for status reporting.
func (l *RunLog) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Snapshot{
		CatalogRefreshedAt: l.data.CatalogRefreshedAt,
		LastRunID:          l.data.LastRunID,
		LastRunAt:          l.data.LastRunAt,
		SkippedSensors:     append([]int{}, l.data.SkippedSensors...),
		Sensors:            make(map[string]*ProgressEntry, len(l.data.Sensors)),
	}
	for key, e := range l.data.Sensors {
		copied := copyEntry(e)
		out.Sensors[key] = &copied
	}
	return out
}

// Flush writes the log atomically: temp file then rename. The output is
// indented JSON so runs can be diffed by hand.
func (l *RunLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.MarshalIndent(l.data, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding run log: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run log dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".runlog_*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp run log: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing run log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing run log: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming run log: %w", err)
	}
	return nil
}

func appendUnique(list []string, msg string) []string {
	for _, existing := range list {
		if existing == msg {
			return list
		}
	}
	return append(list, msg)
}

func copyEntry(e *ProgressEntry) ProgressEntry {
	out := ProgressEntry{
		URLIssues: append([]string{}, e.URLIssues...),
		NoData:    append([]string{}, e.NoData...),
		Skipped:   e.Skipped,
	}
	if e.MinDate != nil {
		v := *e.MinDate
		out.MinDate = &v
	}
	if e.MaxDate != nil {
		v := *e.MaxDate
		out.MaxDate = &v
	}
	return out
}
