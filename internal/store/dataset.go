package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/airsenselab/purpleair-sync/internal/history"
)

// fileDateLayout is the date format embedded in artifact names and in
// the run log's min/max fields.
const fileDateLayout = "2006_01_02"

var (
	// ErrEmptyDataset is returned when a replace is attempted with no rows.
	ErrEmptyDataset = errors.New("dataset has no rows")
)

// DatasetStore persists one live CSV artifact per sensor under dir,
// named sensorID_<id>_<min>_<max>.csv from the covered date bounds.
type DatasetStore struct {
	dir string
}

// NewDatasetStore creates the data directory if needed.
func NewDatasetStore(dir string) (*DatasetStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &DatasetStore{dir: dir}, nil
}

// ArtifactName returns the canonical artifact file name for a dataset.
func ArtifactName(ds *history.Dataset) string {
	span := ds.Span()
	return fmt.Sprintf("sensorID_%d_%s_%s.csv",
		ds.SensorID,
		span.Min.UTC().Format(fileDateLayout),
		span.Max.UTC().Format(fileDateLayout))
}

// artifacts lists the live artifact paths for a sensor, sorted for
// determinism. The trailing underscore in the pattern keeps sensor 18
// from matching sensor 182.
func (s *DatasetStore) artifacts(sensorID int) ([]string, error) {
	pattern := filepath.Join(s.dir, fmt.Sprintf("sensorID_%d_*.csv", sensorID))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Load reads the sensor's current artifact. It returns nil with no
// error when the sensor has no artifact yet.
func (s *DatasetStore) Load(sensorID int) (*history.Dataset, error) {
	paths, err := s.artifacts(sensorID)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	f, err := os.Open(paths[0])
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", paths[0], err)
	}
	if len(records) == 0 || len(records[0]) == 0 || records[0][0] != "time_stamp" {
		return nil, fmt.Errorf("artifact %s: missing time_stamp header", paths[0])
	}

	columns := append([]string(nil), records[0][1:]...)
	rows := make([]history.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row, err := parseRow(columns, rec)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", paths[0], err)
		}
		rows = append(rows, row)
	}

	return &history.Dataset{SensorID: sensorID, Columns: columns, Rows: rows}, nil
}

// Replace writes the merged dataset to a new artifact and only then
// removes superseded ones, so a failure never leaves zero or two live
// artifacts. Returns the path of the new artifact.
func (s *DatasetStore) Replace(ds *history.Dataset) (string, error) {
	if ds == nil || len(ds.Rows) == 0 {
		return "", ErrEmptyDataset
	}

	old, err := s.artifacts(ds.SensorID)
	if err != nil {
		return "", err
	}

	final := filepath.Join(s.dir, ArtifactName(ds))

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".sensorID_%d_*.tmp", ds.SensorID))
	if err != nil {
		return "", fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if err := writeDataset(tmp, ds); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("renaming artifact: %w", err)
	}

	for _, p := range old {
		if p == final {
			continue
		}
		if err := os.Remove(p); err != nil {
			return final, fmt.Errorf("removing superseded artifact %s: %w", p, err)
		}
	}

	return final, nil
}

// Coverage returns the covered span of the sensor's artifact without
// keeping the rows, for status reporting.
func (s *DatasetStore) Coverage(sensorID int) (history.Span, error) {
	ds, err := s.Load(sensorID)
	if err != nil || ds == nil {
		return history.Span{}, err
	}
	return ds.Span(), nil
}

func writeDataset(f *os.File, ds *history.Dataset) error {
	w := csv.NewWriter(f)

	header := append([]string{"time_stamp"}, ds.Columns...)
	if err := w.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for _, row := range ds.Rows {
		record[0] = row.Timestamp.UTC().Format(history.TimeLayout)
		for i, col := range ds.Columns {
			record[i+1] = row.Values[col]
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func parseRow(columns []string, record []string) (history.Row, error) {
	if len(record) != len(columns)+1 {
		return history.Row{}, fmt.Errorf("row has %d fields, want %d", len(record), len(columns)+1)
	}
	ts, err := history.ParseTime(record[0])
	if err != nil {
		return history.Row{}, fmt.Errorf("bad time_stamp %q: %w", record[0], err)
	}
	values := make(map[string]string, len(columns))
	for i, col := range columns {
		values[col] = record[i+1]
	}
	return history.Row{Timestamp: ts, Values: values}, nil
}
