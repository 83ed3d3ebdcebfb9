package history

import (
	"errors"
	"strconv"
	"time"
)

// TimeLayout is the second-precision UTC timestamp format used for API
// parameters, window descriptions and the time_stamp dataset column.
const TimeLayout = "2006-01-02T15:04:05Z"

// ParseTime parses a time_stamp value as ISO-8601 UTC seconds or unix
// seconds; the API uses both depending on endpoint.
func ParseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(TimeLayout, s); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; want ISO-8601 or unix seconds")
}

// Class represents the catalog classification of a sensor.
type Class string

const (
	ClassUSIndoor  Class = "us_indoor"
	ClassUSOutdoor Class = "us_outdoor"
	ClassNonUS     Class = "non_us"
)

// Sensor identifies a cataloged sensor and its classification.
// Immutable for the lifetime of a run.
type Sensor struct {
	ID    int   `json:"id"`
	Class Class `json:"class"`
}

// Window is a bounded date interval for which one API request is issued.
// Later is always strictly after Earlier.
type Window struct {
	Later   time.Time
	Earlier time.Time
}

// String renders the window the way it is recorded in the run log.
func (w Window) String() string {
	return w.Earlier.UTC().Format(TimeLayout) + " to " + w.Later.UTC().Format(TimeLayout)
}

// Row is a single time-series record. Values maps measurement column
// names to their raw string values as returned by the API.
type Row struct {
	Timestamp time.Time
	Values    map[string]string
}

// Batch is one fetched chunk of rows plus the measurement columns the
// API returned them under (time_stamp excluded).
type Batch struct {
	Columns []string
	Rows    []Row
}

// Dataset is the accumulated, deduplicated, timestamp-ascending set of
// rows for one sensor. At most one live artifact per sensor exists at
// any time; it is replaced, never appended to.
type Dataset struct {
	SensorID int
	Columns  []string
	Rows     []Row
}

// Span reports the covered [min, max] timestamp bounds of the dataset.
func (d *Dataset) Span() Span {
	if d == nil || len(d.Rows) == 0 {
		return Span{}
	}
	return Span{
		Min: d.Rows[0].Timestamp,
		Max: d.Rows[len(d.Rows)-1].Timestamp,
	}
}
