package history

import (
	"fmt"
	"time"
)

// Strides between window boundaries. Hourly-averaged data is allowed
// wider windows because each request returns fewer rows per day.
const (
	strideHourly  = 14 * 24 * time.Hour
	strideDefault = 5 * 24 * time.Hour
)

// Stride returns the window stride for an averaging resolution.
func Stride(averageMinutes int) time.Duration {
	if averageMinutes == 60 {
		return strideHourly
	}
	return strideDefault
}

// Boundaries produces the descending sequence of window boundaries from
// end down past begin. The first boundary is exactly end; the last is
// the first timestamp at or below begin, so the oldest window may
// overshoot begin. Pure and deterministic.
func Boundaries(begin, end time.Time, averageMinutes int) ([]time.Time, error) {
	if begin.After(end) {
		return nil, fmt.Errorf("%w: begin %s, end %s",
			ErrInvalidRange, begin.UTC().Format(TimeLayout), end.UTC().Format(TimeLayout))
	}

	step := Stride(averageMinutes)

	var bounds []time.Time
	t := end.UTC()
	for t.After(begin) {
		bounds = append(bounds, t)
		t = t.Add(-step)
	}
	bounds = append(bounds, t)

	return bounds, nil
}

// WindowsFor pairs consecutive boundaries into windows, most recent
// first. An equal begin and end yields no windows.
func WindowsFor(begin, end time.Time, averageMinutes int) ([]Window, error) {
	bounds, err := Boundaries(begin, end, averageMinutes)
	if err != nil {
		return nil, err
	}

	windows := make([]Window, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		windows = append(windows, Window{Later: bounds[i], Earlier: bounds[i+1]})
	}
	return windows, nil
}
